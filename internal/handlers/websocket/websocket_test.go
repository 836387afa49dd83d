package websocket

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"
	ws "github.com/smart-kids/graph-sub000/internal/websocket"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubVerifier map[string]*jwt.Claims

func (s stubVerifier) VerifyAccessToken(token string) (*jwt.Claims, error) {
	if c, ok := s[token]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

func startServer(t *testing.T) (*ws.Hub, string) {
	gin.SetMode(gin.TestMode)

	hub := ws.NewHub(stubVerifier{
		"user-7": {UserID: 7, SessionPurpose: "access"},
		"ops-1":  {UserID: 1, Roles: []string{jwt.RoleOps}, SessionPurpose: "access"},
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", NewWebSocketHandler(hub, nil, zap.NewNop()).HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, token string) *gws.Conn {
	conn, _, err := gws.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gws.Conn) wstypes.WSMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg wstypes.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleConnection_RejectsBadToken(t *testing.T) {
	_, url := startServer(t)

	_, resp, err := gws.DefaultDialer.Dial(url+"?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandleConnection_PushesPaymentStatusToOwner(t *testing.T) {
	hub, url := startServer(t)
	conn := dial(t, url, "user-7")

	hello := readMessage(t, conn)
	assert.Equal(t, wstypes.EventTypeConnected, hello.Type)
	assert.Equal(t, 1, hub.ConnectedClients(7))

	uid := int64(7)
	require.NoError(t, hub.PushPaymentStatus(&uid, &wstypes.PaymentStatusData{
		TransactionID: "TXN-1",
		Status:        "COMPLETED",
		Amount:        "50.00",
		ReceiptNumber: "ABC123",
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, wstypes.EventTypePaymentStatus, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "TXN-1", data["transaction_id"])
	assert.Equal(t, "ABC123", data["receipt_number"])
}

func TestHandleConnection_OperatorChannelIsRestricted(t *testing.T) {
	_, url := startServer(t)

	user := dial(t, url, "user-7")
	readMessage(t, user)
	require.NoError(t, user.WriteJSON(wstypes.WSMessage{
		Type: wstypes.EventTypeSubscribe,
		Data: wstypes.SubscribeRequest{Channels: []wstypes.ChannelType{wstypes.ChannelPaymentsAll}},
	}))
	reply := readMessage(t, user)
	data := reply.Data.(map[string]interface{})
	assert.Nil(t, data["channels"])
	assert.Equal(t, []interface{}{"payments:all"}, data["denied"])

	ops := dial(t, url, "ops-1")
	readMessage(t, ops)
	require.NoError(t, ops.WriteJSON(wstypes.WSMessage{
		Type: wstypes.EventTypeSubscribe,
		Data: wstypes.SubscribeRequest{Channels: []wstypes.ChannelType{wstypes.ChannelPaymentsAll}},
	}))
	reply = readMessage(t, ops)
	data = reply.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"payments:all"}, data["channels"])
}
