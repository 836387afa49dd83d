package payment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smart-kids/graph-sub000/internal/domain/payment"
	wstypes "github.com/smart-kids/graph-sub000/internal/domain/websocket"
	"github.com/smart-kids/graph-sub000/internal/events"
	xerrors "github.com/smart-kids/graph-sub000/internal/pkg/errors"
	"github.com/smart-kids/graph-sub000/internal/pkg/mpesa"
	"github.com/smart-kids/graph-sub000/internal/worker"
)

// memStore keeps the same conditional-update contract as the postgres store.
type memStore struct {
	mu       sync.Mutex
	txns     map[string]*payment.Transaction
	receipts map[string]*payment.CallbackReceipt
	order    []string
	updates  int
	// updateErr, when set, is returned by UpdateWhere without writing.
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		txns:     map[string]*payment.Transaction{},
		receipts: map[string]*payment.CallbackReceipt{},
	}
}

func cloneTxn(t *payment.Transaction) *payment.Transaction {
	c := *t
	c.Metadata = append([]payment.MetadataEntry(nil), t.Metadata...)
	return &c
}

func (m *memStore) put(t *payment.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.ID] = cloneTxn(t)
}

func (m *memStore) get(id string) *payment.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.txns[id]; ok {
		return cloneTxn(t)
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

func (m *memStore) receipt(id string) *payment.CallbackReceipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[id]; ok {
		c := *r
		return &c
	}
	return nil
}

func (m *memStore) CreateIfAbsent(_ context.Context, tx *payment.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[tx.ID]; ok {
		return false, nil
	}
	m.txns[tx.ID] = cloneTxn(tx)
	return true, nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*payment.Transaction, error) {
	if t := m.get(id); t != nil {
		return t, nil
	}
	return nil, xerrors.ErrNotFound
}

func (m *memStore) FindByCheckoutRequestID(_ context.Context, checkoutRequestID string) (*payment.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.CheckoutRequestID() == checkoutRequestID {
			return cloneTxn(t), nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (m *memStore) UpdateWhere(_ context.Context, id string, expected payment.Status, patch *payment.Patch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return 0, m.updateErr
	}
	t, ok := m.txns[id]
	if !ok || t.Status != expected {
		return 0, nil
	}
	// Provider ids are write-once.
	p := *patch
	if t.ProviderCheckoutRequestID != nil {
		p.ProviderCheckoutRequestID = nil
	}
	if t.ProviderMerchantRequestID != nil {
		p.ProviderMerchantRequestID = nil
	}
	p.Apply(t, time.Now())
	m.updates++
	return 1, nil
}

func (m *memStore) BackfillReceipt(_ context.Context, id string, fill *payment.ReceiptBackfill) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok || t.Status != payment.StatusCompleted || t.ProviderReceiptNumber != nil {
		return 0, nil
	}
	fill.Apply(t, time.Now())
	m.updates++
	return 1, nil
}

func (m *memStore) AttachProviderRefs(_ context.Context, id, merchantRequestID, checkoutRequestID string, entries ...payment.MetadataEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if t.ProviderMerchantRequestID == nil && merchantRequestID != "" {
		t.ProviderMerchantRequestID = &merchantRequestID
	}
	if t.ProviderCheckoutRequestID == nil && checkoutRequestID != "" {
		t.ProviderCheckoutRequestID = &checkoutRequestID
	}
	t.Metadata = append(t.Metadata, entries...)
	return nil
}

func (m *memStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]payment.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payment.Transaction
	for _, t := range m.txns {
		if t.Status == payment.StatusPending && t.CreatedAt.Before(olderThan) {
			out = append(out, *cloneTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) List(_ context.Context, filters *payment.ListFilters) ([]payment.Transaction, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payment.Transaction
	for _, t := range m.txns {
		out = append(out, *cloneTxn(t))
	}
	return out, int64(len(out)), nil
}

func (m *memStore) GetStats(context.Context, *payment.ListFilters) (*payment.TransactionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &payment.TransactionStats{}
	for _, t := range m.txns {
		stats.Total++
		if t.Status == payment.StatusCompleted {
			stats.Completed++
		}
	}
	return stats, nil
}

func (m *memStore) SaveCallbackReceipt(_ context.Context, r *payment.CallbackReceipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.receipts[r.ID] = &c
	m.order = append(m.order, r.ID)
	return nil
}

func (m *memStore) MarkCallbackReceiptProcessed(_ context.Context, id string, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	now := time.Now()
	r.ProcessedAt = &now
	r.Outcome = &outcome
	return nil
}

func (m *memStore) ListUnprocessedCallbackReceipts(_ context.Context, olderThan time.Time, limit int) ([]payment.CallbackReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payment.CallbackReceipt
	for _, id := range m.order {
		r := m.receipts[id]
		if r.ProcessedAt == nil && r.ReceivedAt.Before(olderThan) {
			out = append(out, *r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeProvider struct {
	pushCalls  int32
	queryCalls int32
	push       func(ctx context.Context, in mpesa.PushRequest) (*mpesa.STKPushResponse, error)
	query      func(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

func (f *fakeProvider) STKPush(ctx context.Context, in mpesa.PushRequest) (*mpesa.STKPushResponse, error) {
	atomic.AddInt32(&f.pushCalls, 1)
	if f.push != nil {
		return f.push(ctx, in)
	}
	return &mpesa.STKPushResponse{
		MerchantRequestID:   "M1",
		CheckoutRequestID:   "C1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		Request:             map[string]any{"Amount": in.Amount},
	}, nil
}

func (f *fakeProvider) STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	atomic.AddInt32(&f.queryCalls, 1)
	if f.query != nil {
		return f.query(ctx, checkoutRequestID)
	}
	return &mpesa.STKQueryResponse{ResponseCode: "0", CheckoutRequestID: checkoutRequestID, ResultCode: "0", ResultDesc: "ok"}, nil
}

type sentSMS struct {
	To      string
	Message string
}

type recorder struct {
	mu          sync.Mutex
	sms         []sentSMS
	activations []string
	pushes      []*wstypes.PaymentStatusData
	events      []events.PaymentEvent
}

func (r *recorder) Notify(_ context.Context, to, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms = append(r.sms, sentSMS{To: to, Message: message})
	return nil
}

func (r *recorder) ActivateFromPayment(_ context.Context, tx *payment.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activations = append(r.activations, tx.ID)
	return nil
}

func (r *recorder) PushPaymentStatus(_ *int64, data *wstypes.PaymentStatusData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, data)
	return nil
}

func (r *recorder) Publish(_ context.Context, e events.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) counts() (sms, activations, pushes, evts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sms), len(r.activations), len(r.pushes), len(r.events)
}

// inlineRunner runs tasks on the caller's goroutine.
type inlineRunner struct{}

func (inlineRunner) Submit(task worker.Task) error {
	task(context.Background())
	return nil
}

type fullRunner struct{}

func (fullRunner) Submit(worker.Task) error { return worker.ErrQueueFull }

type stubThrottle struct {
	allow bool
	err   error
	keys  []string
	reset []string
}

func (s *stubThrottle) Allow(_ context.Context, key string, _ int64, _ time.Duration) (bool, int64, error) {
	s.keys = append(s.keys, key)
	return s.allow, 0, s.err
}

func (s *stubThrottle) Reset(_ context.Context, key string) error {
	s.reset = append(s.reset, key)
	return s.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
