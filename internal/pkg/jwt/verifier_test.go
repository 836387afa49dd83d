package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestVerifier_AcceptsAccessToken(t *testing.T) {
	key := newKeyPair(t)
	gen := NewGenerator(key, "smart-kids", "payments", time.Hour)
	ver := NewVerifier(&key.PublicKey, "smart-kids", "payments")

	school := int64(7)
	tok, err := gen.GenerateAccessToken(42, &school, []string{RoleOps})
	require.NoError(t, err)

	claims, err := ver.VerifyAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "42", claims.UserKey())
	require.NotNil(t, claims.SchoolID)
	assert.Equal(t, int64(7), *claims.SchoolID)
	assert.True(t, claims.CanOperatePayments())
}

func TestVerifier_RejectsWrongAudience(t *testing.T) {
	key := newKeyPair(t)
	gen := NewGenerator(key, "smart-kids", "someone-else", time.Hour)
	ver := NewVerifier(&key.PublicKey, "smart-kids", "payments")

	tok, err := gen.GenerateAccessToken(1, nil, nil)
	require.NoError(t, err)

	_, err = ver.VerifyAccessToken(tok)
	assert.Error(t, err)
}

func TestVerifier_RejectsForeignKey(t *testing.T) {
	gen := NewGenerator(newKeyPair(t), "smart-kids", "payments", time.Hour)
	ver := NewVerifier(&newKeyPair(t).PublicKey, "smart-kids", "payments")

	tok, err := gen.GenerateAccessToken(1, nil, nil)
	require.NoError(t, err)

	_, err = ver.Verify(tok)
	assert.Error(t, err)
}

func TestClaims_Roles(t *testing.T) {
	c := &Claims{Roles: []string{"parent"}}
	assert.False(t, c.CanOperatePayments())
	assert.True(t, c.HasRole("parent"))

	c.Roles = append(c.Roles, RoleSuperAdmin)
	assert.True(t, c.CanOperatePayments())
}

func TestVerifier_RejectsNonAccessTokens(t *testing.T) {
	key := newKeyPair(t)
	ver := NewVerifier(&key.PublicKey, "smart-kids", "payments")

	sign := func(c *Claims) string {
		c.Issuer = "smart-kids"
		c.Audience = []string{"payments"}
		c.ExpiresAt = jwtlib.NewNumericDate(time.Now().Add(time.Hour))
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, c).SignedString(key)
		require.NoError(t, err)
		return tok
	}

	_, err := ver.VerifyAccessToken(sign(&Claims{UserID: 1, SessionPurpose: "refresh"}))
	assert.ErrorIs(t, err, ErrNotAccessToken)

	_, err = ver.VerifyAccessToken(sign(&Claims{UserID: 1, SessionPurpose: purposeAccess, IsTemp: true}))
	assert.ErrorIs(t, err, ErrTemporaryToken)
}

func TestLoadKeys_FromPEMFiles(t *testing.T) {
	key := newKeyPair(t)
	dir := t.TempDir()

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	priv, err := LoadRSAPrivateKeyFromPEM(privPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))

	ver, err := LoadVerifier(Config{PubPath: pubPath, Issuer: "smart-kids", Audience: "payments"})
	require.NoError(t, err)
	tok, err := NewGenerator(priv, "smart-kids", "payments", time.Minute).GenerateAccessToken(3, nil, nil)
	require.NoError(t, err)
	_, err = ver.VerifyAccessToken(tok)
	require.NoError(t, err)

	_, err = LoadRSAPublicKeyFromPEM(privPath)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.pem"), []byte("not pem"), 0o600))
	_, err = LoadRSAPublicKeyFromPEM(filepath.Join(dir, "junk.pem"))
	assert.Error(t, err)
}
