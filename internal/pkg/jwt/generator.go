// internal/pkg/jwt/generator.go
package jwt

import (
	"crypto/rsa"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Generator issues access tokens. Tokens are normally minted by the identity
// service; this is used by paymentctl for service calls and by tests.
type Generator struct {
	priv     *rsa.PrivateKey
	issuer   string
	audience string
	Ttl      time.Duration
}

func NewGenerator(priv *rsa.PrivateKey, issuer, audience string, ttl time.Duration) *Generator {
	return &Generator{
		priv:     priv,
		issuer:   issuer,
		audience: audience,
		Ttl:      ttl,
	}
}

func (g *Generator) GenerateAccessToken(userID int64, schoolID *int64, roles []string) (string, error) {
	if g.priv == nil {
		return "", fmt.Errorf("jwt generator has nil private key")
	}

	now := time.Now()
	claims := &Claims{
		UserID:         userID,
		SchoolID:       schoolID,
		Roles:          roles,
		SessionPurpose: purposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			Audience:  []string{g.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(g.Ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        ulid.Make().String(),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(g.priv)
}
