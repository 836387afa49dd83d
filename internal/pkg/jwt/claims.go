// internal/pkg/jwt/claims.go
package jwt

import (
	"slices"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
	RoleOps        = "payments_ops"
)

// Claims are the access-token claims issued by the identity service.
type Claims struct {
	UserID         int64    `json:"identity_id"`
	SchoolID       *int64   `json:"school_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	SessionPurpose string   `json:"session_purpose"`
	IsTemp         bool     `json:"is_temp"`
	jwt.RegisteredClaims
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// CanOperatePayments reports whether the caller may reconcile or inspect
// payments that are not their own.
func (c *Claims) CanOperatePayments() bool {
	return c.HasAnyRole(RoleAdmin, RoleSuperAdmin, RoleOps)
}

// UserKey is the hub key used to address this caller's sockets.
func (c *Claims) UserKey() string {
	return strconv.FormatInt(c.UserID, 10)
}
