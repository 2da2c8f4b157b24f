// Package auth verifies the signed identity tokens carried by every HTTP
// request and WebSocket handshake. Tokens are HMAC-signed JWTs with the
// subject id and a role claim; nothing else is trusted from the client.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/domain"
)

const (
	RoleDriver   = "driver"
	RoleCustomer = "customer"
)

type Identity struct {
	ID   string
	Role string
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, domain.Authf("no token")
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.Authf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, domain.Authf("token verification failed")
	}
	if c.Subject == "" {
		return Identity{}, domain.Authf("token missing subject")
	}
	if c.Role != RoleDriver && c.Role != RoleCustomer {
		return Identity{}, domain.Authf("unknown role %q", c.Role)
	}
	return Identity{ID: c.Subject, Role: c.Role}, nil
}

// Sign issues a token for the given identity. Used by tests and the
// local token generator; production tokens come from the identity service.
func (v *Verifier) Sign(id, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}
