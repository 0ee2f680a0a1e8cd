// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// TokenGuard validates static bearer tokens against the configured secret.
// The service runs next to the editor it serves, so a single shared token
// is enough; there is no user database and no session lifecycle.
type TokenGuard struct {
	secret []byte
}

// NewTokenGuard creates a guard for the given token.
// An empty token disables authentication entirely.
func NewTokenGuard(token string) *TokenGuard {
	token = strings.TrimSpace(token)
	if token == "" {
		return &TokenGuard{}
	}
	return &TokenGuard{secret: []byte(token)}
}

// Enabled reports whether a token is configured
func (g *TokenGuard) Enabled() bool {
	return len(g.secret) > 0
}

// Verify checks a presented token with a constant-time comparison
func (g *TokenGuard) Verify(presented string) bool {
	if !g.Enabled() {
		return true
	}
	return hmac.Equal([]byte(presented), g.secret)
}

// GenerateToken produces a random hex token suitable for AUTH_TOKEN
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		length = 32
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}
