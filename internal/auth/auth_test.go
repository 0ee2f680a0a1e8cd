// internal/auth/auth_test.go
package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGuardDisabledAcceptsEverything(t *testing.T) {
	guard := NewTokenGuard("")

	assert.False(t, guard.Enabled())
	assert.True(t, guard.Verify(""))
	assert.True(t, guard.Verify("anything"))
}

func TestTokenGuardVerifiesExactToken(t *testing.T) {
	guard := NewTokenGuard("s3cret-token")

	assert.True(t, guard.Enabled())
	assert.True(t, guard.Verify("s3cret-token"))
	assert.False(t, guard.Verify("s3cret-token "))
	assert.False(t, guard.Verify("S3CRET-TOKEN"))
	assert.False(t, guard.Verify(""))
}

func TestTokenGuardTrimsConfiguredToken(t *testing.T) {
	guard := NewTokenGuard("  padded \n")

	assert.True(t, guard.Verify("padded"))
}

func TestGenerateToken(t *testing.T) {
	first, err := GenerateToken(16)
	require.NoError(t, err)
	second, err := GenerateToken(16)
	require.NoError(t, err)

	// hex encoding doubles the byte length
	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)

	fallback, err := GenerateToken(0)
	require.NoError(t, err)
	assert.Len(t, fallback, 64)
}
