package pkce_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/pkce"
)

const urlSafeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

func TestGenerateVerifierShape(t *testing.T) {
	c, err := pkce.Generate()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(c.Verifier), 43)
	for _, r := range c.Verifier {
		assert.True(t, strings.ContainsRune(urlSafeChars, r), "verifier contains non-URL-safe rune %q", r)
	}
}

func TestGenerateStateNonceShape(t *testing.T) {
	c, err := pkce.Generate()
	require.NoError(t, err)

	// 16 random bytes base64url-encode to 22 characters without padding.
	assert.Len(t, c.State, 22)
	assert.NotContains(t, c.State, "=")
	assert.NotContains(t, c.State, "+")
	assert.NotContains(t, c.State, "/")
}

func TestGenerateIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := pkce.Generate()
		require.NoError(t, err)
		assert.False(t, seen[c.State], "state nonce repeated")
		assert.False(t, seen[c.Verifier], "verifier repeated")
		seen[c.State] = true
		seen[c.Verifier] = true
	}
}
