// Package pkce generates the PKCE code verifier and state nonce used to
// bind an authorisation request to the account that originated it.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// stateNonceBytes is the number of random bytes used for the state nonce.
const stateNonceBytes = 16

// Challenge holds the PKCE verifier and the state nonce generated for one
// authorisation attempt. The S256 code_challenge is derived from Verifier
// on demand by golang.org/x/oauth2's AuthCodeOption helpers, so it is never
// stored separately.
type Challenge struct {
	Verifier string
	State    string
}

// Generate produces a fresh PKCE verifier and state nonce from a
// cryptographically secure source.
func Generate() (*Challenge, error) {
	state, err := randomURLSafe(stateNonceBytes)
	if err != nil {
		return nil, fmt.Errorf("generate state nonce: %w", err)
	}

	return &Challenge{
		Verifier: oauth2.GenerateVerifier(),
		State:    state,
	}, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
