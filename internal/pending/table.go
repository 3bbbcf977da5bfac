// Package pending implements the pending-auth table: the set of outstanding
// authorisation attempts keyed by an opaque state nonce. A new auth attempt
// for an account supersedes any previous one; the superseded nonce is moved
// into a bounded LRU of revoked nonces rather than deleted outright, so a
// late, replayed redirect is rejected rather than treated as simply unknown.
package pending

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrUnknown means the nonce was never issued, or was already GC'd out
	// of the revoked set.
	ErrUnknown = errors.New("unknown state nonce")
	// ErrRevoked means the nonce was issued but has since been superseded
	// or explicitly revoked; the redirect it belonged to is stale.
	ErrRevoked = errors.New("revoked state nonce")
)

// Entry is one outstanding authorisation attempt. RedirectURI is the
// listener-specific redirect URI the auth URL was rendered with; the code
// exchange must present the same value.
type Entry struct {
	Account     string
	Verifier    string
	RedirectURI string
	CreatedAt   time.Time
}

// defaultRevokedCapacity bounds how many superseded nonces are remembered
// well enough to distinguish "revoked" from "never existed"; beyond this the
// daemon reports ErrUnknown instead, which is observationally identical to
// the caller (both are a 400).
const defaultRevokedCapacity = 256

// Table is the process-wide pending-auth singleton.
type Table struct {
	mu      sync.Mutex
	live    map[string]*Entry
	revoked *lru.Cache[string, struct{}]
}

// New creates an empty pending-auth table.
func New() *Table {
	c, _ := lru.New[string, struct{}](defaultRevokedCapacity)
	return &Table{
		live:    make(map[string]*Entry),
		revoked: c,
	}
}

// Put installs a fresh live entry for nonce, tombstoning oldNonce (if
// non-empty) at the same time. Callers insert this under the owning
// account's lock, so that the nonce is only observable to the redirect
// server once the account is actually in Pending.
func (t *Table) Put(nonce string, e *Entry, oldNonce string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if oldNonce != "" {
		delete(t.live, oldNonce)
		t.revoked.Add(oldNonce, struct{}{})
	}
	t.live[nonce] = e
}

// Revoke tombstones a single live nonce without installing a replacement,
// used by an explicit `revoke` or a permanent refresh/auth failure.
func (t *Table) Revoke(nonce string) {
	if nonce == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[nonce]; ok {
		delete(t.live, nonce)
		t.revoked.Add(nonce, struct{}{})
	}
}

// RevokeAccount tombstones every live nonce belonging to account. Account
// counts are small (single-user daemon, a handful of mail accounts) so a
// linear scan is simpler than a reverse index and is never on a hot path.
func (t *Table) RevokeAccount(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for nonce, e := range t.live {
		if e.Account == account {
			delete(t.live, nonce)
			t.revoked.Add(nonce, struct{}{})
		}
	}
}

// Consume removes and returns the live entry for nonce, or an error
// classifying why it could not be found. A nonce is single-use: whether the
// redirect succeeds or fails, the entry is gone once Consume returns it.
func (t *Table) Consume(nonce string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.live[nonce]; ok {
		delete(t.live, nonce)
		return e, nil
	}
	if _, ok := t.revoked.Get(nonce); ok {
		return nil, ErrRevoked
	}
	return nil, ErrUnknown
}
