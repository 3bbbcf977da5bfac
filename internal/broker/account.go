// Package broker holds the account table and the per-account state machine
// that is the authoritative store of tokens and flow status. Every exported
// mutator takes the account's own lock; network I/O never happens while that
// lock is held — callers fetch whatever they need under the lock, perform the
// HTTP call with no lock held, then commit the result back through a
// ticket-checked method.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenbroker/internal/accountcfg"
)

// State is the account's tagged variant: no token, awaiting a browser
// redirect, or holding a live access token.
type State int

const (
	Empty State = iota
	Pending
	Active
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// PendingSnapshot is a read-only copy of the Pending payload.
type PendingSnapshot struct {
	StateNonce     string
	Verifier       string
	StartedAt      time.Time
	LastNotifiedAt time.Time
}

// ActiveSnapshot is a read-only copy of the Active payload.
type ActiveSnapshot struct {
	AccessToken                  string
	RefreshToken                 string
	ObtainedAt                   time.Time
	Expiry                       time.Time
	HasExpiry                    bool
	Refreshing                   bool
	LastRefreshAttempt           time.Time
	ConsecutiveTransientFailures int
}

// Snapshot is a point-in-time, lock-free copy of an account's state, safe to
// read, log, or serialise after the account's lock has been released.
type Snapshot struct {
	Name       string
	Config     accountcfg.AccountConfig
	State      State
	Pending    *PendingSnapshot
	Active     *ActiveSnapshot
	Generation uint64
}

// Ticket is the optimistic-reservation lease handed to a refresh worker by
// BeginRefresh. The worker performs its HTTP call without holding any lock,
// then presents the ticket back to one of the Commit* methods, which only
// applies the result if the account has not been mutated (revoked, reloaded
// away, or raced by another refresh) since the ticket was issued.
type Ticket struct {
	Lease      uuid.UUID
	Generation uint64
}

// Account is one entry of the account table, guarded by its own mutex.
type Account struct {
	mu sync.Mutex

	name       string
	config     accountcfg.AccountConfig
	state      State
	pending    *pendingData
	active     *activeData
	generation uint64
}

type pendingData struct {
	stateNonce     string
	verifier       string
	startedAt      time.Time
	lastNotifiedAt time.Time
}

type activeData struct {
	accessToken                  string
	refreshToken                 string
	obtainedAt                   time.Time
	expiry                       time.Time
	hasExpiry                    bool
	refreshing                   bool
	lastRefreshAttempt           time.Time
	consecutiveTransientFailures int
	lease                        uuid.UUID
}

// New creates an Empty account for the given resolved config.
func New(cfg accountcfg.AccountConfig) *Account {
	return &Account{name: cfg.Name, config: cfg, state: Empty}
}

// Name returns the account's immutable name.
func (a *Account) Name() string { return a.name }

// ConfigSnapshot returns the account's current config under its lock. A
// reload may update config in place for an account that survives the
// reload (see Table.Reload), so this always takes the lock rather than
// trusting a cached copy.
func (a *Account) ConfigSnapshot() accountcfg.AccountConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// SetConfig installs a new resolved config for an account that survives a
// reload, under the account's lock.
func (a *Account) SetConfig(cfg accountcfg.AccountConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = cfg
}

// Snapshot copies the account's current state out from under its lock.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Account) snapshotLocked() Snapshot {
	s := Snapshot{Name: a.name, Config: a.config, State: a.state, Generation: a.generation}
	if a.pending != nil {
		s.Pending = &PendingSnapshot{
			StateNonce:     a.pending.stateNonce,
			Verifier:       a.pending.verifier,
			StartedAt:      a.pending.startedAt,
			LastNotifiedAt: a.pending.lastNotifiedAt,
		}
	}
	if a.active != nil {
		s.Active = &ActiveSnapshot{
			AccessToken:                  a.active.accessToken,
			RefreshToken:                 a.active.refreshToken,
			ObtainedAt:                   a.active.obtainedAt,
			Expiry:                       a.active.expiry,
			HasExpiry:                    a.active.hasExpiry,
			Refreshing:                   a.active.refreshing,
			LastRefreshAttempt:           a.active.lastRefreshAttempt,
			ConsecutiveTransientFailures: a.active.consecutiveTransientFailures,
		}
	}
	return s
}

// StartAuthResult describes the outcome of StartAuth.
type StartAuthResult struct {
	Nonce          string
	Verifier       string
	AlreadyPending bool // true if an existing Pending flow was reused verbatim
}

// Generator produces a fresh state nonce and PKCE verifier.
type Generator func() (nonce, verifier string, err error)

// StartAuth transitions Empty or Active into Pending, or is a no-op over an
// existing Pending: concurrent show/refresh calls during a pending phase
// reuse the live flow rather than minting additional nonces. For a genuinely
// new flow, install is invoked while the account lock is still held, so the
// caller can register the nonce in the pending-auth table before any
// redirect for it can be observed.
func (a *Account) StartAuth(now time.Time, gen Generator, install func(nonce, verifier string)) (StartAuthResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Pending {
		return StartAuthResult{
			Nonce:          a.pending.stateNonce,
			Verifier:       a.pending.verifier,
			AlreadyPending: true,
		}, nil
	}

	nonce, verifier, err := gen()
	if err != nil {
		return StartAuthResult{}, err
	}

	a.state = Pending
	a.pending = &pendingData{stateNonce: nonce, verifier: verifier, startedAt: now, lastNotifiedAt: now}
	a.active = nil
	a.generation++

	if install != nil {
		install(nonce, verifier)
	}

	return StartAuthResult{Nonce: nonce, Verifier: verifier}, nil
}

// RenotifyResult is returned by Renotify when the account is still Pending.
type RenotifyResult struct {
	Nonce    string
	Verifier string
}

// Renotify updates LastNotifiedAt for a still-Pending account so the
// supervisor can re-emit auth_notify_cmd.
func (a *Account) Renotify(now time.Time) (RenotifyResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Pending {
		return RenotifyResult{}, false
	}
	a.pending.lastNotifiedAt = now
	return RenotifyResult{Nonce: a.pending.stateNonce, Verifier: a.pending.verifier}, true
}

// ExchangeResult carries the token-endpoint response used by both the
// initial code exchange and a later refresh.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	HasExpiry    bool
	Expiry       time.Time
}

// CompleteAuthResult reports the deadline the caller should schedule.
type CompleteAuthResult struct {
	Deadline    time.Time
	HasDeadline bool // false only if neither expiry nor refresh_token exist
}

// CompleteAuth transitions Pending→Active on a successful redirect + code
// exchange. Returns false if nonce no longer matches the account's live
// pending nonce (defensive; the pending table should already have rejected
// a stale nonce before this is called).
func (a *Account) CompleteAuth(now time.Time, nonce string, tok ExchangeResult) (CompleteAuthResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Pending || a.pending.stateNonce != nonce {
		return CompleteAuthResult{}, false
	}

	a.state = Active
	a.pending = nil
	a.active = &activeData{
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		obtainedAt:   now,
		expiry:       tok.Expiry,
		hasExpiry:    tok.HasExpiry,
	}
	a.generation++

	return a.scheduleLocked(), true
}

func (a *Account) scheduleLocked() CompleteAuthResult {
	if a.active.refreshToken == "" && !a.active.hasExpiry {
		return CompleteAuthResult{}
	}
	d := computeNextDeadline(a.active.obtainedAt, a.active.expiry, a.active.hasExpiry, a.config.RefreshAtLeast, a.config.RefreshBeforeExpiry)
	return CompleteAuthResult{Deadline: d, HasDeadline: true}
}

// computeNextDeadline picks the earlier of "refresh_before_expiry before the
// token expires" and "refresh_at_least after it was obtained". Without a
// provider-supplied expiry only the refresh_at_least term applies.
func computeNextDeadline(obtainedAt, expiry time.Time, hasExpiry bool, refreshAtLeast, refreshBeforeExpiry time.Duration) time.Time {
	atLeast := obtainedAt.Add(refreshAtLeast)
	if !hasExpiry {
		return atLeast
	}
	beforeExpiry := expiry.Add(-refreshBeforeExpiry)
	if beforeExpiry.Before(atLeast) {
		return beforeExpiry
	}
	return atLeast
}

// RevokeResult reports what the caller must clean up elsewhere (pending
// table entry, timer wheel entries).
type RevokeResult struct {
	PriorState State
	OldNonce   string
}

// Revoke transitions any state back to Empty.
func (a *Account) Revoke(now time.Time) RevokeResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior := a.state
	var oldNonce string
	if a.pending != nil {
		oldNonce = a.pending.stateNonce
	}

	a.state = Empty
	a.pending = nil
	a.active = nil
	a.generation++

	return RevokeResult{PriorState: prior, OldNonce: oldNonce}
}

// BeginRefresh reserves the right to refresh an Active account's token. It
// fails if the account isn't Active, has no refresh_token, or already has a
// refresh in flight: at most one refresh runs per account.
func (a *Account) BeginRefresh(now time.Time) (Ticket, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Active || a.active.refreshToken == "" || a.active.refreshing {
		return Ticket{}, "", false
	}

	a.active.refreshing = true
	a.active.lastRefreshAttempt = now
	a.active.lease = uuid.New()
	a.generation++

	return Ticket{Lease: a.active.lease, Generation: a.generation}, a.active.refreshToken, true
}

// validTicketLocked reports whether ticket still matches this account's
// live refresh attempt: no revoke, reload-removal, or other mutation may
// have happened since BeginRefresh issued it.
func (a *Account) validTicketLocked(t Ticket) bool {
	return a.state == Active && a.active != nil && a.active.refreshing &&
		a.active.lease == t.Lease && a.generation == t.Generation
}

// CommitRefreshSuccess applies a successful refresh-token POST. Returns
// ok=false if the ticket is stale, in which case the result must be
// discarded without mutating the account.
func (a *Account) CommitRefreshSuccess(t Ticket, now time.Time, tok ExchangeResult) (CompleteAuthResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validTicketLocked(t) {
		return CompleteAuthResult{}, false
	}

	a.active.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.active.refreshToken = tok.RefreshToken
	}
	a.active.obtainedAt = now
	a.active.expiry = tok.Expiry
	a.active.hasExpiry = tok.HasExpiry
	a.active.refreshing = false
	a.active.consecutiveTransientFailures = 0
	a.generation++

	return a.scheduleLocked(), true
}

// CommitRefreshTransient records a transient failure and returns the retry
// deadline.
func (a *Account) CommitRefreshTransient(t Ticket, now time.Time, retryAfter time.Duration) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validTicketLocked(t) {
		return time.Time{}, false
	}

	a.active.refreshing = false
	a.active.consecutiveTransientFailures++
	a.generation++

	return now.Add(retryAfter), true
}

// CommitRefreshPermanent discards tokens on a permanent refresh failure,
// reverting the account to Empty.
func (a *Account) CommitRefreshPermanent(t Ticket) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validTicketLocked(t) {
		return false
	}

	a.state = Empty
	a.active = nil
	a.generation++
	return true
}

// RestoreActive installs an Active tokenstate from a dump entry, preserving
// the original obtainedAt so the refresh deadline is recomputed relative to
// when the token was really issued.
func (a *Account) RestoreActive(tok ExchangeResult, obtainedAt time.Time) CompleteAuthResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Active
	a.pending = nil
	a.active = &activeData{
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		obtainedAt:   obtainedAt,
		expiry:       tok.Expiry,
		hasExpiry:    tok.HasExpiry,
	}
	a.generation++

	return a.scheduleLocked()
}

// RestorePending installs a Pending tokenstate from a dump entry. The
// caller is responsible for also registering nonce in the pending-auth
// table; RestorePending only updates the account itself.
func (a *Account) RestorePending(nonce, verifier string, startedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = Pending
	a.active = nil
	a.pending = &pendingData{stateNonce: nonce, verifier: verifier, startedAt: startedAt, lastNotifiedAt: startedAt}
	a.generation++
}

// ConsecutiveTransientFailures reports the current streak of transient
// refresh failures; zero once a refresh succeeds or the account leaves
// Active.
func (a *Account) ConsecutiveTransientFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return 0
	}
	return a.active.consecutiveTransientFailures
}
