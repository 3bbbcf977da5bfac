// Package dump implements the dump/restore codec: it serialises the token
// portion of the account table to a byte stream and merges a restored
// stream back into the running account table subject to a per-account
// compatibility check.
//
// The wire format carries a leading version pair so `restore` can reject a
// stream from an incompatible major release outright instead of
// best-effort parsing it. The format is stable within a major release and
// free to change across majors.
package dump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokenbroker/internal/broker"
	"tokenbroker/internal/pending"
)

// FormatMajor/FormatMinor identify the current wire format. Restore only
// ever rejects on a FormatMajor mismatch; a minor bump must stay
// backward-readable within the major line.
const (
	FormatMajor byte = 1
	FormatMinor byte = 0
)

var magic = [4]byte{'T', 'K', 'B', 'D'}

// ErrIncompatibleFormat is returned by Decode when the stream's major
// version does not match FormatMajor.
var ErrIncompatibleFormat = errors.New("dump: incompatible major format version")

// Entry is one account's serialised tokenstate.
type Entry struct {
	Account     string    `json:"account"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"` // "empty" | "pending" | "active"

	// Pending fields.
	StateNonce string    `json:"state_nonce,omitempty"`
	Verifier   string    `json:"verifier,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`

	// Active fields.
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ObtainedAt   time.Time `json:"obtained_at,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	HasExpiry    bool      `json:"has_expiry,omitempty"`
}

// Encode serialises every account's current tokenstate, keyed by account
// name: tokens, wall-clock timestamps, and the config fingerprint. The
// stream is deliberately not encrypted; that is the caller's job.
func Encode(table *broker.Table) []byte {
	var entries []Entry
	for _, name := range table.Names() {
		acc, ok := table.Get(name)
		if !ok {
			continue
		}
		s := acc.Snapshot()
		e := Entry{Account: s.Name, Fingerprint: s.Config.Fingerprint(), State: s.State.String()}
		switch s.State {
		case broker.Pending:
			e.StateNonce = s.Pending.StateNonce
			e.Verifier = s.Pending.Verifier
			e.StartedAt = s.Pending.StartedAt
		case broker.Active:
			e.AccessToken = s.Active.AccessToken
			e.RefreshToken = s.Active.RefreshToken
			e.ObtainedAt = s.Active.ObtainedAt
			e.Expiry = s.Active.Expiry
			e.HasExpiry = s.Active.HasExpiry
		}
		entries = append(entries, e)
	}

	body, _ := json.Marshal(entries)

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(FormatMajor)
	buf.WriteByte(FormatMinor)
	buf.Write(body)
	return buf.Bytes()
}

// Decode validates the header and parses the entry list.
func Decode(data []byte) ([]Entry, error) {
	if len(data) < 6 || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("dump: not a recognised dump stream")
	}
	major := data[4]
	if major != FormatMajor {
		return nil, fmt.Errorf("%w: stream is v%d, daemon supports v%d", ErrIncompatibleFormat, major, FormatMajor)
	}

	var entries []Entry
	if err := json.Unmarshal(data[6:], &entries); err != nil {
		return nil, fmt.Errorf("dump: parse entries: %w", err)
	}
	return entries, nil
}

// rank orders tokenstate usefulness: Empty < Pending <
// Active-without-refresh-token < Active-with-refresh-token.
func rank(state string, hasRefreshToken bool) int {
	switch state {
	case "pending":
		return 1
	case "active":
		if hasRefreshToken {
			return 3
		}
		return 2
	default:
		return 0
	}
}

// RestoreResult reports one merged entry's refresh deadline so the caller
// can schedule it; deadlines that fell in the past have been clamped to
// now by applyEntry's timestamp handling, making the refresh immediate.
type RestoreResult struct {
	Account     string
	Deadline    time.Time
	HasDeadline bool
}

// Restore merges entries into table, skipping any entry whose account no
// longer exists, whose fingerprint no longer matches the live config, or
// whose state is no more useful than what's already running. It never
// changes configuration.
func Restore(table *broker.Table, pendingTable *pending.Table, entries []Entry, now func() time.Time) []RestoreResult {
	var results []RestoreResult
	for _, e := range entries {
		acc, ok := table.Get(e.Account)
		if !ok {
			continue
		}

		cfg := acc.ConfigSnapshot()
		if cfg.Fingerprint() != e.Fingerprint {
			continue
		}

		if !shouldMerge(acc, e) {
			continue
		}

		if r, ok := applyEntry(acc, pendingTable, e, now()); ok {
			results = append(results, r)
		}
	}
	return results
}

func shouldMerge(acc *broker.Account, e Entry) bool {
	s := acc.Snapshot()
	runningHasRefresh := s.State == broker.Active && s.Active.RefreshToken != ""
	runningRank := rank(s.State.String(), runningHasRefresh)
	dumpedRank := rank(e.State, e.RefreshToken != "")

	if dumpedRank > runningRank {
		return true
	}
	if dumpedRank < runningRank {
		return false
	}

	// Equal rank: prefer the dumped entry only if the running one is
	// strictly older.
	switch e.State {
	case "active":
		if s.Active == nil {
			return true
		}
		return s.Active.ObtainedAt.Before(e.ObtainedAt)
	case "pending":
		if s.Pending == nil {
			return true
		}
		return s.Pending.StartedAt.Before(e.StartedAt)
	default:
		return false
	}
}

func applyEntry(acc *broker.Account, pendingTable *pending.Table, e Entry, now time.Time) (RestoreResult, bool) {
	switch e.State {
	case "pending":
		acc.RestorePending(e.StateNonce, e.Verifier, clampPast(e.StartedAt, now))
		pendingTable.Put(e.StateNonce, &pending.Entry{Account: e.Account, Verifier: e.Verifier, CreatedAt: e.StartedAt}, "")
		return RestoreResult{}, false
	case "active":
		tok := broker.ExchangeResult{
			AccessToken:  e.AccessToken,
			RefreshToken: e.RefreshToken,
			HasExpiry:    e.HasExpiry,
			Expiry:       e.Expiry,
		}
		res := acc.RestoreActive(tok, clampPast(e.ObtainedAt, now))
		if !res.HasDeadline {
			return RestoreResult{}, false
		}
		return RestoreResult{Account: e.Account, Deadline: clampFuture(res.Deadline, now), HasDeadline: true}, true
	default:
		acc.Revoke(now)
		return RestoreResult{}, false
	}
}

// clampPast keeps a restored timestamp from the dumped wall clock pinned
// to something the monotonic scheduler can still use sensibly: never in
// the future relative to now.
func clampPast(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}

// clampFuture pins a past-due restored refresh deadline to now, making the
// refresh immediate rather than never.
func clampFuture(t, now time.Time) time.Time {
	if t.Before(now) {
		return now
	}
	return t
}
