package broker_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/accountcfg"
	"tokenbroker/internal/broker"
)

func testConfig(name string) accountcfg.AccountConfig {
	return accountcfg.AccountConfig{
		Name:                name,
		AuthURI:             "http://mock/auth",
		TokenURI:            "http://mock/token",
		ClientID:            "cid",
		RedirectURI:         "http://localhost/",
		RefreshAtLeast:      90 * time.Minute,
		RefreshBeforeExpiry: 90 * time.Second,
		RefreshRetry:        40 * time.Second,
	}
}

func fixedGen(nonce, verifier string) broker.Generator {
	return func() (string, string, error) {
		return nonce, verifier, nil
	}
}

func mustActivate(t *testing.T, acc *broker.Account, now time.Time, tok broker.ExchangeResult) broker.CompleteAuthResult {
	t.Helper()
	_, err := acc.StartAuth(now, fixedGen("n1", "v1"), nil)
	require.NoError(t, err)
	res, ok := acc.CompleteAuth(now, "n1", tok)
	require.True(t, ok)
	return res
}

func TestStartAuthTransitionsEmptyToPending(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()

	var installedNonce, installedVerifier string
	res, err := acc.StartAuth(now, fixedGen("nonce1", "verifier1"), func(n, v string) {
		installedNonce, installedVerifier = n, v
	})
	require.NoError(t, err)

	assert.Equal(t, "nonce1", res.Nonce)
	assert.Equal(t, "verifier1", res.Verifier)
	assert.False(t, res.AlreadyPending)
	assert.Equal(t, "nonce1", installedNonce)
	assert.Equal(t, "verifier1", installedVerifier)

	snap := acc.Snapshot()
	assert.Equal(t, broker.Pending, snap.State)
	assert.Equal(t, "nonce1", snap.Pending.StateNonce)
	assert.Equal(t, now, snap.Pending.StartedAt)
}

func TestStartAuthReusesExistingPendingFlow(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()

	first, err := acc.StartAuth(now, fixedGen("n1", "v1"), nil)
	require.NoError(t, err)

	// Concurrent show/refresh calls during a pending phase must observe
	// the same nonce and must not re-run the generator or the installer.
	var wg sync.WaitGroup
	results := make([]broker.StartAuthResult, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := acc.StartAuth(time.Now(), func() (string, string, error) {
				t.Error("generator must not run for an already-pending account")
				return "", "", nil
			}, func(string, string) {
				t.Error("installer must not run for an already-pending account")
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.True(t, res.AlreadyPending)
		assert.Equal(t, first.Nonce, res.Nonce)
		assert.Equal(t, first.Verifier, res.Verifier)
	}
}

func TestStartAuthGeneratorError(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	boom := errors.New("entropy exhausted")

	_, err := acc.StartAuth(time.Now(), func() (string, string, error) {
		return "", "", boom
	}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, broker.Empty, acc.Snapshot().State)
}

func TestCompleteAuthTransitionsPendingToActive(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	expiry := now.Add(time.Hour)

	res := mustActivate(t, acc, now, broker.ExchangeResult{
		AccessToken:  "A1",
		RefreshToken: "R1",
		HasExpiry:    true,
		Expiry:       expiry,
	})

	require.True(t, res.HasDeadline)
	assert.Equal(t, expiry.Add(-90*time.Second), res.Deadline, "expiry minus refresh_before_expiry wins over refresh_at_least")

	snap := acc.Snapshot()
	assert.Equal(t, broker.Active, snap.State)
	assert.Nil(t, snap.Pending)
	assert.Equal(t, "A1", snap.Active.AccessToken)
	assert.Equal(t, "R1", snap.Active.RefreshToken)
	assert.True(t, snap.Active.Expiry.After(snap.Active.ObtainedAt))
}

func TestCompleteAuthRejectsStaleNonce(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()

	_, err := acc.StartAuth(now, fixedGen("live", "v"), nil)
	require.NoError(t, err)

	_, ok := acc.CompleteAuth(now, "stale", broker.ExchangeResult{AccessToken: "A1"})
	assert.False(t, ok)
	assert.Equal(t, broker.Pending, acc.Snapshot().State)
}

func TestDeadlineUsesRefreshAtLeastForDistantExpiry(t *testing.T) {
	cfg := testConfig("acme")
	cfg.RefreshAtLeast = 10 * time.Minute
	acc := broker.New(cfg)
	now := time.Now()

	res := mustActivate(t, acc, now, broker.ExchangeResult{
		AccessToken:  "A1",
		RefreshToken: "R1",
		HasExpiry:    true,
		Expiry:       now.Add(24 * time.Hour),
	})
	require.True(t, res.HasDeadline)
	assert.Equal(t, now.Add(10*time.Minute), res.Deadline)
}

func TestDeadlineWithoutExpiryUsesRefreshAtLeast(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()

	res := mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})
	require.True(t, res.HasDeadline)
	assert.Equal(t, now.Add(90*time.Minute), res.Deadline)
}

func TestNoDeadlineWithoutExpiryOrRefreshToken(t *testing.T) {
	acc := broker.New(testConfig("acme"))

	res := mustActivate(t, acc, time.Now(), broker.ExchangeResult{AccessToken: "A1"})
	assert.False(t, res.HasDeadline)
}

func TestRevokeFromEachState(t *testing.T) {
	now := time.Now()

	empty := broker.New(testConfig("a"))
	res := empty.Revoke(now)
	assert.Equal(t, broker.Empty, res.PriorState)
	assert.Empty(t, res.OldNonce)

	pending := broker.New(testConfig("b"))
	_, err := pending.StartAuth(now, fixedGen("n1", "v1"), nil)
	require.NoError(t, err)
	res = pending.Revoke(now)
	assert.Equal(t, broker.Pending, res.PriorState)
	assert.Equal(t, "n1", res.OldNonce)
	assert.Equal(t, broker.Empty, pending.Snapshot().State)

	active := broker.New(testConfig("c"))
	mustActivate(t, active, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})
	res = active.Revoke(now)
	assert.Equal(t, broker.Active, res.PriorState)
	assert.Equal(t, broker.Empty, active.Snapshot().State)
}

func TestBeginRefreshReservesExactlyOnce(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	ticket, refreshToken, ok := acc.BeginRefresh(now)
	require.True(t, ok)
	assert.Equal(t, "R1", refreshToken)
	assert.True(t, acc.Snapshot().Active.Refreshing)

	_, _, ok = acc.BeginRefresh(now)
	assert.False(t, ok, "a second reservation while one is in flight must fail")

	_, ok = acc.CommitRefreshSuccess(ticket, now, broker.ExchangeResult{AccessToken: "A2", RefreshToken: "R2"})
	require.True(t, ok)

	_, _, ok = acc.BeginRefresh(now)
	assert.True(t, ok, "reservation must be possible again after commit")
}

func TestBeginRefreshRequiresActiveWithRefreshToken(t *testing.T) {
	now := time.Now()

	empty := broker.New(testConfig("a"))
	_, _, ok := empty.BeginRefresh(now)
	assert.False(t, ok)

	noRefresh := broker.New(testConfig("b"))
	mustActivate(t, noRefresh, now, broker.ExchangeResult{AccessToken: "A1"})
	_, _, ok = noRefresh.BeginRefresh(now)
	assert.False(t, ok)
}

func TestCommitRefreshSuccessReplacesTokens(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	ticket, _, ok := acc.BeginRefresh(now)
	require.True(t, ok)

	later := now.Add(time.Minute)
	res, ok := acc.CommitRefreshSuccess(ticket, later, broker.ExchangeResult{
		AccessToken: "A2",
		HasExpiry:   true,
		Expiry:      later.Add(time.Hour),
	})
	require.True(t, ok)
	assert.True(t, res.HasDeadline)

	snap := acc.Snapshot()
	assert.Equal(t, "A2", snap.Active.AccessToken)
	assert.Equal(t, "R1", snap.Active.RefreshToken, "absent refresh_token in the response keeps the stored one")
	assert.False(t, snap.Active.Refreshing)
	assert.Zero(t, snap.Active.ConsecutiveTransientFailures)
}

func TestRevokeDuringRefreshDiscardsResult(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	ticket, _, ok := acc.BeginRefresh(now)
	require.True(t, ok)

	acc.Revoke(now)

	_, ok = acc.CommitRefreshSuccess(ticket, now, broker.ExchangeResult{AccessToken: "A2"})
	assert.False(t, ok, "a revoke during an in-flight refresh discards the worker's result")
	assert.Equal(t, broker.Empty, acc.Snapshot().State)

	_, ok = acc.CommitRefreshTransient(ticket, now, time.Second)
	assert.False(t, ok)
	assert.False(t, acc.CommitRefreshPermanent(ticket))
}

func TestNewAuthDuringRefreshDiscardsResult(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	ticket, _, ok := acc.BeginRefresh(now)
	require.True(t, ok)

	// A client refresh that restarts the auth flow supersedes the ticket.
	acc.Revoke(now)
	_, err := acc.StartAuth(now, fixedGen("n2", "v2"), nil)
	require.NoError(t, err)

	_, ok = acc.CommitRefreshSuccess(ticket, now, broker.ExchangeResult{AccessToken: "A2"})
	assert.False(t, ok)
	assert.Equal(t, broker.Pending, acc.Snapshot().State)
}

func TestCommitRefreshTransientCountsFailures(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	for i := 1; i <= 3; i++ {
		ticket, _, ok := acc.BeginRefresh(now)
		require.True(t, ok)
		retryAt, ok := acc.CommitRefreshTransient(ticket, now, 40*time.Second)
		require.True(t, ok)
		assert.Equal(t, now.Add(40*time.Second), retryAt)
		assert.Equal(t, i, acc.ConsecutiveTransientFailures())
	}

	assert.Equal(t, "A1", acc.Snapshot().Active.AccessToken, "transient failures keep the current token")
}

func TestCommitRefreshPermanentEmptiesAccount(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	now := time.Now()
	mustActivate(t, acc, now, broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	ticket, _, ok := acc.BeginRefresh(now)
	require.True(t, ok)
	require.True(t, acc.CommitRefreshPermanent(ticket))

	snap := acc.Snapshot()
	assert.Equal(t, broker.Empty, snap.State)
	assert.Nil(t, snap.Active)
}

func TestRestoreActivePreservesObtainedAt(t *testing.T) {
	acc := broker.New(testConfig("acme"))
	obtained := time.Now().Add(-time.Hour)

	res := acc.RestoreActive(broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"}, obtained)
	require.True(t, res.HasDeadline)
	assert.Equal(t, obtained.Add(90*time.Minute), res.Deadline)
	assert.Equal(t, obtained, acc.Snapshot().Active.ObtainedAt)
}

func TestTableReload(t *testing.T) {
	mkCfg := func(names ...string) *accountcfg.Config {
		cfg := &accountcfg.Config{Accounts: make(map[string]accountcfg.AccountConfig)}
		for _, n := range names {
			cfg.Accounts[n] = testConfig(n)
		}
		return cfg
	}

	table := broker.NewTable(mkCfg("keep", "drop"))
	keep, ok := table.Get("keep")
	require.True(t, ok)
	mustActivate(t, keep, time.Now(), broker.ExchangeResult{AccessToken: "A1", RefreshToken: "R1"})

	res := table.Reload(mkCfg("keep", "fresh"))
	assert.ElementsMatch(t, []string{"keep"}, res.Kept)
	assert.ElementsMatch(t, []string{"fresh"}, res.Added)
	assert.ElementsMatch(t, []string{"drop"}, res.Removed)

	_, ok = table.Get("drop")
	assert.False(t, ok)

	kept, ok := table.Get("keep")
	require.True(t, ok)
	assert.Equal(t, broker.Active, kept.Snapshot().State, "surviving accounts keep their runtime state")

	fresh, ok := table.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, broker.Empty, fresh.Snapshot().State)
}

func TestTableNamesAndRange(t *testing.T) {
	cfg := &accountcfg.Config{Accounts: map[string]accountcfg.AccountConfig{}}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("acct%d", i)
		cfg.Accounts[name] = testConfig(name)
	}
	table := broker.NewTable(cfg)

	assert.ElementsMatch(t, []string{"acct0", "acct1", "acct2"}, table.Names())

	var seen []string
	table.Range(func(a *broker.Account) { seen = append(seen, a.Name()) })
	assert.ElementsMatch(t, table.Names(), seen)
}
