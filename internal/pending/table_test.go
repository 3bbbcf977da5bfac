package pending_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/pending"
)

func TestConsumeIsSingleUse(t *testing.T) {
	tbl := pending.New()
	tbl.Put("nonce1", &pending.Entry{Account: "acme", Verifier: "v1", CreatedAt: time.Now()}, "")

	e, err := tbl.Consume("nonce1")
	require.NoError(t, err)
	assert.Equal(t, "acme", e.Account)
	assert.Equal(t, "v1", e.Verifier)

	_, err = tbl.Consume("nonce1")
	assert.ErrorIs(t, err, pending.ErrUnknown, "a consumed nonce is gone, not revoked")
}

func TestConsumeUnknownNonce(t *testing.T) {
	tbl := pending.New()
	_, err := tbl.Consume("never-issued")
	assert.ErrorIs(t, err, pending.ErrUnknown)
}

func TestPutSupersedesOldNonce(t *testing.T) {
	tbl := pending.New()
	tbl.Put("old", &pending.Entry{Account: "acme"}, "")
	tbl.Put("new", &pending.Entry{Account: "acme"}, "old")

	_, err := tbl.Consume("old")
	assert.ErrorIs(t, err, pending.ErrRevoked, "a superseded nonce is remembered as revoked")

	e, err := tbl.Consume("new")
	require.NoError(t, err)
	assert.Equal(t, "acme", e.Account)
}

func TestRevokeSingleNonce(t *testing.T) {
	tbl := pending.New()
	tbl.Put("n1", &pending.Entry{Account: "acme"}, "")

	tbl.Revoke("n1")
	_, err := tbl.Consume("n1")
	assert.ErrorIs(t, err, pending.ErrRevoked)

	// Revoking an empty or unknown nonce is a no-op.
	tbl.Revoke("")
	tbl.Revoke("unknown")
	_, err = tbl.Consume("unknown")
	assert.ErrorIs(t, err, pending.ErrUnknown)
}

func TestRevokeAccountDropsOnlyThatAccount(t *testing.T) {
	tbl := pending.New()
	tbl.Put("n1", &pending.Entry{Account: "acme"}, "")
	tbl.Put("n2", &pending.Entry{Account: "other"}, "")

	tbl.RevokeAccount("acme")

	_, err := tbl.Consume("n1")
	assert.ErrorIs(t, err, pending.ErrRevoked)

	e, err := tbl.Consume("n2")
	require.NoError(t, err)
	assert.Equal(t, "other", e.Account)
}

func TestRevokedSetIsBounded(t *testing.T) {
	tbl := pending.New()

	// Push far more superseded nonces through than the revoked LRU holds;
	// the oldest fall back to ErrUnknown, which is still a rejection.
	for i := 0; i < 1000; i++ {
		nonce := fmt.Sprintf("n%d", i)
		tbl.Put(nonce, &pending.Entry{Account: "acme"}, "")
		tbl.Revoke(nonce)
	}

	_, err := tbl.Consume("n0")
	assert.ErrorIs(t, err, pending.ErrUnknown)

	_, err = tbl.Consume("n999")
	assert.ErrorIs(t, err, pending.ErrRevoked)
}
