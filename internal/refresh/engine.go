// Package refresh implements the refresh engine: a worker pool that
// performs token-endpoint POSTs for scheduled refreshes and retries,
// classifies the result, and reports back to the supervisor for
// rescheduling and notification.
package refresh

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"tokenbroker/internal/broker"
	"tokenbroker/internal/clock"
	"tokenbroker/internal/oauthflow"
)

// transientEscalationTimeout bounds transient_error_if_cmd.
const transientEscalationTimeout = 3 * time.Minute

// requestTimeout bounds one token-endpoint POST.
const requestTimeout = 30 * time.Second

// Outcome is what happened to one refresh attempt.
type Outcome int

const (
	Succeeded Outcome = iota
	RetriedTransient
	InvalidatedPermanent
	Discarded // no refresh could be reserved (account gone, not refreshable, or already refreshing), or the ticket went stale because a revoke or reload raced the refresh
)

// Result is what a worker reports back to the supervisor once a refresh
// attempt has committed (or been discarded).
type Result struct {
	Account      string
	Outcome      Outcome
	Deadline     time.Time
	DeadlineKind clock.Kind
	HasDeadline  bool
	TokenEvent   string // token_refreshed | token_invalidated | ""
	ErrorMessage string // populated for InvalidatedPermanent
}

// Engine runs refresh/retry attempts for accounts concurrently, with
// singleflight collapsing concurrent triggers for the same account into one
// in-flight POST, so at most one refresh runs per account at a time.
type Engine struct {
	table   *broker.Table
	http    *http.Client
	clk     clockwork.Clock
	results chan Result

	transientErrorIfCmd string
	shell               string

	sf  singleflight.Group
	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a refresh engine bounded to concurrency simultaneous workers.
func New(table *broker.Table, httpClient *http.Client, clk clockwork.Clock, transientErrorIfCmd, shell string, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		table:               table,
		http:                httpClient,
		clk:                 clk,
		results:             make(chan Result, concurrency*2),
		transientErrorIfCmd: transientErrorIfCmd,
		shell:               shell,
		sem:                 make(chan struct{}, concurrency),
	}
}

// Results is the channel the supervisor polls for completions.
func (e *Engine) Results() <-chan Result { return e.results }

// Trigger schedules a refresh attempt for account. Safe to call
// concurrently and repeatedly; singleflight ensures only one HTTP exchange
// happens per account at a time, and every caller's goroutine still
// receives (a copy of) the same Result.
func (e *Engine) Trigger(ctx context.Context, account string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()

		v, _, _ := e.sf.Do(account, func() (any, error) {
			return e.attempt(ctx, account), nil
		})

		select {
		case e.results <- v.(Result):
		case <-ctx.Done():
		}
	}()
}

// Wait blocks until every dispatched Trigger has completed, used during
// graceful shutdown.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) attempt(ctx context.Context, account string) Result {
	acc, ok := e.table.Get(account)
	if !ok {
		return Result{Account: account, Outcome: Discarded}
	}

	ticket, refreshToken, ok := acc.BeginRefresh(e.clk.Now())
	if !ok {
		return Result{Account: account, Outcome: Discarded}
	}

	cfg := acc.ConfigSnapshot()
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	tok, outcome, err := oauthflow.Refresh(reqCtx, e.http, cfg, refreshToken)
	cancel()

	switch outcome {
	case oauthflow.Success:
		res, ok := acc.CommitRefreshSuccess(ticket, e.clk.Now(), tok)
		if !ok {
			return Result{Account: account, Outcome: Discarded}
		}
		r := Result{Account: account, Outcome: Succeeded, TokenEvent: "token_refreshed"}
		if res.HasDeadline {
			r.Deadline, r.DeadlineKind, r.HasDeadline = res.Deadline, clock.RefreshDue, true
		}
		return r

	case oauthflow.Permanent:
		return e.commitPermanent(acc, ticket, account, err)

	default: // oauthflow.Transient
		if e.shouldEscalate(ctx, account, err) {
			return e.commitPermanent(acc, ticket, account, fmt.Errorf("transient_error_if_cmd escalated: %w", err))
		}
		retryAt, ok := acc.CommitRefreshTransient(ticket, e.clk.Now(), cfg.RefreshRetry)
		if !ok {
			return Result{Account: account, Outcome: Discarded}
		}
		return Result{Account: account, Outcome: RetriedTransient, Deadline: retryAt, DeadlineKind: clock.RetryDue, HasDeadline: true}
	}
}

func (e *Engine) commitPermanent(acc *broker.Account, ticket broker.Ticket, account string, cause error) Result {
	if !acc.CommitRefreshPermanent(ticket) {
		return Result{Account: account, Outcome: Discarded}
	}
	msg := "token refresh failed permanently"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return Result{Account: account, Outcome: InvalidatedPermanent, TokenEvent: "token_invalidated", ErrorMessage: msg}
}

// shouldEscalate consults transient_error_if_cmd, when configured, to
// decide whether a transient failure should instead be treated as
// permanent. An unconfigured command never escalates; a non-zero exit or
// timeout does.
func (e *Engine) shouldEscalate(ctx context.Context, account string, cause error) bool {
	if e.transientErrorIfCmd == "" {
		return false
	}

	cmdCtx, cancel := context.WithTimeout(ctx, transientEscalationTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, e.shell, "-c", e.transientErrorIfCmd)
	cmd.Env = append(cmd.Env, "TOKENBROKER_ACCOUNT="+account)
	if cause != nil {
		cmd.Env = append(cmd.Env, "TOKENBROKER_MSG="+cause.Error())
	}

	err := cmd.Run()
	if cmdCtx.Err() != nil {
		return true
	}
	return err != nil
}
