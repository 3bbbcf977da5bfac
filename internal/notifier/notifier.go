// Package notifier serialises the daemon's outbound shell-outs: auth URLs,
// errors, and token lifecycle events. Delivery goes through a small
// Frontend interface so tests (and any run with a *_cmd left unconfigured)
// can use a no-op implementation without touching a shell.
package notifier

import (
	"context"
	"log"
	"os/exec"
	"time"
)

// tokenEventTimeout bounds each queued shell-out.
const tokenEventTimeout = 10 * time.Second

// Frontend delivers one shell-out. Implementations must not block the
// caller beyond the given context's deadline.
type Frontend interface {
	Run(ctx context.Context, cmdline string, env []string) error
}

// ShellFrontend runs cmdline under the user's login shell with -c.
type ShellFrontend struct {
	Shell string
}

func (f ShellFrontend) Run(ctx context.Context, cmdline string, env []string) error {
	shell := f.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", cmdline)
	cmd.Env = append(cmd.Env, env...)
	return cmd.Run()
}

// NullFrontend discards every notification; used when a *_cmd is
// unconfigured or in tests.
type NullFrontend struct{}

func (NullFrontend) Run(context.Context, string, []string) error { return nil }

// Notifier queues and serialises outbound notifications so that at most
// one shell-out runs at a time. A single worker goroutine draining a
// buffered channel gives that without a dedicated lock.
type Notifier struct {
	frontend Frontend
	jobs     chan job
	done     chan struct{}
}

type job struct {
	cmdline string
	env     []string
	timeout time.Duration
}

// New starts a Notifier backed by frontend. Callers must call Close on
// shutdown to drain the queue and stop the worker.
func New(frontend Frontend) *Notifier {
	n := &Notifier{
		frontend: frontend,
		jobs:     make(chan job, 64),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.done)
	for j := range n.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		if err := n.frontend.Run(ctx, j.cmdline, j.env); err != nil {
			log.Printf("notifier: command failed: %v", err)
		}
		cancel()
	}
}

// Close stops accepting new notifications and waits for the queue to
// drain.
func (n *Notifier) Close() {
	close(n.jobs)
	<-n.done
}

func (n *Notifier) enqueue(cmdline string, env []string, timeout time.Duration) {
	if cmdline == "" {
		return
	}
	select {
	case n.jobs <- job{cmdline: cmdline, env: env, timeout: timeout}:
	default:
		log.Printf("notifier: queue full, dropping notification")
	}
}

// AuthNotify emits auth_notify_cmd with the authorisation URL for account.
func (n *Notifier) AuthNotify(cmdline, account, url string) {
	n.enqueue(cmdline, []string{"TOKENBROKER_ACCOUNT=" + account, "TOKENBROKER_URL=" + url}, tokenEventTimeout)
}

// ErrorNotify emits error_notify_cmd with a human-readable message.
func (n *Notifier) ErrorNotify(cmdline, account, msg string) {
	n.enqueue(cmdline, []string{"TOKENBROKER_ACCOUNT=" + account, "TOKENBROKER_MSG=" + msg}, tokenEventTimeout)
}

// TokenEvent emits token_event_cmd with one of
// token_new|token_refreshed|token_invalidated|token_revoked.
func (n *Notifier) TokenEvent(cmdline, account, event string) {
	n.enqueue(cmdline, []string{"TOKENBROKER_ACCOUNT=" + account, "TOKENBROKER_EVENT=" + event}, tokenEventTimeout)
}

// Startup emits startup_cmd once the daemon is serving.
func (n *Notifier) Startup(cmdline string) {
	n.enqueue(cmdline, nil, tokenEventTimeout)
}
