// Package supervisor is the single event loop that owns the timer wheel
// and dispatches wakeups to the refresh engine and notifier. It is the
// only place account-table mutations are turned into wheel scheduling and
// shell-out notifications, so those two concerns stay centralised no
// matter which actor triggered the mutation.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"tokenbroker/internal/accountcfg"
	"tokenbroker/internal/broker"
	"tokenbroker/internal/clock"
	"tokenbroker/internal/control"
	"tokenbroker/internal/dump"
	"tokenbroker/internal/notifier"
	"tokenbroker/internal/oauthflow"
	"tokenbroker/internal/pending"
	"tokenbroker/internal/pkce"
	"tokenbroker/internal/redirect"
	"tokenbroker/internal/refresh"
)

// Version is the daemon's protocol/release version, reported by `info`.
const Version = "1.0.0"

// ErrNotAuthorised is returned by Show when the account has no valid
// access token; an authorisation flow has been (re)started as a side
// effect, so Show itself never blocks on the provider.
var ErrNotAuthorised = errors.New("Token unavailable until authorised")

// Supervisor wires every component together and implements control.Core.
type Supervisor struct {
	configMu   sync.Mutex
	cfg        *accountcfg.Config
	configPath string

	table        *broker.Table
	pendingTable *pending.Table
	wheel        *clock.Wheel
	httpClient   *http.Client
	refreshEng   *refresh.Engine
	redirectSrv  *redirect.Server
	notify       *notifier.Notifier
	shell        string

	startedAt time.Time
	cacheDir  string

	cancel context.CancelFunc
}

// New constructs a Supervisor and binds the redirect listeners described
// by cfg. It does not yet accept control-socket connections; call Run.
func New(cfg *accountcfg.Config, configPath, cacheDir string, clk clockwork.Clock) (*Supervisor, error) {
	table := broker.NewTable(cfg)
	pendingTable := pending.New()
	wheel := clock.NewWheel(clk)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	shell := loginShell()

	redirectSrv := redirect.New(table, pendingTable, httpClient, clk)
	if cfg.Global.HTTPListen.Enabled {
		if _, err := redirectSrv.ListenHTTP(cfg.Global.HTTPListen.Addr); err != nil {
			return nil, err
		}
	}
	if cfg.Global.HTTPSListen.Enabled {
		if _, err := redirectSrv.ListenHTTPS(cfg.Global.HTTPSListen.Addr); err != nil {
			return nil, err
		}
	}

	refreshEng := refresh.New(table, httpClient, clk, cfg.Global.TransientErrorIfCmd, shell, 4)
	notify := notifier.New(notifier.ShellFrontend{Shell: shell})

	return &Supervisor{
		cfg:          cfg,
		configPath:   configPath,
		table:        table,
		pendingTable: pendingTable,
		wheel:        wheel,
		httpClient:   httpClient,
		refreshEng:   refreshEng,
		redirectSrv:  redirectSrv,
		notify:       notify,
		shell:        shell,
		startedAt:    wheel.Now(),
		cacheDir:     cacheDir,
	}, nil
}

func loginShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// Run is the supervisor's event loop: it runs the redirect and control
// servers and drains the refresh engine's and redirect server's completion
// channels until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, socketPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	ctrl, err := control.New(socketPath, s)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(1)
	go func() { defer wg.Done(); errs <- s.redirectSrv.Serve(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); errs <- ctrl.Serve(ctx) }()

	if cmd := s.cfgSnapshot().Global.StartupCmd; cmd != "" {
		s.notify.Startup(cmd)
	}

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.refreshEng.Wait()
			s.notify.Close()
			wg.Wait()
			return nil

		case res := <-s.refreshEng.Results():
			s.applyRefreshResult(res)

		case ev := <-s.redirectSrv.Events():
			s.applyRedirectEvent(ev)

		case err := <-errs:
			if err != nil {
				log.Printf("supervisor: component stopped: %v", err)
			}

		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.sleepDuration())
		}
	}
}

// sleepDuration bounds how long the loop can wait before the next Due()
// poll must happen; short enough that renotify/refresh wakeups stay timely
// without busy-looping.
func (s *Supervisor) sleepDuration() time.Duration {
	if d, ok := s.wheel.NextDeadline(); ok {
		until := d.Sub(s.wheel.Now())
		if until < time.Second {
			if until < 0 {
				return time.Millisecond
			}
			return until
		}
	}
	return time.Second
}

func (s *Supervisor) tick(ctx context.Context) {
	for _, fired := range s.wheel.Due() {
		s.dispatchFired(ctx, fired)
	}
}

func (s *Supervisor) dispatchFired(ctx context.Context, fired clock.Fired) {
	switch fired.Kind {
	case clock.RefreshDue, clock.RetryDue:
		s.refreshEng.Trigger(ctx, fired.Account)

	case clock.RenotifyDue:
		acc, ok := s.table.Get(fired.Account)
		if !ok {
			return
		}
		res, ok := acc.Renotify(s.wheel.Now())
		if !ok {
			return
		}
		authURL := s.authURL(acc.ConfigSnapshot(), res.Nonce, res.Verifier)
		g := s.cfgSnapshot().Global
		s.notify.AuthNotify(g.AuthNotifyCmd, fired.Account, authURL)
		s.wheel.Schedule(fired.Account, clock.RenotifyDue, s.wheel.Now().Add(g.AuthNotifyInterval))
	}
}

func (s *Supervisor) applyRefreshResult(res refresh.Result) {
	g := s.cfgSnapshot().Global
	switch res.Outcome {
	case refresh.Succeeded:
		if res.HasDeadline {
			s.wheel.Schedule(res.Account, res.DeadlineKind, res.Deadline)
		}
		s.notify.TokenEvent(g.TokenEventCmd, res.Account, res.TokenEvent)

	case refresh.RetriedTransient:
		if res.HasDeadline {
			s.wheel.Schedule(res.Account, res.DeadlineKind, res.Deadline)
		}

	case refresh.InvalidatedPermanent:
		s.wheel.CancelAccount(res.Account)
		s.notify.TokenEvent(g.TokenEventCmd, res.Account, res.TokenEvent)
		s.notify.ErrorNotify(g.ErrorNotifyCmd, res.Account, res.ErrorMessage)

	case refresh.Discarded:
		// No refresh was reserved, or a revoke or reload raced it;
		// nothing to apply.
	}
}

func (s *Supervisor) applyRedirectEvent(ev redirect.Event) {
	g := s.cfgSnapshot().Global
	s.wheel.CancelAccount(ev.Account) // drop any outstanding RenotifyDue

	switch ev.Outcome {
	case redirect.Activated:
		if ev.HasDeadline {
			s.wheel.Schedule(ev.Account, ev.DeadlineKind, ev.Deadline)
		}
		s.notify.TokenEvent(g.TokenEventCmd, ev.Account, "token_new")

	case redirect.ProviderError, redirect.ExchangeFailed:
		s.notify.ErrorNotify(g.ErrorNotifyCmd, ev.Account, ev.ErrorMessage)

	case redirect.Rejected:
		// No state change; nothing to notify.
	}
}

func (s *Supervisor) cfgSnapshot() *accountcfg.Config {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	return s.cfg
}

// --- control.Core ---

// ensureAuthFlow starts (or reuses) a pending authorisation flow for acc.
// The pending-table entry for a fresh nonce is installed while the account
// lock is held, so a redirect can never observe a nonce before the account
// is Pending.
func (s *Supervisor) ensureAuthFlow(acc *broker.Account) (nonce, authURL string, alreadyPending bool, err error) {
	now := s.wheel.Now()
	cfg := acc.ConfigSnapshot()
	redirectURI := s.effectiveRedirectURI(cfg)

	res, err := acc.StartAuth(now, s.generateChallenge, func(nonce, verifier string) {
		s.pendingTable.Put(nonce, &pending.Entry{
			Account:     acc.Name(),
			Verifier:    verifier,
			RedirectURI: redirectURI,
			CreatedAt:   now,
		}, "")
	})
	if err != nil {
		return "", "", false, err
	}

	authURL = s.authURL(cfg, res.Nonce, res.Verifier)

	if !res.AlreadyPending {
		g := s.cfgSnapshot().Global
		s.wheel.Schedule(acc.Name(), clock.RenotifyDue, now.Add(g.AuthNotifyInterval))
		s.notify.AuthNotify(g.AuthNotifyCmd, acc.Name(), authURL)
	}

	return res.Nonce, authURL, res.AlreadyPending, nil
}

// authURL renders the authorisation URL with the redirect_uri rewritten to
// carry the chosen listener's actual host:port.
func (s *Supervisor) authURL(cfg accountcfg.AccountConfig, nonce, verifier string) string {
	cfg.RedirectURI = s.effectiveRedirectURI(cfg)
	return oauthflow.AuthURL(cfg, nonce, verifier)
}

// effectiveRedirectURI rewrites the configured redirect_uri so its port is
// the chosen listener's actual bound port. When both listeners are up,
// HTTPS wins; the choice is stable for the daemon's lifetime.
func (s *Supervisor) effectiveRedirectURI(cfg accountcfg.AccountConfig) string {
	if addr, ok := s.redirectSrv.HTTPSAddr(); ok {
		return rewriteRedirectURI(cfg.RedirectURI, "https", addr)
	}
	if addr, ok := s.redirectSrv.HTTPAddr(); ok {
		return rewriteRedirectURI(cfg.RedirectURI, "http", addr)
	}
	return cfg.RedirectURI
}

func rewriteRedirectURI(raw, scheme, listenAddr string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	u.Scheme = scheme
	if _, port, err := net.SplitHostPort(listenAddr); err == nil {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	return u.String()
}

func (s *Supervisor) generateChallenge() (string, string, error) {
	c, err := pkce.Generate()
	if err != nil {
		return "", "", err
	}
	return c.State, c.Verifier, nil
}

// Show implements control.Core. It never performs network I/O itself.
func (s *Supervisor) Show(account string) (string, error) {
	acc, ok := s.table.Get(account)
	if !ok {
		return "", fmt.Errorf("unknown account %q", account)
	}

	snap := acc.Snapshot()
	if snap.State == broker.Active {
		return snap.Active.AccessToken, nil
	}

	if _, _, _, err := s.ensureAuthFlow(acc); err != nil {
		return "", err
	}
	return "", ErrNotAuthorised
}

// Refresh implements control.Core. It returns a non-empty authURL only
// when it had to (re)start an authorisation flow rather than trigger a
// background token refresh.
func (s *Supervisor) Refresh(account string) (string, error) {
	acc, ok := s.table.Get(account)
	if !ok {
		return "", fmt.Errorf("unknown account %q", account)
	}

	snap := acc.Snapshot()
	if snap.State == broker.Active && snap.Active.RefreshToken != "" {
		s.refreshEng.Trigger(context.Background(), account)
		return "", nil
	}

	_, authURL, _, err := s.ensureAuthFlow(acc)
	if err != nil {
		return "", err
	}
	return authURL, nil
}

// AuthURL implements control.Core: it reports the URL for an in-progress
// or freshly started flow, or hasURL=false if the account is Active.
func (s *Supervisor) AuthURL(account string) (string, bool, error) {
	acc, ok := s.table.Get(account)
	if !ok {
		return "", false, fmt.Errorf("unknown account %q", account)
	}

	if acc.Snapshot().State == broker.Active {
		return "", false, nil
	}

	_, authURL, _, err := s.ensureAuthFlow(acc)
	if err != nil {
		return "", false, err
	}
	return authURL, true, nil
}

func (s *Supervisor) Revoke(account string) error {
	acc, ok := s.table.Get(account)
	if !ok {
		return fmt.Errorf("unknown account %q", account)
	}

	res := acc.Revoke(s.wheel.Now())
	s.pendingTable.Revoke(res.OldNonce)
	s.wheel.CancelAccount(account)

	if res.PriorState != broker.Empty {
		s.notify.TokenEvent(s.cfgSnapshot().Global.TokenEventCmd, account, "token_revoked")
	}
	return nil
}

func (s *Supervisor) Reload() error {
	s.configMu.Lock()
	path := s.configPath
	s.configMu.Unlock()

	newCfg, err := accountcfg.Load(path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	result := s.table.Reload(newCfg)
	for _, name := range result.Removed {
		s.pendingTable.RevokeAccount(name)
		s.wheel.CancelAccount(name)
	}

	s.configMu.Lock()
	s.cfg = newCfg
	s.configMu.Unlock()

	// A surviving account that is Active but has no refresh_token cannot
	// be refreshed in the background, so re-trigger auth for it now.
	for _, name := range result.Kept {
		acc, ok := s.table.Get(name)
		if !ok {
			continue
		}
		snap := acc.Snapshot()
		if snap.State == broker.Active && snap.Active.RefreshToken == "" {
			if _, _, _, err := s.ensureAuthFlow(acc); err != nil {
				log.Printf("reload: restart auth for %s: %v", name, err)
			}
		}
	}

	return nil
}

func (s *Supervisor) Shutdown() {
	g := s.cfgSnapshot().Global
	for _, name := range s.table.Names() {
		acc, ok := s.table.Get(name)
		if !ok {
			continue
		}
		if acc.Snapshot().State == broker.Pending {
			res := acc.Revoke(s.wheel.Now())
			s.pendingTable.Revoke(res.OldNonce)
			s.notify.TokenEvent(g.TokenEventCmd, name, "token_revoked")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) Dump() ([]byte, error) {
	return dump.Encode(s.table), nil
}

func (s *Supervisor) Restore(data []byte) error {
	entries, err := dump.Decode(data)
	if err != nil {
		return err
	}
	results := dump.Restore(s.table, s.pendingTable, entries, s.wheel.Now)
	for _, r := range results {
		if r.HasDeadline {
			s.wheel.Schedule(r.Account, clock.RefreshDue, r.Deadline)
		}
	}
	return nil
}

type infoPayload struct {
	InfoFormatVersion int    `json:"info_format_version"`
	CacheDir          string `json:"cache_dir"`
	ConfigPath        string `json:"config_path"`
	Version           string `json:"version"`
}

func (s *Supervisor) Info(jsonFormat bool) (string, error) {
	p := infoPayload{InfoFormatVersion: 1, CacheDir: s.cacheDir, ConfigPath: s.configPath, Version: Version}
	if jsonFormat {
		b, err := json.Marshal(p)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return fmt.Sprintf("cache dir: %s\nconfig: %s\nversion: %s", p.CacheDir, p.ConfigPath, p.Version), nil
}

func (s *Supervisor) Status() (string, error) {
	now := s.wheel.Now()
	names := s.table.Names()

	var out string
	for _, name := range names {
		acc, ok := s.table.Get(name)
		if !ok {
			continue
		}
		snap := acc.Snapshot()
		out += statusLine(name, snap, now) + "\n"
	}
	return out, nil
}

func statusLine(name string, snap broker.Snapshot, now time.Time) string {
	switch snap.State {
	case broker.Empty:
		return fmt.Sprintf("%s: empty", name)
	case broker.Pending:
		return fmt.Sprintf("%s: pending (started %s)", name, humanize.Time(snap.Pending.StartedAt))
	case broker.Active:
		detail := fmt.Sprintf("obtained %s", humanize.Time(snap.Active.ObtainedAt))
		if snap.Active.HasExpiry {
			if snap.Active.Expiry.After(now) {
				detail += fmt.Sprintf(", expires %s", humanize.Time(snap.Active.Expiry))
			} else {
				detail += ", expired"
			}
		}
		if snap.Active.Refreshing {
			detail += ", refresh in flight"
		}
		if n := snap.Active.ConsecutiveTransientFailures; n > 0 {
			detail += fmt.Sprintf(", %d consecutive transient failures", n)
		}
		return fmt.Sprintf("%s: active (%s)", name, detail)
	default:
		return fmt.Sprintf("%s: unknown", name)
	}
}

// DefaultCacheDir resolves the cache directory used for the control
// socket, preferring $XDG_RUNTIME_DIR, falling back to $XDG_CACHE_HOME,
// then ~/.cache.
func DefaultCacheDir() (string, error) {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return filepath.Join(d), nil
	}
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return filepath.Join(d, "tokenbroker"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cache", "tokenbroker"), nil
}
