package integration_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/accountcfg"
	"tokenbroker/internal/control"
	"tokenbroker/internal/supervisor"
)

// daemon is one running tokenbroker instance bound to its own socket.
type daemon struct {
	socketPath string
	configPath string
}

const unavailablePrefix = "Token unavailable until authorised with URL "

// startDaemon writes a config pointing at the mock provider, then runs a
// supervisor against it until the test ends.
func startDaemon(t *testing.T, provider *MockProvider, extraGlobal string) *daemon {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	socketPath := filepath.Join(dir, "ctl.sock")

	config := fmt.Sprintf(`
global:
  https_listen: none
%s
accounts:
  acme:
    auth_uri: %s/auth
    token_uri: %s/token
    client_id: cid
    scopes:
      - s1
      - offline_access
`, extraGlobal, provider.URL(), provider.URL())
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	cfg, err := accountcfg.Load(configPath)
	require.NoError(t, err)

	sup, err := supervisor.New(cfg, configPath, dir, clockwork.NewRealClock())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx, socketPath)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		_, err := control.Send(socketPath, "info", nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "control socket never came up")

	return &daemon{socketPath: socketPath, configPath: configPath}
}

func (d *daemon) send(t *testing.T, command string, payload []byte) control.Response {
	t.Helper()
	resp, err := control.Send(d.socketPath, command, payload)
	require.NoError(t, err)
	return resp
}

// authURLFromShow runs `show` for account, requires the not-authorised
// error, and returns the parsed authorisation URL.
func (d *daemon) authURLFromShow(t *testing.T, account string) *url.URL {
	t.Helper()
	resp := d.send(t, "show "+account, nil)
	require.False(t, resp.OK, "show for an unauthorised account must fail: %s", resp.Body)
	require.True(t, strings.HasPrefix(resp.Body, unavailablePrefix), "unexpected error: %s", resp.Body)

	u, err := url.Parse(strings.TrimPrefix(resp.Body, unavailablePrefix))
	require.NoError(t, err)
	return u
}

// completeAuth simulates the browser step: it delivers the provider's
// redirect, carrying the given code, to the daemon's redirect listener.
func completeAuth(t *testing.T, authURL *url.URL, code string) *http.Response {
	t.Helper()

	redirectURI := authURL.Query().Get("redirect_uri")
	require.NotEmpty(t, redirectURI)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp, err := http.Get(fmt.Sprintf("%s?state=%s&code=%s", redirectURI, url.QueryEscape(state), url.QueryEscape(code)))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

// waitForToken polls `show` until it returns the wanted access token.
func (d *daemon) waitForToken(t *testing.T, account, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		resp := d.send(t, "show "+account, nil)
		if resp.OK && resp.Body == want {
			return
		}
		last = resp.Body
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("account %s never served token %q; last response: %s", account, want, last)
}

// waitForUnauthorised polls `show` until the account reports it needs a
// fresh authorisation.
func (d *daemon) waitForUnauthorised(t *testing.T, account string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		resp := d.send(t, "show "+account, nil)
		if !resp.OK && strings.HasPrefix(resp.Body, unavailablePrefix) {
			return
		}
		last = resp.Body
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("account %s never became unauthorised; last response: %s", account, last)
}
