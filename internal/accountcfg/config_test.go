package accountcfg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/accountcfg"
)

const minimalConfig = `
accounts:
  acme:
    auth_uri: http://mock/auth
    token_uri: http://mock/token
    client_id: cid
`

func TestParseMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := accountcfg.Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, cfg.Global.RefreshAtLeast)
	assert.Equal(t, 90*time.Second, cfg.Global.RefreshBeforeExpiry)
	assert.Equal(t, 40*time.Second, cfg.Global.RefreshRetry)
	assert.True(t, cfg.Global.HTTPListen.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Global.HTTPListen.Addr)

	acme := cfg.Accounts["acme"]
	assert.Equal(t, "acme", acme.Name)
	assert.Equal(t, "http://mock/auth", acme.AuthURI)
	assert.Equal(t, "http://localhost/", acme.RedirectURI)
	assert.Equal(t, 90*time.Minute, acme.RefreshAtLeast)
}

func TestParseRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing auth_uri",
			yaml: "accounts:\n  a:\n    token_uri: t\n    client_id: c\n",
			want: "auth_uri is required",
		},
		{
			name: "missing token_uri",
			yaml: "accounts:\n  a:\n    auth_uri: u\n    client_id: c\n",
			want: "token_uri is required",
		},
		{
			name: "missing client_id",
			yaml: "accounts:\n  a:\n    auth_uri: u\n    token_uri: t\n",
			want: "client_id is required",
		},
		{
			name: "no accounts",
			yaml: "global:\n  refresh_retry: 5s\n",
			want: "at least one account",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := accountcfg.Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseDurationGrammar(t *testing.T) {
	cfg, err := accountcfg.Parse([]byte(`
global:
  refresh_at_least: 2h
  refresh_before_expiry: 60s
  refresh_retry: 5s
  auth_notify_interval: 1d
accounts:
  acme:
    auth_uri: u
    token_uri: t
    client_id: c
    refresh_retry: 3m
`))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Global.RefreshAtLeast)
	assert.Equal(t, time.Minute, cfg.Global.RefreshBeforeExpiry)
	assert.Equal(t, 5*time.Second, cfg.Global.RefreshRetry)
	assert.Equal(t, 24*time.Hour, cfg.Global.AuthNotifyInterval)
	assert.Equal(t, 3*time.Minute, cfg.Accounts["acme"].RefreshRetry, "account override beats global")
	assert.Equal(t, 2*time.Hour, cfg.Accounts["acme"].RefreshAtLeast, "unset account field inherits global")
}

func TestParseRejectsBadDuration(t *testing.T) {
	for _, bad := range []string{"5", "s", "5 s", "-5s", "5w"} {
		_, err := accountcfg.Parse([]byte(`
global:
  refresh_retry: "` + bad + `"
accounts:
  a:
    auth_uri: u
    token_uri: t
    client_id: c
`))
		assert.Error(t, err, "duration %q must be rejected", bad)
	}
}

func TestParseListeners(t *testing.T) {
	cfg, err := accountcfg.Parse([]byte(`
global:
  http_listen: none
  https_listen: 127.0.0.1:8443
accounts:
  a:
    auth_uri: u
    token_uri: t
    client_id: c
`))
	require.NoError(t, err)
	assert.False(t, cfg.Global.HTTPListen.Enabled)
	assert.True(t, cfg.Global.HTTPSListen.Enabled)
	assert.Equal(t, "127.0.0.1:8443", cfg.Global.HTTPSListen.Addr)

	_, err = accountcfg.Parse([]byte(`
global:
  http_listen: none
  https_listen: none
accounts:
  a:
    auth_uri: u
    token_uri: t
    client_id: c
`))
	require.Error(t, err, "disabling both listeners must be rejected")
	assert.Contains(t, err.Error(), "at least one of http_listen/https_listen")
}

func TestLoginHintRewritesToAuthURIField(t *testing.T) {
	cfg, err := accountcfg.Parse([]byte(`
accounts:
  a:
    auth_uri: u
    token_uri: t
    client_id: c
    login_hint: user@example.com
    auth_uri_fields:
      - key: prompt
        value: consent
`))
	require.NoError(t, err)

	fields := cfg.Accounts["a"].AuthURIFields
	require.Len(t, fields, 2)
	assert.Equal(t, accountcfg.KV{Key: "prompt", Value: "consent"}, fields[0])
	assert.Equal(t, accountcfg.KV{Key: "login_hint", Value: "user@example.com"}, fields[1])
}

func TestFingerprintCoversSecurityFields(t *testing.T) {
	base := accountcfg.AccountConfig{
		Name:        "a",
		AuthURI:     "u",
		TokenURI:    "t",
		ClientID:    "c",
		RedirectURI: "http://localhost/",
		Scopes:      []string{"s1", "s2"},
	}

	assert.Equal(t, base.Fingerprint(), base.Fingerprint())

	mutations := []func(*accountcfg.AccountConfig){
		func(c *accountcfg.AccountConfig) { c.AuthURI = "u2" },
		func(c *accountcfg.AccountConfig) { c.TokenURI = "t2" },
		func(c *accountcfg.AccountConfig) { c.ClientID = "c2" },
		func(c *accountcfg.AccountConfig) { c.ClientSecret = "sekrit" },
		func(c *accountcfg.AccountConfig) { c.RedirectURI = "http://localhost:9/" },
		func(c *accountcfg.AccountConfig) { c.Scopes = []string{"s2", "s1"} },
		func(c *accountcfg.AccountConfig) { c.AuthURIFields = []accountcfg.KV{{Key: "k", Value: "v"}} },
	}
	for i, mutate := range mutations {
		changed := base
		mutate(&changed)
		assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint(), "mutation %d must change the fingerprint", i)
	}

	timingOnly := base
	timingOnly.RefreshRetry = 5 * time.Second
	assert.Equal(t, base.Fingerprint(), timingOnly.Fingerprint(), "durations are not security-relevant")
}
