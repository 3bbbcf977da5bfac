// Package accountcfg resolves the on-disk YAML configuration into the typed
// values the core consumes: durations are parsed once at load time, listen
// specs are resolved to None|SocketAddr, and security-relevant account
// fields get a stable fingerprint used by the dump/restore compatibility
// check. The core never sees a raw string after Load returns.
package accountcfg

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// KV is one entry of an ordered auth_uri_fields mapping. Keys may repeat, so
// this cannot be a map.
type KV struct {
	Key   string
	Value string
}

// ListenSpec is the resolved form of an http_listen/https_listen value:
// either explicitly disabled ("none") or a concrete bind address.
type ListenSpec struct {
	Enabled bool
	Addr    string
}

// AccountConfig is the immutable, resolved snapshot of one account's
// parameters.
type AccountConfig struct {
	Name                string
	AuthURI             string
	TokenURI            string
	ClientID            string
	ClientSecret        string
	RedirectURI         string
	Scopes              []string
	AuthURIFields       []KV
	RefreshAtLeast      time.Duration
	RefreshBeforeExpiry time.Duration
	RefreshRetry        time.Duration
}

// Fingerprint hashes the security-relevant configured fields so restore
// can detect that an account's provider parameters changed since a dump
// was taken.
func (c AccountConfig) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "auth_uri=%s\x00token_uri=%s\x00client_id=%s\x00client_secret=%s\x00redirect_uri=%s\x00",
		c.AuthURI, c.TokenURI, c.ClientID, c.ClientSecret, c.RedirectURI)
	for _, s := range c.Scopes {
		fmt.Fprintf(h, "scope=%s\x00", s)
	}
	for _, kv := range c.AuthURIFields {
		fmt.Fprintf(h, "field.%s=%s\x00", kv.Key, kv.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GlobalConfig holds the zero-or-one global block's resolved values.
type GlobalConfig struct {
	AuthNotifyCmd       string
	AuthNotifyInterval  time.Duration
	ErrorNotifyCmd      string
	HTTPListen          ListenSpec
	HTTPSListen         ListenSpec
	RefreshAtLeast      time.Duration
	RefreshBeforeExpiry time.Duration
	RefreshRetry        time.Duration
	TransientErrorIfCmd string
	TokenEventCmd       string
	StartupCmd          string
}

// Config is the fully resolved configuration the core runs against.
type Config struct {
	Global   GlobalConfig
	Accounts map[string]AccountConfig
}

const (
	defaultRefreshAtLeast      = 90 * time.Minute
	defaultRefreshBeforeExpiry = 90 * time.Second
	defaultRefreshRetry        = 40 * time.Second
	defaultListen              = "127.0.0.1:0"
)

// --- raw YAML shape, as it arrives off disk ---

type rawGlobal struct {
	AuthNotifyCmd       string `yaml:"auth_notify_cmd"`
	AuthNotifyInterval  string `yaml:"auth_notify_interval"`
	ErrorNotifyCmd      string `yaml:"error_notify_cmd"`
	HTTPListen          string `yaml:"http_listen"`
	HTTPSListen         string `yaml:"https_listen"`
	RefreshAtLeast      string `yaml:"refresh_at_least"`
	RefreshBeforeExpiry string `yaml:"refresh_before_expiry"`
	RefreshRetry        string `yaml:"refresh_retry"`
	TransientErrorIfCmd string `yaml:"transient_error_if_cmd"`
	TokenEventCmd       string `yaml:"token_event_cmd"`
	StartupCmd          string `yaml:"startup_cmd"`
}

type rawAuthField struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type rawAccount struct {
	AuthURI             string         `yaml:"auth_uri"`
	TokenURI            string         `yaml:"token_uri"`
	ClientID            string         `yaml:"client_id"`
	ClientSecret        string         `yaml:"client_secret"`
	RedirectURI         string         `yaml:"redirect_uri"`
	Scopes              []string       `yaml:"scopes"`
	AuthURIFields       []rawAuthField `yaml:"auth_uri_fields"`
	LoginHint           string         `yaml:"login_hint"` // deprecated
	RefreshAtLeast      string         `yaml:"refresh_at_least"`
	RefreshBeforeExpiry string         `yaml:"refresh_before_expiry"`
	RefreshRetry        string         `yaml:"refresh_retry"`
}

type rawConfig struct {
	Global   rawGlobal             `yaml:"global"`
	Accounts map[string]rawAccount `yaml:"accounts"`
}

// Load reads and resolves a configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves a configuration document already read into memory. Kept
// separate from Load so tests and the `reload` control command can feed it
// bytes directly.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw)
}

func resolve(raw rawConfig) (*Config, error) {
	g := GlobalConfig{
		AuthNotifyCmd:       raw.Global.AuthNotifyCmd,
		ErrorNotifyCmd:      raw.Global.ErrorNotifyCmd,
		TransientErrorIfCmd: raw.Global.TransientErrorIfCmd,
		TokenEventCmd:       raw.Global.TokenEventCmd,
		StartupCmd:          raw.Global.StartupCmd,
	}

	var err error
	if g.AuthNotifyInterval, err = parseDurationOr(raw.Global.AuthNotifyInterval, 10*time.Minute); err != nil {
		return nil, fmt.Errorf("global.auth_notify_interval: %w", err)
	}
	if g.RefreshAtLeast, err = parseDurationOr(raw.Global.RefreshAtLeast, defaultRefreshAtLeast); err != nil {
		return nil, fmt.Errorf("global.refresh_at_least: %w", err)
	}
	if g.RefreshBeforeExpiry, err = parseDurationOr(raw.Global.RefreshBeforeExpiry, defaultRefreshBeforeExpiry); err != nil {
		return nil, fmt.Errorf("global.refresh_before_expiry: %w", err)
	}
	if g.RefreshRetry, err = parseDurationOr(raw.Global.RefreshRetry, defaultRefreshRetry); err != nil {
		return nil, fmt.Errorf("global.refresh_retry: %w", err)
	}

	if g.HTTPListen, err = resolveListen(raw.Global.HTTPListen, defaultListen); err != nil {
		return nil, fmt.Errorf("global.http_listen: %w", err)
	}
	if g.HTTPSListen, err = resolveListen(raw.Global.HTTPSListen, defaultListen); err != nil {
		return nil, fmt.Errorf("global.https_listen: %w", err)
	}
	if !g.HTTPListen.Enabled && !g.HTTPSListen.Enabled {
		return nil, fmt.Errorf("at least one of http_listen/https_listen must be enabled")
	}

	if len(raw.Accounts) == 0 {
		return nil, fmt.Errorf("config must declare at least one account")
	}

	accounts := make(map[string]AccountConfig, len(raw.Accounts))
	for name, ra := range raw.Accounts {
		ac, err := resolveAccount(name, ra, g)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		accounts[name] = ac
	}

	return &Config{Global: g, Accounts: accounts}, nil
}

func resolveAccount(name string, ra rawAccount, g GlobalConfig) (AccountConfig, error) {
	if ra.AuthURI == "" {
		return AccountConfig{}, fmt.Errorf("auth_uri is required")
	}
	if ra.TokenURI == "" {
		return AccountConfig{}, fmt.Errorf("token_uri is required")
	}
	if ra.ClientID == "" {
		return AccountConfig{}, fmt.Errorf("client_id is required")
	}

	redirectURI := ra.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://localhost/"
	}

	fields := make([]KV, 0, len(ra.AuthURIFields)+1)
	for _, f := range ra.AuthURIFields {
		fields = append(fields, KV{Key: f.Key, Value: f.Value})
	}
	if ra.LoginHint != "" {
		// login_hint is deprecated sugar for auth_uri_fields={"login_hint": ...}.
		fields = append(fields, KV{Key: "login_hint", Value: ra.LoginHint})
	}

	ac := AccountConfig{
		Name:                name,
		AuthURI:             ra.AuthURI,
		TokenURI:            ra.TokenURI,
		ClientID:            ra.ClientID,
		ClientSecret:        ra.ClientSecret,
		RedirectURI:         redirectURI,
		Scopes:              ra.Scopes,
		AuthURIFields:       fields,
		RefreshAtLeast:      g.RefreshAtLeast,
		RefreshBeforeExpiry: g.RefreshBeforeExpiry,
		RefreshRetry:        g.RefreshRetry,
	}

	var err error
	if ra.RefreshAtLeast != "" {
		if ac.RefreshAtLeast, err = parseDuration(ra.RefreshAtLeast); err != nil {
			return AccountConfig{}, fmt.Errorf("refresh_at_least: %w", err)
		}
	}
	if ra.RefreshBeforeExpiry != "" {
		if ac.RefreshBeforeExpiry, err = parseDuration(ra.RefreshBeforeExpiry); err != nil {
			return AccountConfig{}, fmt.Errorf("refresh_before_expiry: %w", err)
		}
	}
	if ra.RefreshRetry != "" {
		if ac.RefreshRetry, err = parseDuration(ra.RefreshRetry); err != nil {
			return AccountConfig{}, fmt.Errorf("refresh_retry: %w", err)
		}
	}

	return ac, nil
}

func resolveListen(raw, defaultAddr string) (ListenSpec, error) {
	if raw == "" {
		return ListenSpec{Enabled: true, Addr: defaultAddr}, nil
	}
	if raw == "none" {
		return ListenSpec{Enabled: false}, nil
	}
	return ListenSpec{Enabled: true, Addr: raw}, nil
}

var durationPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// parseDuration implements the `<int>[smhd]` duration grammar.
func parseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q, want <int>[smhd]", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

func parseDurationOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return parseDuration(s)
}
