// Package oauthflow wraps golang.org/x/oauth2 to build authorisation URLs
// and perform the Authorisation Code + PKCE exchange and refresh-token
// POSTs. The core never talks to an HTTP client directly; it goes through
// here so every account's request shape (PKCE, auth_uri_fields, optional
// client_secret) is assembled in one place.
package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"tokenbroker/internal/accountcfg"
	"tokenbroker/internal/broker"
)

// Outcome classifies a refresh attempt.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// permanentErrorCodes are the OAuth2 error codes that always mean the
// refresh token is dead. Providers may use others; the daemon only
// invalidates on these without operator input (via transient_error_if_cmd).
var permanentErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// buildOAuth2Config sends client_id/client_secret in the form body, so every
// token request is a single POST with no auth-style probing.
func buildOAuth2Config(cfg accountcfg.AccountConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURI,
			TokenURL:  cfg.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
	}
}

// AuthURL renders the authorisation URL for a fresh PKCE attempt. The
// standard parameters (access_type=offline, the S256 code challenge, scope,
// client_id, redirect_uri, response_type=code, state, and client_secret if
// configured) are encoded by golang.org/x/oauth2 in key order, not in the
// order listed here; auth_uri_fields follow them, appended in configured
// order with repeated keys kept.
func AuthURL(cfg accountcfg.AccountConfig, state, verifier string) string {
	oc := buildOAuth2Config(cfg)

	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	}
	if cfg.ClientSecret != "" {
		opts = append(opts, oauth2.SetAuthURLParam("client_secret", cfg.ClientSecret))
	}

	u := oc.AuthCodeURL(state, opts...)
	for _, kv := range cfg.AuthURIFields {
		u += "&" + url.QueryEscape(kv.Key) + "=" + url.QueryEscape(kv.Value)
	}
	return u
}

// withHTTPClient threads an *http.Client through context the way
// golang.org/x/oauth2 expects it to find one.
func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// Exchange performs the authorisation-code + PKCE exchange at the
// account's token_uri.
func Exchange(ctx context.Context, hc *http.Client, cfg accountcfg.AccountConfig, code, verifier string) (broker.ExchangeResult, error) {
	oc := buildOAuth2Config(cfg)
	ctx = withHTTPClient(ctx, hc)

	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return broker.ExchangeResult{}, err
	}
	return toExchangeResult(tok), nil
}

// Refresh performs a refresh-token POST at the account's token_uri and
// classifies the outcome.
func Refresh(ctx context.Context, hc *http.Client, cfg accountcfg.AccountConfig, refreshToken string) (broker.ExchangeResult, Outcome, error) {
	oc := buildOAuth2Config(cfg)
	ctx = withHTTPClient(ctx, hc)

	ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return broker.ExchangeResult{}, classify(err), err
	}
	return toExchangeResult(tok), Success, nil
}

func toExchangeResult(tok *oauth2.Token) broker.ExchangeResult {
	return broker.ExchangeResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		HasExpiry:    !tok.Expiry.IsZero(),
		Expiry:       tok.Expiry,
	}
}

type oauthErrorBody struct {
	Error string `json:"error"`
}

// classify sorts a refresh failure into transient or permanent:
//   - 5xx, TLS/DNS/connection errors, timeouts -> Transient
//   - 4xx with error in {invalid_grant,invalid_client,unauthorized_client} -> Permanent
//   - any other 4xx OAuth2 error -> Transient (lifecycle, not surfaced as an error)
func classify(err error) Outcome {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// Network/DNS/timeout errors never reach the HTTP layer as a
		// RetrieveError.
		return Transient
	}
	if re.Response != nil && re.Response.StatusCode >= 500 {
		return Transient
	}

	var body oauthErrorBody
	if json.Unmarshal(re.Body, &body) == nil && permanentErrorCodes[body.Error] {
		return Permanent
	}
	return Transient
}
