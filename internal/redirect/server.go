// Package redirect implements the locally-hosted OAuth2 redirect web
// server: it receives the provider's redirect, validates state, exchanges
// code for tokens, and reports the outcome for the supervisor to apply.
package redirect

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"tokenbroker/internal/broker"
	"tokenbroker/internal/clock"
	"tokenbroker/internal/oauthflow"
	"tokenbroker/internal/pending"
)

const successBody = "tokenbroker processing authentication: you can safely close this page."

// Outcome classifies what happened to a redirect request.
type Outcome int

const (
	Activated Outcome = iota
	ProviderError
	ExchangeFailed
	Rejected // bad/unknown/revoked state, malformed query: no state change
)

// Event is reported to the supervisor after a redirect request completes,
// so wheel scheduling and notification stay centralised there. The
// Pending->Active transition itself happens in the handler, since it is
// inseparable from validating the single-use pending entry.
type Event struct {
	Account      string
	Outcome      Outcome
	Deadline     time.Time
	DeadlineKind clock.Kind
	HasDeadline  bool
	ErrorMessage string
}

// Server is the redirect web server: an HTTP listener and/or an HTTPS
// listener, the latter backed by an in-memory self-signed certificate that
// lives for the process's lifetime.
type Server struct {
	table   *broker.Table
	pending *pending.Table
	http    *http.Client
	clk     clockwork.Clock
	events  chan Event

	httpListener  net.Listener
	httpsListener net.Listener
	httpAddr      string
	httpsAddr     string
}

// New constructs the redirect server's router; call ListenHTTP/ListenHTTPS
// to bind the configured listeners before Serve.
func New(table *broker.Table, pendingTable *pending.Table, httpClient *http.Client, clk clockwork.Clock) *Server {
	return &Server{
		table:   table,
		pending: pendingTable,
		http:    httpClient,
		clk:     clk,
		events:  make(chan Event, 8),
	}
}

// Events is the channel the supervisor polls for redirect outcomes.
func (s *Server) Events() <-chan Event { return s.events }

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/*", s.handleRedirect)
	return withSizeLimit(r)
}

// withSizeLimit rejects anything other than GET and discards any request
// body; headers are capped via the http.Server's MaxHeaderBytes.
func withSizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 0)
		next.ServeHTTP(w, r)
	})
}

// ListenHTTP binds the plaintext listener at addr ("host:port"; port 0
// picks an ephemeral port). Returns the bound address.
func (s *Server) ListenHTTP(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("bind http_listen %s: %w", addr, err)
	}
	s.httpListener = ln
	s.httpAddr = ln.Addr().String()
	return s.httpAddr, nil
}

// ListenHTTPS binds a TLS listener at addr using a self-signed certificate
// minted at startup and held only in memory for the process's lifetime.
func (s *Server) ListenHTTPS(addr string) (string, error) {
	cert, err := mintSelfSignedCert()
	if err != nil {
		return "", fmt.Errorf("mint https_listen certificate: %w", err)
	}
	ln, err := tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return "", fmt.Errorf("bind https_listen %s: %w", addr, err)
	}
	s.httpsListener = ln
	s.httpsAddr = ln.Addr().String()
	return s.httpsAddr, nil
}

// HTTPAddr/HTTPSAddr report the bound address, for rendering the actual
// host:port of the chosen listener into auth URLs.
func (s *Server) HTTPAddr() (string, bool)  { return s.httpAddr, s.httpListener != nil }
func (s *Server) HTTPSAddr() (string, bool) { return s.httpsAddr, s.httpsListener != nil }

// Serve runs both bound listeners until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	handler := s.router()
	srv := &http.Server{Handler: handler, MaxHeaderBytes: 8 << 10}

	errc := make(chan error, 2)
	running := 0

	if s.httpListener != nil {
		running++
		go func() { errc <- srv.Serve(s.httpListener) }()
	}
	if s.httpsListener != nil {
		running++
		go func() { errc <- srv.Serve(s.httpsListener) }()
	}

	if running == 0 {
		<-ctx.Done()
		return nil
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	providerErr := q.Get("error")

	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	entry, err := s.pending.Consume(state)
	if err != nil {
		http.Error(w, "unknown or stale authorisation attempt", http.StatusBadRequest)
		return
	}

	acc, ok := s.table.Get(entry.Account)
	if !ok {
		http.Error(w, "account no longer configured", http.StatusBadRequest)
		return
	}

	if providerErr != "" {
		s.reportFailure(acc, entry.Account, ProviderError, fmt.Sprintf("authorisation denied by provider: %s", providerErr))
		http.Error(w, "authorisation failed: "+providerErr, http.StatusBadRequest)
		return
	}

	if code == "" {
		s.reportFailure(acc, entry.Account, ExchangeFailed, "redirect arrived without a code")
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	cfg := acc.ConfigSnapshot()
	if entry.RedirectURI != "" {
		// The exchange must present the same redirect_uri the auth URL
		// embedded, which carries the listener's actual host:port.
		cfg.RedirectURI = entry.RedirectURI
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	tok, err := oauthflow.Exchange(ctx, s.http, cfg, code, entry.Verifier)
	cancel()
	if err != nil {
		s.reportFailure(acc, entry.Account, ExchangeFailed, fmt.Sprintf("token exchange failed: %v", err))
		http.Error(w, "token exchange failed", http.StatusBadRequest)
		return
	}

	res, ok := acc.CompleteAuth(s.clk.Now(), state, tok)
	if !ok {
		// Raced: account moved on (revoked, or superseded) between Consume
		// and now. Nothing left to report.
		http.Error(w, "authorisation attempt is no longer current", http.StatusBadRequest)
		return
	}

	ev := Event{Account: entry.Account, Outcome: Activated}
	if res.HasDeadline {
		ev.Deadline, ev.DeadlineKind, ev.HasDeadline = res.Deadline, clock.RefreshDue, true
	}
	s.emit(ev)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, successBody)
}

func (s *Server) reportFailure(acc *broker.Account, account string, outcome Outcome, msg string) {
	acc.Revoke(s.clk.Now())
	s.emit(Event{Account: account, Outcome: outcome, ErrorMessage: msg})
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("redirect: event queue full, dropping event for %s", ev.Account)
	}
}

// mintSelfSignedCert generates an ECDSA P-256 self-signed certificate held
// only in memory, valid for the process's lifetime.
func mintSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tokenbroker local redirect"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
