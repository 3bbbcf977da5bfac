package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockProvider is a scriptable OAuth2 provider: an authorisation-code
// exchange endpoint and a refresh endpoint whose next responses can be
// forced to fail transiently or permanently.
type MockProvider struct {
	server *httptest.Server

	mu             sync.Mutex
	accessCounter  int
	refreshTokens  map[string]bool
	failNext       int  // 503s remaining before recovery
	permanentlyBad bool // respond invalid_grant to refreshes
	lastForm       map[string][]string
}

func NewMockProvider() *MockProvider {
	m := &MockProvider{refreshTokens: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		// Never fetched by the daemon; the user opens this in a browser.
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", m.handleToken)

	m.server = httptest.NewServer(mux)
	return m
}

func (m *MockProvider) URL() string { return m.server.URL }

func (m *MockProvider) Close() { m.server.Close() }

// FailNextRefreshes makes the next n token requests return HTTP 503.
func (m *MockProvider) FailNextRefreshes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// InvalidateRefreshTokens makes every refresh fail with invalid_grant.
func (m *MockProvider) InvalidateRefreshTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permanentlyBad = true
}

// LastForm returns the form of the most recent token request.
func (m *MockProvider) LastForm() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

func (m *MockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastForm = r.PostForm

	if m.failNext > 0 {
		m.failNext--
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" || r.PostForm.Get("code_verifier") == "" {
			m.writeError(w, "invalid_request")
			return
		}
		m.accessCounter++
		refresh := "R1"
		m.refreshTokens[refresh] = true
		m.writeToken(w, m.accessToken(), refresh)

	case "refresh_token":
		if m.permanentlyBad || !m.refreshTokens[r.PostForm.Get("refresh_token")] {
			m.writeError(w, "invalid_grant")
			return
		}
		m.accessCounter++
		m.writeToken(w, m.accessToken(), "")

	default:
		m.writeError(w, "unsupported_grant_type")
	}
}

func (m *MockProvider) accessToken() string {
	return fmt.Sprintf("A%d", m.accessCounter)
}

func (m *MockProvider) writeToken(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{
		"access_token": access,
		"expires_in":   3600,
		"token_type":   "Bearer",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	json.NewEncoder(w).Encode(body)
}

func (m *MockProvider) writeError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}
