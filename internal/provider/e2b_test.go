package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestE2B(t *testing.T, handler http.Handler) (*E2B, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewE2B(E2BConfig{
		APIKey: "test-key",
		APIURL: srv.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewE2B() error = %v", err)
	}
	return p, srv
}

func TestE2BRequiresAPIKey(t *testing.T) {
	if _, err := NewE2B(E2BConfig{}, slog.Default()); err == nil {
		t.Fatal("NewE2B() without api key should fail")
	}
}

func TestE2BCreate(t *testing.T) {
	var gotAPIKey string
	p, _ := newTestE2B(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAPIKey = r.Header.Get("X-API-Key")

		var req e2bCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding create request: %v", err)
		}
		if req.TemplateID != "base" {
			t.Errorf("templateID = %q, want base", req.TemplateID)
		}

		json.NewEncoder(w).Encode(e2bSandboxResponse{
			SandboxID:       "sbx-123",
			EnvdAccessToken: "envd-token",
		})
	}))

	h, err := p.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ProviderID != "sbx-123" {
		t.Errorf("ProviderID = %q, want sbx-123", h.ProviderID)
	}
	if h.AccessToken != "envd-token" {
		t.Errorf("AccessToken = %q, want envd-token", h.AccessToken)
	}
	if gotAPIKey != "test-key" {
		t.Errorf("X-API-Key = %q, want test-key", gotAPIKey)
	}
}

func TestE2BConnectNotFound(t *testing.T) {
	p, _ := newTestE2B(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox not found", http.StatusNotFound)
	}))

	_, err := p.Connect(context.Background(), "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect() error = %v, want ErrNotFound", err)
	}
}

func TestE2BDeleteIdempotent(t *testing.T) {
	p, _ := newTestE2B(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	if err := p.Delete(context.Background(), "already-gone"); err != nil {
		t.Fatalf("Delete() of unknown sandbox = %v, want nil", err)
	}
}

func TestE2BCreateRetriesServerErrors(t *testing.T) {
	attempts := 0
	p, _ := newTestE2B(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(e2bSandboxResponse{SandboxID: "sbx-retry"})
	}))

	h, err := p.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ProviderID != "sbx-retry" {
		t.Errorf("ProviderID = %q, want sbx-retry", h.ProviderID)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestE2BCreateDoesNotRetryAuthErrors(t *testing.T) {
	attempts := 0
	p, _ := newTestE2B(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))

	_, err := p.Create(context.Background(), CreateRequest{})
	if err == nil {
		t.Fatal("Create() with bad key should fail")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusUnauthorized {
		t.Fatalf("error = %v, want provider error with status 401", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (auth errors must not be retried)", attempts)
	}
}

// newTestEnvd stands in for the per-sandbox data plane.
func newTestEnvd(t *testing.T, p *E2B, handler http.Handler) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p.envdBase = srv.URL
}

func TestE2BRunCommandOutlivesControlTimeout(t *testing.T) {
	// A command whose caller-supplied limit exceeds the control plane
	// client timeout must still run to completion.
	p, _ := newTestE2B(t, http.NotFoundHandler())
	newTestEnvd(t, p, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/commands/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"stdout": "slow\n", "stderr": "", "exitCode": 0})
	}))
	p.httpClient.Timeout = 50 * time.Millisecond

	h := &Handle{ProviderID: "sbx-1", Provider: NameE2B, Domain: "e2b.app"}
	res, err := p.RunCommand(context.Background(), h, CommandRequest{Command: "sleep 0.2", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if res.Stdout != "slow\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "slow\n")
	}
}

func TestE2BRunCommandTimesOut(t *testing.T) {
	p, _ := newTestE2B(t, http.NotFoundHandler())
	newTestEnvd(t, p, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	h := &Handle{ProviderID: "sbx-1", Provider: NameE2B}
	_, err := p.RunCommand(context.Background(), h, CommandRequest{Command: "sleep 60", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("RunCommand() error = %v, want ErrTimedOut", err)
	}
	var pe *Error
	if errors.As(err, &pe) {
		t.Errorf("expiry surfaced as provider error (retryable=%v), want plain ErrTimedOut", pe.Retryable)
	}
}

func TestE2BExposePort(t *testing.T) {
	p, _ := newTestE2B(t, http.NotFoundHandler())

	h := &Handle{ProviderID: "sbx-1", Provider: NameE2B, Domain: "e2b.app"}
	url, err := p.ExposePort(context.Background(), h, 8080)
	if err != nil {
		t.Fatalf("ExposePort() error = %v", err)
	}
	if want := "https://8080-sbx-1.e2b.app"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}

	if _, err := p.ExposePort(context.Background(), h, 0); err == nil {
		t.Error("ExposePort(0) should fail")
	}
}
