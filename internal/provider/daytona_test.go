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

func newTestDaytona(t *testing.T, handler http.Handler) *Daytona {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewDaytona(DaytonaConfig{
		APIKey:   "test-key",
		APIURL:   srv.URL,
		Snapshot: "base-snapshot",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewDaytona() error = %v", err)
	}
	return p
}

func TestDaytonaRequiresAPIKey(t *testing.T) {
	if _, err := NewDaytona(DaytonaConfig{}, slog.Default()); err == nil {
		t.Fatal("NewDaytona() without api key should fail")
	}
}

func TestDaytonaCreate(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandbox" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer key", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding create request: %v", err)
		}
		if body["snapshot"] != "base-snapshot" {
			t.Errorf("snapshot = %v, want base-snapshot", body["snapshot"])
		}

		json.NewEncoder(w).Encode(daytonaSandbox{ID: "dt-42", State: "started"})
	}))

	h, err := p.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ProviderID != "dt-42" {
		t.Errorf("ProviderID = %q, want dt-42", h.ProviderID)
	}
}

func TestDaytonaConnectRestartsStopped(t *testing.T) {
	started := false
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sandbox/dt-42":
			json.NewEncoder(w).Encode(daytonaSandbox{ID: "dt-42", State: "stopped"})
		case r.Method == http.MethodPost && r.URL.Path == "/sandbox/dt-42/start":
			started = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))

	h, err := p.Connect(context.Background(), "dt-42")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if h.ProviderID != "dt-42" {
		t.Errorf("ProviderID = %q, want dt-42", h.ProviderID)
	}
	if !started {
		t.Error("Connect() should restart a stopped sandbox")
	}
}

func TestDaytonaConnectNotFound(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sandbox not found", http.StatusNotFound)
	}))

	_, err := p.Connect(context.Background(), "gone")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect() error = %v, want ErrNotFound", err)
	}
}

func TestDaytonaRunCommand(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/toolbox/dt-42/toolbox/process/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding exec request: %v", err)
		}
		if body["command"] != "echo hello" {
			t.Errorf("command = %v, want echo hello", body["command"])
		}
		json.NewEncoder(w).Encode(map[string]any{"exitCode": 0, "result": "hello\n"})
	}))

	h := &Handle{ProviderID: "dt-42", Provider: NameDaytona}
	res, err := p.RunCommand(context.Background(), h, CommandRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello\n")
	}
}

func TestDaytonaRunCommandOutlivesControlTimeout(t *testing.T) {
	// A command whose caller-supplied limit exceeds the control plane
	// client timeout must still run to completion.
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"exitCode": 0, "result": "slow\n"})
	}))
	p.httpClient.Timeout = 50 * time.Millisecond

	h := &Handle{ProviderID: "dt-42", Provider: NameDaytona}
	res, err := p.RunCommand(context.Background(), h, CommandRequest{Command: "sleep 0.2", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if res.Stdout != "slow\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "slow\n")
	}
}

func TestDaytonaRunCommandTimesOut(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	h := &Handle{ProviderID: "dt-42", Provider: NameDaytona}
	_, err := p.RunCommand(context.Background(), h, CommandRequest{Command: "sleep 60", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("RunCommand() error = %v, want ErrTimedOut", err)
	}
	var pe *Error
	if errors.As(err, &pe) {
		t.Errorf("expiry surfaced as provider error (retryable=%v), want plain ErrTimedOut", pe.Retryable)
	}
}

func TestDaytonaReadFile(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/toolbox/dt-42/toolbox/files/download" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("path"); got != "/tmp/out.txt" {
			t.Errorf("path param = %q, want /tmp/out.txt", got)
		}
		io.WriteString(w, "file content")
	}))

	h := &Handle{ProviderID: "dt-42", Provider: NameDaytona}
	content, err := p.ReadFile(context.Background(), h, "/tmp/out.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if content != "file content" {
		t.Errorf("content = %q, want %q", content, "file content")
	}
}

func TestDaytonaDeleteIdempotent(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	if err := p.Delete(context.Background(), "already-gone"); err != nil {
		t.Fatalf("Delete() of unknown sandbox = %v, want nil", err)
	}
}

func TestDaytonaExposePort(t *testing.T) {
	p := newTestDaytona(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sandbox/dt-42/ports/3000/preview-url" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "https://3000-dt-42.preview.daytona.io"})
	}))

	h := &Handle{ProviderID: "dt-42", Provider: NameDaytona}
	url, err := p.ExposePort(context.Background(), h, 3000)
	if err != nil {
		t.Fatalf("ExposePort() error = %v", err)
	}
	if want := "https://3000-dt-42.preview.daytona.io"; url != want {
		t.Errorf("url = %q, want %q", url, want)
	}
}
