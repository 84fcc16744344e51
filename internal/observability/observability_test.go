package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/validator"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestNilAccessors(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
	if obs.AnomalyOrNil() != nil {
		t.Error("expected nil anomaly from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil || m.Registry == nil {
		t.Fatal("expected collector with registry")
	}

	// Vec metrics only appear in Gather after first use.
	m.SandboxCreationsTotal.WithLabelValues("docker", "success").Inc()
	m.CommandExecutionsTotal.WithLabelValues("docker", "success").Inc()
	m.ValidationChecksTotal.WithLabelValues("accepted").Inc()
	m.ToolCallsTotal.WithLabelValues("search", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sanduku_sandbox_creations_total",
		"sanduku_command_executions_total",
		"sanduku_validator_checks_total",
		"sanduku_mcp_tool_calls_total",
		"sanduku_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// counterValue reads a CounterVec value for the given label values.
func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string)
	for _, l := range metric.GetLabel() {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}

// --- InstrumentedAdapter ---

// stubAdapter is a minimal provider.Adapter for wrapper tests.
type stubAdapter struct {
	createErr error
	runErr    error
	exitCode  int
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Create(context.Context, provider.CreateRequest) (*provider.Handle, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &provider.Handle{ProviderID: "p-1", Provider: "stub"}, nil
}

func (s *stubAdapter) Connect(context.Context, string) (*provider.Handle, error) {
	return &provider.Handle{ProviderID: "p-1", Provider: "stub"}, nil
}

func (s *stubAdapter) RunCommand(context.Context, *provider.Handle, provider.CommandRequest) (*provider.CommandResult, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	return &provider.CommandResult{ExitCode: s.exitCode}, nil
}

func (s *stubAdapter) ReadFile(context.Context, *provider.Handle, string) (string, error) {
	return "", nil
}

func (s *stubAdapter) WriteFile(context.Context, *provider.Handle, string, string) error {
	return nil
}

func (s *stubAdapter) Pause(context.Context, *provider.Handle) error  { return nil }
func (s *stubAdapter) Stop(context.Context, *provider.Handle) error   { return nil }
func (s *stubAdapter) Delete(context.Context, string) error { return nil }

func (s *stubAdapter) ExposePort(context.Context, *provider.Handle, int) (string, error) {
	return "http://127.0.0.1:8080", nil
}

func (s *stubAdapter) Health(context.Context) error { return nil }

func TestInstrumentedAdapter_RecordsCreates(t *testing.T) {
	m := NewMetricsCollector()
	wrapped := NewInstrumentedAdapter(&stubAdapter{}, m, nil, nil)
	ctx := context.Background()

	if _, err := wrapped.Create(ctx, provider.CreateRequest{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got := counterValue(t, m, "sanduku_sandbox_creations_total", map[string]string{
		"provider": "stub", "status": "success",
	})
	if got != 1 {
		t.Errorf("creations success = %v, want 1", got)
	}
}

func TestInstrumentedAdapter_RecordsCreateFailure(t *testing.T) {
	m := NewMetricsCollector()
	wrapped := NewInstrumentedAdapter(&stubAdapter{createErr: errors.New("boom")}, m, nil, nil)

	if _, err := wrapped.Create(context.Background(), provider.CreateRequest{}); err == nil {
		t.Fatal("Create() should propagate the error")
	}

	got := counterValue(t, m, "sanduku_sandbox_creations_total", map[string]string{
		"provider": "stub", "status": "error",
	})
	if got != 1 {
		t.Errorf("creations error = %v, want 1", got)
	}
}

func TestInstrumentedAdapter_NonzeroExitLabel(t *testing.T) {
	m := NewMetricsCollector()
	wrapped := NewInstrumentedAdapter(&stubAdapter{exitCode: 2}, m, nil, nil)

	res, err := wrapped.RunCommand(context.Background(), &provider.Handle{ProviderID: "p-1"}, provider.CommandRequest{Command: "false"})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", res.ExitCode)
	}

	got := counterValue(t, m, "sanduku_command_executions_total", map[string]string{
		"provider": "stub", "status": "nonzero_exit",
	})
	if got != 1 {
		t.Errorf("nonzero_exit count = %v, want 1", got)
	}
}

func TestInstrumentedAdapter_NilMetricsSafe(t *testing.T) {
	wrapped := NewInstrumentedAdapter(&stubAdapter{}, nil, nil, nil)

	if _, err := wrapped.Create(context.Background(), provider.CreateRequest{}); err != nil {
		t.Fatalf("Create() with nil metrics error = %v", err)
	}
	if err := wrapped.Pause(context.Background(), &provider.Handle{}); err != nil {
		t.Fatalf("Pause() with nil metrics error = %v", err)
	}
}

// --- InstrumentedToolCaller ---

type stubToolCaller struct {
	err error
}

func (s *stubToolCaller) CallTool(context.Context, string, map[string]any) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "ok", nil
}

func TestInstrumentedToolCaller(t *testing.T) {
	m := NewMetricsCollector()
	wrapped := NewInstrumentedToolCaller(&stubToolCaller{}, m, nil, nil)

	if _, err := wrapped.CallTool(context.Background(), "search", nil); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}

	got := counterValue(t, m, "sanduku_mcp_tool_calls_total", map[string]string{
		"tool": "search", "status": "success",
	})
	if got != 1 {
		t.Errorf("tool calls = %v, want 1", got)
	}
}

// --- InstrumentedValidator ---

func TestInstrumentedValidator(t *testing.T) {
	m := NewMetricsCollector()
	wrapped := NewInstrumentedValidator(validator.New(validator.Config{}), m)

	if err := wrapped.Validate("print(1+1)"); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if err := wrapped.Validate("eval(x)"); err == nil {
		t.Fatal("Validate() should reject eval")
	}

	accepted := counterValue(t, m, "sanduku_validator_checks_total", map[string]string{"result": "accepted"})
	rejected := counterValue(t, m, "sanduku_validator_checks_total", map[string]string{"result": "rejected"})
	if accepted != 1 || rejected != 1 {
		t.Errorf("accepted = %v rejected = %v, want 1 and 1", accepted, rejected)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_WarnsOnHighErrorRate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		WindowSeconds:      60,
		ErrorRateThreshold: 0.5,
	}, logger)

	// 1 success, 5 errors: rate well above threshold with enough data.
	a.RecordSuccess("provider_docker_create")
	for i := 0; i < 5; i++ {
		a.RecordError("provider_docker_create")
	}

	if !strings.Contains(buf.String(), "anomaly detected") {
		t.Error("high error rate should log an anomaly warning")
	}
}

func TestAnomalyDetector_QuietBelowMinimumSamples(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.1,
	}, logger)

	a.RecordError("op")
	a.RecordError("op")

	if strings.Contains(buf.String(), "anomaly detected") {
		t.Error("too few samples should not trigger a warning")
	}
}

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("op")
	a.RecordSuccess("op")
}

// --- HTTP middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(m, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sandboxes", nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	got := counterValue(t, m, "sanduku_http_requests_total", map[string]string{
		"method": "POST", "path": "/v1/sandboxes", "status_code": "201",
	})
	if got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// --- HealthChecker ---

func TestHealthChecker_LivenessAlwaysOK(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if got := h.CheckHealth(); got.Status != "ok" {
		t.Errorf("CheckHealth() = %q, want ok", got.Status)
	}
}

func TestHealthChecker_ReadyAggregates(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.AddCheck("redis", func(context.Context) error { return nil })
	h.AddCheck("storage", func(context.Context) error { return errors.New("connection refused") })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["redis"].Status != "ok" {
		t.Errorf("redis check = %+v, want ok", got.Checks["redis"])
	}
	if got.Checks["storage"].Status != "fail" {
		t.Errorf("storage check = %+v, want fail", got.Checks["storage"])
	}
}

func TestHealthChecker_ReadyNoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q, want ok with no checks", got.Status)
	}
}
