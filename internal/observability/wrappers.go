package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/validator"
)

// --- InstrumentedAdapter ---

// InstrumentedAdapter wraps a provider.Adapter with metrics, tracing, and
// anomaly detection.
type InstrumentedAdapter struct {
	inner   provider.Adapter
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedAdapter wraps a provider adapter with observability.
func NewInstrumentedAdapter(inner provider.Adapter, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAdapter {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAdapter{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (a *InstrumentedAdapter) Name() string { return a.inner.Name() }

func (a *InstrumentedAdapter) Create(ctx context.Context, req provider.CreateRequest) (*provider.Handle, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "provider.create",
			trace.WithAttributes(
				attribute.String("provider.name", a.inner.Name()),
			))
		defer span.End()
	}

	h, err := a.inner.Create(ctx, req)
	a.recordSpanError(ctx, err)

	if a.metrics != nil {
		a.metrics.SandboxCreationsTotal.WithLabelValues(a.inner.Name(), statusOf(err)).Inc()
	}
	a.recordAnomaly("create", err)
	return h, err
}

func (a *InstrumentedAdapter) Connect(ctx context.Context, providerID string) (*provider.Handle, error) {
	h, err := a.inner.Connect(ctx, providerID)
	a.recordOp("connect", err)
	return h, err
}

func (a *InstrumentedAdapter) RunCommand(ctx context.Context, h *provider.Handle, req provider.CommandRequest) (*provider.CommandResult, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "provider.run_command",
			trace.WithAttributes(
				attribute.String("provider.name", a.inner.Name()),
				attribute.String("sandbox.provider_id", h.ProviderID),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := a.inner.RunCommand(ctx, h, req)
	duration := time.Since(start).Seconds()

	a.recordSpanError(ctx, err)
	if err == nil && result != nil && result.ExitCode != 0 && a.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int("command.exit_code", result.ExitCode))
	}

	if a.metrics != nil {
		status := statusOf(err)
		if err == nil && result != nil && result.ExitCode != 0 {
			status = "nonzero_exit"
		}
		a.metrics.CommandExecutionsTotal.WithLabelValues(a.inner.Name(), status).Inc()
		a.metrics.CommandExecutionDuration.WithLabelValues(a.inner.Name()).Observe(duration)
	}
	a.recordAnomaly("run_command", err)
	return result, err
}

func (a *InstrumentedAdapter) ReadFile(ctx context.Context, h *provider.Handle, path string) (string, error) {
	content, err := a.inner.ReadFile(ctx, h, path)
	a.recordOp("read_file", err)
	return content, err
}

func (a *InstrumentedAdapter) WriteFile(ctx context.Context, h *provider.Handle, path, content string) error {
	err := a.inner.WriteFile(ctx, h, path, content)
	a.recordOp("write_file", err)
	return err
}

func (a *InstrumentedAdapter) Pause(ctx context.Context, h *provider.Handle) error {
	err := a.inner.Pause(ctx, h)
	a.recordOp("pause", err)
	return err
}

func (a *InstrumentedAdapter) Stop(ctx context.Context, h *provider.Handle) error {
	err := a.inner.Stop(ctx, h)
	a.recordOp("stop", err)
	return err
}

func (a *InstrumentedAdapter) Delete(ctx context.Context, providerID string) error {
	err := a.inner.Delete(ctx, providerID)
	a.recordOp("delete", err)
	return err
}

func (a *InstrumentedAdapter) ExposePort(ctx context.Context, h *provider.Handle, port int) (string, error) {
	url, err := a.inner.ExposePort(ctx, h, port)
	a.recordOp("expose_port", err)
	return url, err
}

func (a *InstrumentedAdapter) Health(ctx context.Context) error {
	return a.inner.Health(ctx)
}

func (a *InstrumentedAdapter) recordOp(op string, err error) {
	if a.metrics != nil {
		a.metrics.SandboxOperationsTotal.WithLabelValues(op, statusOf(err)).Inc()
	}
	a.recordAnomaly(op, err)
}

func (a *InstrumentedAdapter) recordAnomaly(op string, err error) {
	if a.anomaly == nil {
		return
	}
	key := "provider_" + a.inner.Name() + "_" + op
	if err != nil {
		a.anomaly.RecordError(key)
	} else {
		a.anomaly.RecordSuccess(key)
	}
}

func (a *InstrumentedAdapter) recordSpanError(ctx context.Context, err error) {
	if err == nil || a.tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// --- InstrumentedToolCaller ---

// ToolCaller is the MCP registry surface being instrumented.
type ToolCaller interface {
	CallTool(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// InstrumentedToolCaller wraps an MCP tool caller with metrics, tracing,
// and anomaly detection.
type InstrumentedToolCaller struct {
	inner   ToolCaller
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedToolCaller wraps a tool caller with observability.
func NewInstrumentedToolCaller(inner ToolCaller, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedToolCaller {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedToolCaller{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (t *InstrumentedToolCaller) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "mcp.call_tool",
			trace.WithAttributes(
				attribute.String("mcp.tool", toolName),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := t.inner.CallTool(ctx, toolName, args)
	duration := time.Since(start).Seconds()

	if err != nil && t.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if t.metrics != nil {
		t.metrics.ToolCallsTotal.WithLabelValues(toolName, statusOf(err)).Inc()
		t.metrics.ToolCallDuration.WithLabelValues(toolName).Observe(duration)
	}

	if t.anomaly != nil {
		if err != nil {
			t.anomaly.RecordError("tool_" + toolName)
		} else {
			t.anomaly.RecordSuccess("tool_" + toolName)
		}
	}

	return out, err
}

// --- InstrumentedValidator ---

// CodeValidator is the validation surface being instrumented.
type CodeValidator interface {
	Validate(code string) error
}

// InstrumentedValidator wraps a code validator with accept/reject metrics.
type InstrumentedValidator struct {
	inner   CodeValidator
	metrics *MetricsCollector
}

// NewInstrumentedValidator wraps a validator with observability.
func NewInstrumentedValidator(inner CodeValidator, metrics *MetricsCollector) *InstrumentedValidator {
	return &InstrumentedValidator{inner: inner, metrics: metrics}
}

func (v *InstrumentedValidator) Validate(code string) error {
	err := v.inner.Validate(code)
	if v.metrics != nil {
		result := "accepted"
		if err != nil {
			result = "rejected"
		}
		v.metrics.ValidationChecksTotal.WithLabelValues(result).Inc()
	}
	return err
}

// --- Compile-time interface checks ---

var (
	_ provider.Adapter = (*InstrumentedAdapter)(nil)
	_ ToolCaller       = (*InstrumentedToolCaller)(nil)
	_ CodeValidator    = (*InstrumentedValidator)(nil)
	_ CodeValidator    = (*validator.Validator)(nil)
)

// statusOf returns the metric status label for an error.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
