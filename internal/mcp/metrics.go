package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

const instrumentationName = "github.com/fyrsmithlabs/fixd/internal/mcp"

// toolMetrics records tool calls on an OpenTelemetry meter.
type toolMetrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &toolMetrics{}
	var err error
	if m.calls, err = meter.Int64Counter("fixd.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("creating tool call counter", zap.Error(err))
	}
	if m.failures, err = meter.Int64Counter("fixd.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool and reason"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("creating tool failure counter", zap.Error(err))
	}
	// Missions and diagnostics run for seconds, so the buckets reach a minute.
	if m.latency, err = meter.Float64Histogram("fixd.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		logger.Warn("creating tool latency histogram", zap.Error(err))
	}
	if m.inflight, err = meter.Int64UpDownCounter("fixd.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in progress"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("creating in-flight gauge", zap.Error(err))
	}
	return m
}

// begin marks a call to tool as in flight. The returned func ends it.
func (m *toolMetrics) begin(ctx context.Context, tool string) func(error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// failureReason maps err to a bounded label value.
func failureReason(err error) string {
	var stageErr *mission.StageError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, errNoArtifacts),
		errors.Is(err, reasoning.ErrEmptyProblem),
		errors.Is(err, diagnostic.ErrEmptyProblem),
		errors.Is(err, audit.ErrInvalidSessionRef):
		return "invalid_input"
	case errors.Is(err, sessionlog.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		return "not_found"
	case errors.As(err, &stageErr):
		return "mission_" + string(stageErr.Stage)
	case errors.Is(err, artifact.ErrOutsideRoot), errors.Is(err, artifact.ErrReadOnly):
		return "artifact_access"
	default:
		return "internal"
	}
}
