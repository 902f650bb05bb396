// Package observe provides observability primitives for rescuevox:
// OpenTelemetry metrics, tracing helpers, a trace-aware logger, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping via [InitProvider]. [DefaultMetrics] is backed by the
// global meter provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all rescuevox metrics.
const meterName = "github.com/MrWong99/rescuevox"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks the time from Connect to the channel opening
	// (or failing). Attribute: status.
	ConnectDuration metric.Float64Histogram

	// CaptureFrames counts microphone frames by outcome
	// (sent, dropped, failed).
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound speech chunks by status
	// (scheduled, decode_error, schedule_error).
	PlaybackChunks metric.Int64Counter

	// PlaybackAudio sums the duration of scheduled speech.
	PlaybackAudio metric.Float64Counter

	// Interruptions counts barge-in flushes.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ReportsSubmitted counts drafts handed to the report sink.
	ReportsSubmitted metric.Int64Counter

	// ReportsResolved counts resolved reports. Attribute: location_source.
	ReportsResolved metric.Int64Counter

	// SessionErrors counts session failures. Attribute: kind
	// (permission, connection, timeout, remote_close, audio).
	SessionErrors metric.Int64Counter

	// ActiveSessions is 1 while a session holds device resources.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets are histogram boundaries in seconds for channel setup.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("rescuevox.session.connect.duration",
		metric.WithDescription("Time from connect request to channel open or failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CaptureFrames, err = m.Int64Counter("rescuevox.capture.frames",
		metric.WithDescription("Microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("rescuevox.playback.chunks",
		metric.WithDescription("Inbound speech chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackAudio, err = m.Float64Counter("rescuevox.playback.audio",
		metric.WithDescription("Total duration of scheduled speech."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("rescuevox.playback.interruptions",
		metric.WithDescription("Playback flushes caused by caller barge-in."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("rescuevox.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ReportsSubmitted, err = m.Int64Counter("rescuevox.reports.submitted",
		metric.WithDescription("Report drafts emitted by the session."),
	); err != nil {
		return nil, err
	}
	if met.ReportsResolved, err = m.Int64Counter("rescuevox.reports.resolved",
		metric.WithDescription("Resolved reports by location source."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("rescuevox.session.errors",
		metric.WithDescription("Session failures by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("rescuevox.active_sessions",
		metric.WithDescription("Sessions currently holding audio devices."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("rescuevox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider] so the
// instruments bind to the exporting provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCaptureFrame counts one microphone frame.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordPlaybackChunk counts one inbound speech chunk.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordToolCall counts one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			Attr("tool", tool),
			Attr("status", status),
		),
	)
}

// RecordSessionError counts one session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordReportResolved counts one resolved report.
func (m *Metrics) RecordReportResolved(ctx context.Context, source string) {
	m.ReportsResolved.Add(ctx, 1, metric.WithAttributes(Attr("location_source", source)))
}
