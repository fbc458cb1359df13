// Package observe provides application-wide observability primitives for
// Caucus: OpenTelemetry metrics, tracing, the structured event log the
// moderator pipeline emits, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Caucus metrics.
const meterName = "github.com/leverlabs/caucus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SpeakDuration tracks how long a moderator utterance takes from
	// synthesis start to playback end.
	SpeakDuration metric.Float64Histogram

	// TurnDuration tracks full turn length from TURN_START to TURN_END.
	TurnDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsCompleted counts finished turns. Use with attribute:
	//   attribute.String("reason", ...) — answer, silence_skip, wrapup,
	//   repeat, external, session_ended.
	TurnsCompleted metric.Int64Counter

	// SilencePrompts counts silence nudges spoken to unresponsive
	// participants.
	SilencePrompts metric.Int64Counter

	// SilenceSkips counts participants skipped after the grace window.
	SilenceSkips metric.Int64Counter

	// Wrapups counts wrapup prompts issued when an answer ran long.
	Wrapups metric.Int64Counter

	// QuestionsAsked counts questions delivered, by type.
	QuestionsAsked metric.Int64Counter

	// ProviderErrors counts speech-provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live focus-group sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks connected participants across all sessions.
	ActiveParticipants metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// spoken-turn durations rather than typical request latencies.
var latencyBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 60, 90,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SpeakDuration, err = m.Float64Histogram("caucus.speak.duration",
		metric.WithDescription("Duration of a moderator utterance, synthesis through playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("caucus.turn.duration",
		metric.WithDescription("Duration of a participant turn from start to outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("caucus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.TurnsCompleted, err = m.Int64Counter("caucus.turns.completed",
		metric.WithDescription("Total completed turns by end reason."),
	); err != nil {
		return nil, err
	}
	if met.SilencePrompts, err = m.Int64Counter("caucus.silence.prompts",
		metric.WithDescription("Total silence nudges spoken."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSkips, err = m.Int64Counter("caucus.silence.skips",
		metric.WithDescription("Total participants skipped for silence."),
	); err != nil {
		return nil, err
	}
	if met.Wrapups, err = m.Int64Counter("caucus.wrapups",
		metric.WithDescription("Total wrapup prompts issued."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsAsked, err = m.Int64Counter("caucus.questions.asked",
		metric.WithDescription("Total questions delivered by type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("caucus.provider.errors",
		metric.WithDescription("Total speech-provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("caucus.active_sessions",
		metric.WithDescription("Number of live focus-group sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("caucus.active_participants",
		metric.WithDescription("Number of connected participants across all sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurnEnd records a completed turn with its end reason and duration in
// seconds.
func (m *Metrics) RecordTurnEnd(ctx context.Context, reason string, seconds float64) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.TurnDuration.Record(ctx, seconds)
}

// RecordQuestionAsked records a delivered question by type.
func (m *Metrics) RecordQuestionAsked(ctx context.Context, questionType string) {
	m.QuestionsAsked.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", questionType)),
	)
}

// RecordProviderError records a speech-provider error by provider and kind.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
