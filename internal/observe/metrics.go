// Package observe records consultation drafting metrics through the
// OpenTelemetry metrics API. InitProvider bridges them to a Prometheus
// registry so they can be scraped from /metrics.
package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sjawhar/ghost-scribe/internal/speech"
)

const meterName = "github.com/sjawhar/ghost-scribe"

// Metrics implements draft.Observer. All instruments are safe for concurrent
// use.
type Metrics struct {
	DraftsStarted    metric.Int64Counter
	DraftsCancelled  metric.Int64Counter
	DraftsFinalized  metric.Int64Counter // attribute "outcome"
	MessagesAppended metric.Int64Counter // attribute "source"
	CaptureErrors    metric.Int64Counter // attribute "kind"

	AnalysisDuration metric.Float64Histogram // attribute "status"
	FinalizeDuration metric.Float64Histogram
}

// Backend calls and LLM completions sit in the 100ms to 30s range.
var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	counters := []struct {
		dst         *metric.Int64Counter
		name, descr string
	}{
		{&met.DraftsStarted, "ghost_scribe.drafts.started", "Consultation drafts started."},
		{&met.DraftsCancelled, "ghost_scribe.drafts.cancelled", "Consultation drafts cancelled or discarded."},
		{&met.DraftsFinalized, "ghost_scribe.drafts.finalized", "Finalize attempts by outcome."},
		{&met.MessagesAppended, "ghost_scribe.messages.appended", "Draft messages appended by source."},
		{&met.CaptureErrors, "ghost_scribe.capture.errors", "Speech capture errors by kind."},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.descr)); err != nil {
			return nil, err
		}
	}

	var err error
	if met.AnalysisDuration, err = m.Float64Histogram("ghost_scribe.analysis.duration",
		metric.WithDescription("Latency of draft analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeDuration, err = m.Float64Histogram("ghost_scribe.finalize.duration",
		metric.WithDescription("Latency of the backend completion call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

func (m *Metrics) DraftStarted() {
	m.DraftsStarted.Add(context.Background(), 1)
}

func (m *Metrics) DraftCancelled() {
	m.DraftsCancelled.Add(context.Background(), 1)
}

func (m *Metrics) MessageAppended(voice bool) {
	source := "text"
	if voice {
		source = "voice"
	}
	m.MessagesAppended.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) AnalysisFinished(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AnalysisDuration.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) FinalizeFinished(elapsed time.Duration, err error) {
	ctx := context.Background()
	m.FinalizeDuration.Record(ctx, elapsed.Seconds())
	m.DraftsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", finalizeOutcome(err))))
}

func (m *Metrics) CaptureError(kind speech.ErrorKind) {
	m.CaptureErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// finalizeOutcome separates backend rejections, which carry a message for the
// user, from transport failures.
func finalizeOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	var rejected interface{ UserMessage() string }
	if errors.As(err, &rejected) && rejected.UserMessage() != "" {
		return "rejected"
	}
	return "failed"
}
