package discover

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hydra.discover")

var (
	identityReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_identity_reads_total",
		Help: "Bounded identity-register reads by phase and result",
	}, []string{"phase", "result"})

	linksRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_links_total",
		Help: "Directed links recorded by phase and verdict",
	}, []string{"phase", "verdict"})

	replans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hydra_replans_total",
		Help: "Full bus resets followed by a new plan after a failed verification",
	})

	probeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_probe_candidates_total",
		Help: "Probe candidates by outcome",
	}, []string{"outcome"})

	restoreResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_restore_total",
		Help: "Post-probe restorations by result",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hydra_run_duration_seconds",
		Help:    "Duration of complete discovery runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)

func recordIdentityRead(phase string, ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	identityReads.WithLabelValues(phase, result).Inc()
}

func recordLink(phase string, good bool) {
	verdict := "good"
	if !good {
		verdict = "excluded"
	}
	linksRecorded.WithLabelValues(phase, verdict).Inc()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
