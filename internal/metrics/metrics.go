// Package metrics holds the pipeline's prometheus instruments.
// Labels carry identifiers and enum values only, never regulatory values.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "statute"

// Metrics is safe to use as a nil pointer; every method becomes a no-op
type Metrics struct {
	jobs             *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	claims           *prometheus.CounterVec
	ruleTransitions  *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	releases         prometheus.Counter
	releaseVersion   prometheus.Gauge
	bundleExports    *prometheus.CounterVec
	dualReads        *prometheus.CounterVec
	dualReadFields   *prometheus.CounterVec
	deactivated      prometheus.Counter
	sourceChecks     *prometheus.CounterVec
	needsRevalidate  prometheus.Gauge
	decayed          prometheus.Counter
	queueDepth       *prometheus.GaugeVec
	extractCacheHits *prometheus.CounterVec
}

// New registers all instruments with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: stage, outcome (ok, retried, dead_lettered)
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Stage jobs processed by outcome",
		}, []string{"stage", "outcome"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Stage job handling time",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 60},
		}, []string{"stage"}),
		// Labels: result (accepted, duplicate, rejected), reason
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "claims_total",
			Help:      "Extracted claims by validation result",
		}, []string{"result", "reason"}),
		ruleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "transitions_total",
			Help:      "Rule status transitions",
		}, []string{"from", "to"}),
		// Labels: event (opened, resolved, escalated), tie_break
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "conflicts_total",
			Help:      "Conflict records by lifecycle event",
		}, []string{"event", "tie_break"}),
		releases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "release",
			Name:      "published_total",
			Help:      "Rule releases published",
		}),
		releaseVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "release",
			Name:      "current_version",
			Help:      "Version of the latest published release",
		}),
		bundleExports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "release",
			Name:      "bundle_exports_total",
			Help:      "Release bundle exports by result",
		}, []string{"result"}),
		dualReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dual_reads_total",
			Help:      "Dual-read comparisons by table and result",
		}, []string{"table", "result"}),
		dualReadFields: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dual_read_field_mismatches_total",
			Help:      "Fields that differed between legacy and new store",
		}, []string{"table", "field"}),
		deactivated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "sources_deactivated_total",
			Help:      "Sources deactivated after repeated dead letters",
		}),
		sourceChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentinel",
			Name:      "checks_total",
			Help:      "Source fetches by result (changed, unchanged)",
		}, []string{"result"}),
		needsRevalidate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "decay",
			Name:      "rules_needing_revalidation",
			Help:      "Published rules below the revalidation floor",
		}),
		decayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decay",
			Name:      "rules_decayed_total",
			Help:      "Confidence decay applications",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Ready and delayed jobs per stage",
		}, []string{"stage"}),
		extractCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "model_cache_total",
			Help:      "Extraction model cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Job(stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(stage, outcome).Inc()
	m.jobDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) Claim(result, reason string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) RuleTransition(from, to string) {
	if m == nil {
		return
	}
	m.ruleTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Conflict(event, tieBreak string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(event, tieBreak).Inc()
}

func (m *Metrics) Release(version int64) {
	if m == nil {
		return
	}
	m.releases.Inc()
	m.releaseVersion.Set(float64(version))
}

func (m *Metrics) BundleExport(result string) {
	if m == nil {
		return
	}
	m.bundleExports.WithLabelValues(result).Inc()
}

// DualRead implements store.Recorder
func (m *Metrics) DualRead(table, result string, fields []string) {
	if m == nil {
		return
	}
	m.dualReads.WithLabelValues(table, result).Inc()
	for _, f := range fields {
		m.dualReadFields.WithLabelValues(table, f).Inc()
	}
}

func (m *Metrics) SourceDeactivated() {
	if m == nil {
		return
	}
	m.deactivated.Inc()
}

func (m *Metrics) SourceCheck(changed bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	m.sourceChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Decayed(n int) {
	if m == nil {
		return
	}
	m.decayed.Add(float64(n))
}

func (m *Metrics) NeedsRevalidation(n int) {
	if m == nil {
		return
	}
	m.needsRevalidate.Set(float64(n))
}

func (m *Metrics) QueueDepth(stage string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(stage).Set(float64(n))
}

func (m *Metrics) ModelCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.extractCacheHits.WithLabelValues(result).Inc()
}
