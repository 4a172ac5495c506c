// Package metrics counts migration outcomes with Prometheus collectors.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the run metrics on a private registry. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	Migrations *prometheus.CounterVec
	Statements *prometheus.CounterVec
	Duration   prometheus.Histogram
}

// New creates a Recorder with its own Prometheus registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstep",
			Name:      "migrations_total",
			Help:      "Migration files processed, by outcome",
		}, []string{"status"}),
		Statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstep",
			Name:      "statements_total",
			Help:      "Statements executed, by outcome",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqlstep",
			Name:      "migration_duration_seconds",
			Help:      "Duration of migration files in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.Migrations, r.Statements, r.Duration)
	return r
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Migration records one file outcome: done, failed or skipped.
func (r *Recorder) Migration(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.Migrations.WithLabelValues(status).Inc()
	if status != "skipped" {
		r.Duration.Observe(d.Seconds())
	}
}

// Statement records one statement outcome: ok, benign or fatal.
func (r *Recorder) Statement(outcome string) {
	if r == nil {
		return
	}
	r.Statements.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the metrics in the text exposition format for the
// node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
