// Package telemetry provides domain.Telemetry sinks beyond the status
// ledger.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Metrics exports job progress and status transitions to Prometheus.
type Metrics struct {
	progress *prometheus.GaugeVec
	statuses *prometheus.CounterVec
}

var _ domain.Telemetry = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fetcher",
			Name:      "job_progress_percent",
			Help:      "Latest reported progress of in-flight jobs.",
		}, []string{"job_id", "stage"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetcher",
			Name:      "job_status_total",
			Help:      "Job status transitions by status.",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.progress, m.statuses} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) EmitProgress(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	// One series per job: the previous stage's gauge is dropped.
	m.progress.DeletePartialMatch(prometheus.Labels{"job_id": jobID})
	m.progress.WithLabelValues(jobID, string(stage)).Set(float64(percent))
	return nil
}

func (m *Metrics) EmitStatus(ctx context.Context, jobID string, status domain.Status, detail string) error {
	m.statuses.WithLabelValues(string(status)).Inc()
	if status.Terminal() {
		m.progress.DeletePartialMatch(prometheus.Labels{"job_id": jobID})
	}
	return nil
}
