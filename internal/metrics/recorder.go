// Package metrics exposes Prometheus instruments for the versioning layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the versioning layer's instruments. A nil *Recorder records
// nothing, so callers never need to check for one.
type Recorder struct {
	VersionsWritten *prometheus.CounterVec
	WriteFailures   *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
}

// NewRecorder creates the instruments and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		VersionsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versions_written_total",
				Help: "Total number of versions committed",
			},
			[]string{"event", "item_type"},
		),
		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "version_write_failures_total",
				Help: "Total number of tracked mutations rolled back",
			},
			[]string{"item_type"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "history_query_duration_seconds",
				Help:    "Duration of history queries",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"query"},
		),
	}

	for _, collector := range []prometheus.Collector{r.VersionsWritten, r.WriteFailures, r.QueryDuration} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// VersionWritten counts a committed version.
func (r *Recorder) VersionWritten(event, itemType string) {
	if r == nil {
		return
	}
	r.VersionsWritten.WithLabelValues(event, itemType).Inc()
}

// WriteFailed counts a rolled back tracked mutation.
func (r *Recorder) WriteFailed(itemType string) {
	if r == nil {
		return
	}
	r.WriteFailures.WithLabelValues(itemType).Inc()
}

// ObserveQuery records the time since start under the query label.
func (r *Recorder) ObserveQuery(query string, start time.Time) {
	if r == nil {
		return
	}
	r.QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
