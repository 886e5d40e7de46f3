// Package metrics exposes detection and loop activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hed1ad/ocppguard/pkg/scoring"
)

const namespace = "ocppguard"

// Collector holds every metric. Create one per registry.
type Collector struct {
	gatherer prometheus.Gatherer

	recordsPolled     prometheus.Counter
	pollFailures      prometheus.Counter
	recordsSkipped    prometheus.Counter
	windowsScored     prometheus.Counter
	anomaliesDetected *prometheus.CounterVec
	reconstruction    prometheus.Histogram
	retrains          *prometheus.CounterVec
	retrainDuration   prometheus.Histogram
	trainingLoss      prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		gatherer: reg,
		recordsPolled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_polled_total",
			Help:      "Records fetched from the record source.",
		}),
		pollFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Failed record source polls.",
		}),
		recordsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records rejected by the feature extractor.",
		}),
		windowsScored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_scored_total",
			Help:      "Sequence windows scored by the autoencoder.",
		}),
		anomaliesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Anomalies detected, by level.",
		}, []string{"level"}),
		reconstruction: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_error",
			Help:      "Reconstruction error of scored windows.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 0.7, 0.9, 1, 2, 5},
		}),
		retrains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrains_total",
			Help:      "Incremental retrains, by result.",
		}, []string{"result"}),
		retrainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrain_duration_seconds",
			Help:      "Duration of incremental retrains.",
			Buckets:   prometheus.DefBuckets,
		}),
		trainingLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_loss",
			Help:      "Final epoch loss of the last successful training run.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// ObservePoll records one poll.
func (c *Collector) ObservePoll(records int, err error) {
	if err != nil {
		c.pollFailures.Inc()
		return
	}
	c.recordsPolled.Add(float64(records))
}

// ObserveReport records the outcome of one Detect call.
func (c *Collector) ObserveReport(r *scoring.Report) {
	if r == nil {
		return
	}
	c.recordsSkipped.Add(float64(r.Skipped))
	c.windowsScored.Add(float64(r.Windows))
	for _, v := range r.Verdicts {
		if !v.Scored {
			continue
		}
		c.reconstruction.Observe(v.Score.Value)
		if v.Score.IsAnomaly {
			c.anomaliesDetected.WithLabelValues(string(v.Score.Level)).Inc()
		}
	}
}

// ObserveRetrain records one retrain attempt.
func (c *Collector) ObserveRetrain(d time.Duration, loss float64, err error) {
	if err != nil {
		c.retrains.WithLabelValues("error").Inc()
		return
	}
	c.retrains.WithLabelValues("ok").Inc()
	c.retrainDuration.Observe(d.Seconds())
	c.trainingLoss.Set(loss)
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, endpoint string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
