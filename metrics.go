package admitsim

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors an experiment updates as its
// replications finish
type Metrics struct {
	Replications  *prometheus.CounterVec
	Arrivals      *prometheus.CounterVec
	Rejections    *prometheus.CounterVec
	BlockingRatio *prometheus.GaugeVec
	Duration      *prometheus.HistogramVec
}

// CreateMetrics registers the collectors against reg, defaulting to the global
// Prometheus registry when nil.  Collectors already registered under the same
// names are reused.
func CreateMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	replications, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admitsim_replications_total",
		Help: "Replications completed, by policy.",
	}, []string{"policy"}))
	if err != nil {
		return nil, err
	}
	arrivals, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admitsim_arrivals_total",
		Help: "Service arrivals processed, by policy.",
	}, []string{"policy"}))
	if err != nil {
		return nil, err
	}
	rejections, err := registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admitsim_rejections_total",
		Help: "Service arrivals rejected, by policy.",
	}, []string{"policy"}))
	if err != nil {
		return nil, err
	}

	blocking := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admitsim_blocking_ratio",
		Help: "Blocking ratio of the most recently completed replication, by policy and load.",
	}, []string{"policy", "load"})
	if blocking, err = registerCollector(reg, blocking); err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admitsim_replication_duration_seconds",
		Help:    "Wall-clock time spent running one replication.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"policy"})
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}

	return &Metrics{
		Replications:  replications,
		Arrivals:      arrivals,
		Rejections:    rejections,
		BlockingRatio: blocking,
		Duration:      duration,
	}, nil
}

// registerCollector registers c, or returns the collector of the same type
// already registered in its place
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ObserveReplication records one finished replication.  A nil Metrics does nothing.
func (m *Metrics) ObserveReplication(summary *ReplicationSummary, elapsed time.Duration) {
	if m == nil {
		return
	}
	load := strconv.FormatFloat(summary.Load, 'g', -1, 64)
	m.Replications.WithLabelValues(summary.Policy).Inc()
	m.Arrivals.WithLabelValues(summary.Policy).Add(float64(summary.ProcessedArrivals))
	m.Rejections.WithLabelValues(summary.Policy).Add(float64(summary.RejectedServices))
	m.BlockingRatio.WithLabelValues(summary.Policy, load).Set(summary.BlockingRatio)
	m.Duration.WithLabelValues(summary.Policy).Observe(elapsed.Seconds())
}
