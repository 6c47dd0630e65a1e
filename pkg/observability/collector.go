package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
)

const namespace = "promoverify"

// QueueStatser reports per-kind queue counters.
type QueueStatser interface {
	Stats(ctx context.Context) ([]queue.Stats, error)
}

// BreakerStatser reports the stats of every known breaker.
type BreakerStatser interface {
	Stats() map[string]breaker.Stats
}

// LimiterSnapshotter reports every created limiter.
type LimiterSnapshotter interface {
	Snapshots(ctx context.Context) []ratelimit.Snapshot
}

// StatsCollector exposes queue, breaker and limiter state as Prometheus
// gauges, read on every scrape. Any source may be nil.
type StatsCollector struct {
	queue    QueueStatser
	breakers BreakerStatser
	limiters LimiterSnapshotter
	timeout  time.Duration
	logger   *slog.Logger

	jobs            *prometheus.Desc
	breakerState    *prometheus.Desc
	breakerFailures *prometheus.Desc
	breakerRequests *prometheus.Desc
	breakerRejected *prometheus.Desc
	breakerUptime   *prometheus.Desc
	limiterTokens   *prometheus.Desc
	limiterAllowed  *prometheus.Desc
	limiterDenied   *prometheus.Desc
}

func NewStatsCollector(q QueueStatser, b BreakerStatser, l LimiterSnapshotter) *StatsCollector {
	return &StatsCollector{
		queue:    q,
		breakers: b,
		limiters: l,
		timeout:  5 * time.Second,
		logger:   slog.Default().With("component", "stats_collector"),

		jobs: prometheus.NewDesc(namespace+"_queue_jobs",
			"Jobs per kind and state.", []string{"kind", "state"}, nil),
		breakerState: prometheus.NewDesc(namespace+"_breaker_state",
			"Circuit breaker state: 0 closed, 1 open, 2 half-open.", []string{"breaker"}, nil),
		breakerFailures: prometheus.NewDesc(namespace+"_breaker_consecutive_failures",
			"Consecutive failures counted towards the threshold.", []string{"breaker"}, nil),
		breakerRequests: prometheus.NewDesc(namespace+"_breaker_requests_total",
			"Calls executed through the breaker.", []string{"breaker", "result"}, nil),
		breakerRejected: prometheus.NewDesc(namespace+"_breaker_rejected_total",
			"Calls rejected without executing.", []string{"breaker"}, nil),
		breakerUptime: prometheus.NewDesc(namespace+"_breaker_uptime_ratio",
			"Share of executed calls that succeeded.", []string{"breaker"}, nil),
		limiterTokens: prometheus.NewDesc(namespace+"_ratelimit_available",
			"Requests currently available.", []string{"identifier", "strategy"}, nil),
		limiterAllowed: prometheus.NewDesc(namespace+"_ratelimit_allowed_total",
			"Requests admitted.", []string{"identifier"}, nil),
		limiterDenied: prometheus.NewDesc(namespace+"_ratelimit_denied_total",
			"Requests denied.", []string{"identifier"}, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.breakerState
	ch <- c.breakerFailures
	ch <- c.breakerRequests
	ch <- c.breakerRejected
	ch <- c.breakerUptime
	ch <- c.limiterTokens
	ch <- c.limiterAllowed
	ch <- c.limiterDenied
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if c.queue != nil {
		stats, err := c.queue.Stats(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "queue stats unavailable", "error", err)
			ch <- prometheus.NewInvalidMetric(c.jobs, fmt.Errorf("queue stats: %w", err))
		}
		for _, s := range stats {
			kind := string(s.Kind)
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Waiting), kind, "waiting")
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Delayed), kind, "delayed")
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Active), kind, "active")
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Completed), kind, "completed")
			ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(s.Failed), kind, "failed")
		}
	}

	if c.breakers != nil {
		for name, s := range c.breakers.Stats() {
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(s.State), name)
			ch <- prometheus.MustNewConstMetric(c.breakerFailures, prometheus.GaugeValue, float64(s.FailureCount), name)
			ch <- prometheus.MustNewConstMetric(c.breakerRequests, prometheus.CounterValue, float64(s.SuccessCount), name, "success")
			ch <- prometheus.MustNewConstMetric(c.breakerRequests, prometheus.CounterValue, float64(s.TotalFailures), name, "failure")
			ch <- prometheus.MustNewConstMetric(c.breakerRejected, prometheus.CounterValue, float64(s.Rejected), name)
			ch <- prometheus.MustNewConstMetric(c.breakerUptime, prometheus.GaugeValue, s.UptimePercent/100, name)
		}
	}

	if c.limiters != nil {
		for _, s := range c.limiters.Snapshots(ctx) {
			ch <- prometheus.MustNewConstMetric(c.limiterTokens, prometheus.GaugeValue, s.Available, s.Identifier, string(s.Strategy))
			ch <- prometheus.MustNewConstMetric(c.limiterAllowed, prometheus.CounterValue, float64(s.Allowed), s.Identifier)
			ch <- prometheus.MustNewConstMetric(c.limiterDenied, prometheus.CounterValue, float64(s.Denied), s.Identifier)
		}
	}
}

// JobMetrics counts finished job attempts. Observe matches queue.ResultFunc
// so it can be installed directly as a pool's result hook.
type JobMetrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewJobMetrics() *JobMetrics {
	return &JobMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_attempts_total",
			Help:      "Finished job attempts by kind and result.",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler run time per job attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *JobMetrics) Observe(kind queue.Kind, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.attempts.WithLabelValues(string(kind), result).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Register adds the collectors to reg.
func Register(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *JobMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.attempts.Describe(ch)
	m.duration.Describe(ch)
}

func (m *JobMetrics) Collect(ch chan<- prometheus.Metric) {
	m.attempts.Collect(ch)
	m.duration.Collect(ch)
}
