package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CloudWatchAPI is the subset of the CloudWatch client used for fallback alarms.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics holds the engine's Prometheus collectors on a private registry.
// Fallbacks are additionally pushed to CloudWatch when a client is set,
// since they signal degraded sync with the server.
type Metrics struct {
	registry *prometheus.Registry

	RemoteCalls    *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	Fallbacks      *prometheus.CounterVec
	Submissions    *prometheus.CounterVec
	CacheReads     *prometheus.CounterVec

	cloudwatch CloudWatchAPI
	namespace  string
	logger     *zap.Logger
}

// NewMetrics creates and registers the collectors. cw may be nil.
func NewMetrics(namespace string, cw CloudWatchAPI, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RemoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Remote API calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Remote API call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Degraded paths taken, by kind",
		}, []string{"kind"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submitted messages by resulting transition",
		}, []string{"transition"}),
		CacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Read-through lookups by result",
		}, []string{"result"}),
		cloudwatch: cw,
		namespace:  namespace,
		logger:     logger,
	}
	m.registry.MustRegister(m.RemoteCalls, m.RemoteDuration, m.Fallbacks, m.Submissions, m.CacheReads)
	return m
}

// Registry exposes the collectors for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordRemoteCall(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.RemoteCalls.WithLabelValues(operation, outcome).Inc()
	m.RemoteDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) RecordSubmission(transition string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(transition).Inc()
}

// RecordCacheRead counts read-through results: hit, miss, stale.
func (m *Metrics) RecordCacheRead(result string) {
	if m == nil {
		return
	}
	m.CacheReads.WithLabelValues(result).Inc()
}

// RecordFallback counts a degraded path and forwards it to CloudWatch.
func (m *Metrics) RecordFallback(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(kind).Inc()
	if m.cloudwatch == nil {
		return
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String("Fallbacks"),
			Dimensions: []types.Dimension{{Name: aws.String("Kind"), Value: aws.String(kind)}},
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
		}},
	}
	if _, err := m.cloudwatch.PutMetricData(ctx, input); err != nil {
		m.logger.Warn("Failed to send fallback metric", zap.String("kind", kind), zap.Error(err))
	}
}
