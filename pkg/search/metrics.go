package search

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/6chenhua/research-agent-backend/pkg/search"

// MetricsSnapshot is a point-in-time copy of the search counters.
type MetricsSnapshot struct {
	TotalRequests      int64       `json:"total_requests"`
	ActiveRequests     int64       `json:"active_requests"`
	SuccessfulRequests int64       `json:"successful_requests"`
	FailedRequests     int64       `json:"failed_requests"`
	Timeouts           int64       `json:"timeouts"`
	SlowQueries        int64       `json:"slow_queries"`
	Escalations        int64       `json:"escalations"`
	ActiveUsers        int         `json:"active_users"`
	TopUsers           []UserCount `json:"top_users"`
}

// UserCount is a user with the number of searches they issued.
type UserCount struct {
	UserID   string `json:"user_id"`
	Requests int64  `json:"requests"`
}

// Metrics counts searches. Counters are kept locally for the stats endpoint
// and mirrored to OpenTelemetry instruments.
type Metrics struct {
	total       atomic.Int64
	active      atomic.Int64
	successful  atomic.Int64
	failed      atomic.Int64
	timeouts    atomic.Int64
	slow        atomic.Int64
	escalations atomic.Int64

	mu      sync.Mutex
	perUser map[string]int64

	requests   metric.Int64Counter
	failures   metric.Int64Counter
	timeoutCnt metric.Int64Counter
	escalated  metric.Int64Counter
	inflight   metric.Int64UpDownCounter
	duration   metric.Float64Histogram
}

// NewMetrics creates counters backed by meter. A nil meter uses the global
// meter provider.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	m := &Metrics{perUser: make(map[string]int64)}

	// instrument creation only fails for invalid names; the no-op fallbacks
	// returned alongside the error are still usable
	m.requests, _ = meter.Int64Counter("search.requests",
		metric.WithDescription("Number of searches started"),
		metric.WithUnit("1"))
	m.failures, _ = meter.Int64Counter("search.failures",
		metric.WithDescription("Number of searches that returned an error"),
		metric.WithUnit("1"))
	m.timeoutCnt, _ = meter.Int64Counter("search.namespace_timeouts",
		metric.WithDescription("Number of per-namespace searches that hit their deadline"),
		metric.WithUnit("1"))
	m.escalated, _ = meter.Int64Counter("search.escalations",
		metric.WithDescription("Number of external enrichment jobs triggered by low coverage"),
		metric.WithUnit("1"))
	m.inflight, _ = meter.Int64UpDownCounter("search.active",
		metric.WithDescription("Searches currently in flight"),
		metric.WithUnit("1"))
	m.duration, _ = meter.Float64Histogram("search.duration",
		metric.WithDescription("Search latency in milliseconds"),
		metric.WithUnit("ms"))
	return m
}

func (m *Metrics) begin(ctx context.Context, userID string) {
	m.total.Add(1)
	m.active.Add(1)
	m.mu.Lock()
	m.perUser[userID]++
	m.mu.Unlock()
	if m.requests != nil {
		m.requests.Add(ctx, 1)
		m.inflight.Add(ctx, 1)
	}
}

func (m *Metrics) end(ctx context.Context, elapsed time.Duration, slow bool, err error) {
	m.active.Add(-1)
	if err != nil {
		m.failed.Add(1)
	} else {
		m.successful.Add(1)
	}
	if slow {
		m.slow.Add(1)
	}
	if m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, -1)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("search.failed", err != nil), attribute.Bool("search.slow", slow)))
	if err != nil {
		m.failures.Add(ctx, 1)
	}
}

func (m *Metrics) timeout(ctx context.Context, namespace string) {
	m.timeouts.Add(1)
	if m.timeoutCnt != nil {
		m.timeoutCnt.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
	}
}

func (m *Metrics) escalation(ctx context.Context) {
	m.escalations.Add(1)
	if m.escalated != nil {
		m.escalated.Add(ctx, 1)
	}
}

// Snapshot returns the current counters with the ten most active users.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		TotalRequests:      m.total.Load(),
		ActiveRequests:     m.active.Load(),
		SuccessfulRequests: m.successful.Load(),
		FailedRequests:     m.failed.Load(),
		Timeouts:           m.timeouts.Load(),
		SlowQueries:        m.slow.Load(),
		Escalations:        m.escalations.Load(),
	}

	m.mu.Lock()
	s.ActiveUsers = len(m.perUser)
	for id, n := range m.perUser {
		s.TopUsers = append(s.TopUsers, UserCount{UserID: id, Requests: n})
	}
	m.mu.Unlock()

	sort.Slice(s.TopUsers, func(i, j int) bool {
		if s.TopUsers[i].Requests != s.TopUsers[j].Requests {
			return s.TopUsers[i].Requests > s.TopUsers[j].Requests
		}
		return s.TopUsers[i].UserID < s.TopUsers[j].UserID
	})
	if len(s.TopUsers) > 10 {
		s.TopUsers = s.TopUsers[:10]
	}
	return s
}
