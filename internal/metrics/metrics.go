package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Entitlement and quota
	EntitlementDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_decisions_total",
			Help: "Entitlement decisions by reason code",
		},
		[]string{"reason"},
	)
	BandwidthConsumedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_bandwidth_consumed_bytes_total",
			Help: "Bytes charged against subscription bandwidth quotas",
		},
	)
	QuotaConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_update_conflicts_total",
			Help: "Optimistic concurrency conflicts on quota counters",
		},
		[]string{"outcome"},
	)
	QuotaResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_window_resets_total",
			Help: "Quota window resets by window kind",
		},
		[]string{"window"},
	)

	// Download sessions
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_session_transitions_total",
			Help: "Download session state transitions",
		},
		[]string{"from", "to"},
	)
	ExpirySweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_session_expiry_sweeps_total",
			Help: "Background expiry sweeps by result",
		},
		[]string{"result"},
	)

	// Coupons
	CouponValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_validations_total",
			Help: "Coupon validations by result code",
		},
		[]string{"result"},
	)
	CouponLockouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coupon_lockouts_total",
			Help: "Coupons locked after repeated failed attempts",
		},
	)

	// Rate limiting
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Rate limiter hits by action",
		},
		[]string{"action"},
	)
	RateLimitBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_blocked_total",
			Help: "Requests rejected by the rate limiter by action",
		},
		[]string{"action"},
	)
)

var initOnce sync.Once

func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(HTTPRequestsInFlight)

		prometheus.MustRegister(EntitlementDecisions)
		prometheus.MustRegister(BandwidthConsumedBytes)
		prometheus.MustRegister(QuotaConflicts)
		prometheus.MustRegister(QuotaResets)

		prometheus.MustRegister(SessionTransitions)
		prometheus.MustRegister(ExpirySweeps)

		prometheus.MustRegister(CouponValidations)
		prometheus.MustRegister(CouponLockouts)

		prometheus.MustRegister(RateLimitHits)
		prometheus.MustRegister(RateLimitBlocked)

		prometheus.MustRegister(collectors.NewGoCollector())
		prometheus.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
