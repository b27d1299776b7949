package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Match outcome labels. no_drivers and store_unavailable both surface to the
// caller as "no drivers available" and are only told apart here.
const (
	MatchClaimed          = "claimed"
	MatchNoDrivers        = "no_drivers"
	MatchAllBusy          = "all_busy"
	MatchStoreUnavailable = "store_unavailable"
)

// Metrics groups every collector the dispatch process exports. It is built
// once in main and handed to components, so tests can use a private registry.
type Metrics struct {
	MatchOutcomes  *prometheus.CounterVec
	MatchLatency   prometheus.Histogram
	LockContention prometheus.Counter
	AckOutcomes    *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	LocationEvents *prometheus.CounterVec
	MirrorRepairs  prometheus.Counter
	StoreErrors    *prometheus.CounterVec
	Sessions       *prometheus.GaugeVec
	OffersSwept    prometheus.Counter
	DriversReaped  prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MatchOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_outcomes_total", Help: "Matching attempts by outcome"},
			[]string{"outcome"},
		),
		MatchLatency:   f.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"}),
		LockContention: f.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "lock_contention_total", Help: "Driver claims lost to another holder"}),
		AckOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ack_outcomes_total", Help: "Driver acknowledgment results"},
			[]string{"outcome"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride lifecycle transitions by target status"},
			[]string{"status"},
		),
		LocationEvents: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Driver location updates by result"},
			[]string{"result"},
		),
		MirrorRepairs: f.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_mirror_repairs_total", Help: "Ride status mirror entries rewritten from the durable record"}),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "store_errors_total", Help: "Fast store failures by operation"},
			[]string{"op"},
		),
		Sessions: f.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "realtime_sessions", Help: "Connected realtime sessions on this instance"},
			[]string{"role"},
		),
		OffersSwept:   f.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_swept_total", Help: "Abandoned ride offers rolled back by the sweeper"}),
		DriversReaped: f.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "drivers_reaped_total", Help: "Geo entries removed after presence expiry"}),

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ride_dispatch",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distribution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
}

// NewTestMetrics registers against a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
