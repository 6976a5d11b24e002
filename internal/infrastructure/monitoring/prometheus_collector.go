package monitoring

import (
	"strconv"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	activeSessions prometheus.Gauge

	// Counters
	joinsTotal      *prometheus.CounterVec
	leavesTotal     *prometheus.CounterVec
	moderationTotal *prometheus.CounterVec
	rtcJoinsTotal   *prometheus.CounterVec
	recoveryTotal   *prometheus.CounterVec

	breakerState *prometheus.GaugeVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the livecast metrics on reg. A nil reg
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_active_sessions",
			Help: "Number of live streams with a session on this node",
		}),

		joinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_participant_joins_total",
			Help: "Participants that joined a stream",
		}, []string{"role"}),

		leavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_participant_leaves_total",
			Help: "Participants that left a stream",
		}, []string{"role"}),

		moderationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_moderation_actions_total",
			Help: "Moderation requests by action and result",
		}, []string{"action", "result"}),

		rtcJoinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_rtc_joins_total",
			Help: "Media channel joins by result",
		}, []string{"result"}),

		recoveryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_recovery_attempts_total",
			Help: "Streaming recovery attempts by strategy and outcome",
		}, []string{"strategy", "outcome"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"name"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livecast_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livecast_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),

		registerer: reg,
	}
}

func (p *PrometheusCollector) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusCollector) RecordJoin(role domain.ClientRole) {
	p.joinsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordLeave(role domain.ClientRole) {
	p.leavesTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordModeration(action string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	p.moderationTotal.WithLabelValues(action, result).Inc()
}

func (p *PrometheusCollector) RecordRTCJoin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.rtcJoinsTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordRecoveryAttempt(strategy domain.RecoveryStrategy, outcome string) {
	label := string(strategy)
	if label == "" {
		label = "none"
	}
	p.recoveryTotal.WithLabelValues(label, outcome).Inc()
}

func (p *PrometheusCollector) SetBreakerState(name string, state int) {
	p.breakerState.WithLabelValues(name).Set(float64(state))
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WatchBreakers publishes every breaker transition of the registry.
func (p *PrometheusCollector) WatchBreakers(registry *circuitbreaker.Registry) {
	for name, stats := range registry.Stats() {
		p.SetBreakerState(name, int(stats.State))
	}
	registry.OnStateChange(func(name string, from, to circuitbreaker.State) {
		p.SetBreakerState(name, int(to))
	})
}

// RelayStatsFunc reports channel and peer counts of the channel relay.
type RelayStatsFunc func() (channels, peers int)

// ObserveRelay exposes relay occupancy as gauges sampled on scrape.
func (p *PrometheusCollector) ObserveRelay(stats RelayStatsFunc) {
	factory := promauto.With(p.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "livecast_relay_channels",
		Help: "Channels open on the relay",
	}, func() float64 {
		channels, _ := stats()
		return float64(channels)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "livecast_relay_peers",
		Help: "Peers connected to the relay",
	}, func() float64 {
		_, peers := stats()
		return float64(peers)
	})
}
