package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder agent metrics backed by Prometheus. A nil *Recorder records nothing.
type Recorder struct {
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	riskRejections  *prometheus.CounterVec
	orders          *prometheus.CounterVec
	orderLatency    *prometheus.HistogramVec
	breakerTrips    *prometheus.CounterVec
	advisoryResults *prometheus.CounterVec
	equity          *prometheus.GaugeVec
	openPositions   *prometheus.GaugeVec
	portfolioHeat   *prometheus.GaugeVec
	lastPrice       *prometheus.GaugeVec
}

// New registers the agent metrics on reg. Tests pass prometheus.NewRegistry();
// the process passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_cycles_total",
				Help: "Trading cycles by outcome",
			},
			[]string{"agent", "outcome"},
		),
		cycleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpagent_cycle_duration_seconds",
				Help:    "Duration of a trading cycle in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"agent"},
		),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_decisions_total",
				Help: "Fused decisions by action and source",
			},
			[]string{"agent", "action", "source"},
		),
		riskRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_risk_rejections_total",
				Help: "Decisions rejected by the risk engine",
			},
			[]string{"agent"},
		),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_orders_total",
				Help: "Orders submitted by kind and result",
			},
			[]string{"agent", "kind", "result"},
		),
		orderLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpagent_order_duration_seconds",
				Help:    "Order round-trip latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		breakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_circuit_breaker_trips_total",
				Help: "Circuit breaker activations",
			},
			[]string{"agent"},
		),
		advisoryResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpagent_decision_source_total",
				Help: "Whether the advisory or the technical fallback produced the decision",
			},
			[]string{"agent", "source"},
		),
		equity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpagent_equity_usd",
				Help: "Last observed total equity",
			},
			[]string{"agent"},
		),
		openPositions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpagent_open_positions",
				Help: "Last observed number of open positions",
			},
			[]string{"agent"},
		),
		portfolioHeat: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpagent_portfolio_heat_percent",
				Help: "Margin in use as a percent of equity",
			},
			[]string{"agent"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpagent_last_price",
				Help: "Last analyzed price for a symbol",
			},
			[]string{"symbol"},
		),
	}
}

// RecordCycle records a finished cycle; outcome is ok, error or skipped
func (r *Recorder) RecordCycle(agent, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(agent, outcome).Inc()
	if outcome != "skipped" {
		r.cycleDuration.WithLabelValues(agent).Observe(seconds)
	}
}

// RecordDecision records a fused decision
func (r *Recorder) RecordDecision(agent, action, source string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(agent, action, source).Inc()
	r.advisoryResults.WithLabelValues(agent, source).Inc()
}

// RecordRejection records a risk rejection
func (r *Recorder) RecordRejection(agent string) {
	if r == nil {
		return
	}
	r.riskRejections.WithLabelValues(agent).Inc()
}

// RecordOrder records an order; kind is open, close, partial, stop_loss or take_profit
func (r *Recorder) RecordOrder(agent, kind string, ok bool, seconds float64) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.orders.WithLabelValues(agent, kind, result).Inc()
	if seconds > 0 {
		r.orderLatency.WithLabelValues(agent).Observe(seconds)
	}
}

// RecordBreakerTrip records a circuit breaker activation
func (r *Recorder) RecordBreakerTrip(agent string) {
	if r == nil {
		return
	}
	r.breakerTrips.WithLabelValues(agent).Inc()
}

// RecordAccount records equity, position count and heat
func (r *Recorder) RecordAccount(agent string, equity float64, positions int, heat float64) {
	if r == nil {
		return
	}
	r.equity.WithLabelValues(agent).Set(equity)
	r.openPositions.WithLabelValues(agent).Set(float64(positions))
	r.portfolioHeat.WithLabelValues(agent).Set(heat)
}

// RecordLastPrice records the last analyzed price for a symbol
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	if r == nil {
		return
	}
	r.lastPrice.WithLabelValues(symbol).Set(price)
}
