package metrics

import (
	"expvar"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// expvar 计数器（/debug/vars）
var (
	ReconcileRuns     = expvar.NewInt("reconcile_runs")
	ReconcileErrors   = expvar.NewInt("reconcile_errors")
	SnapshotSaves     = expvar.NewInt("snapshot_saves")
	SnapshotLoads     = expvar.NewInt("snapshot_loads")
	EstimatedCloses   = expvar.NewInt("estimated_closes")
	UnconfirmedExits  = expvar.NewInt("unconfirmed_exits")
	SignalsReceived   = expvar.NewInt("signals_received")
	SignalsMalformed  = expvar.NewInt("signals_malformed")
	DuplicateInFlight = expvar.NewInt("duplicate_inflight")
)

// Prometheus 指标（/metrics）
var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeexec_orders_total",
			Help: "Orders placed by kind (maker|taker|exit) and side",
		},
		[]string{"kind", "side"},
	)

	FillOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeexec_fill_outcomes_total",
			Help: "Entry fill outcomes by status",
		},
		[]string{"status"},
	)

	FillWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeexec_fill_wait_seconds",
			Help:    "Time spent waiting for a fill confirmation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
		[]string{"path"}, // push | poll
	)

	PlaceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgeexec_place_latency_seconds",
		Help:    "Order placement round-trip latency",
		Buckets: prometheus.DefBuckets,
	})

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeexec_exits_total",
			Help: "Closed trades by exit reason",
		},
		[]string{"reason"},
	)

	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeexec_risk_rejections_total",
			Help: "Pre-trade rejections by check",
		},
		[]string{"check"},
	)

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgeexec_equity_usd",
		Help: "Cash bankroll plus open exposure at cost",
	})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgeexec_open_positions",
		Help: "Open positions tracked by the executor",
	})

	KillSwitch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgeexec_kill_switch",
		Help: "1 when the kill-switch is active",
	})

	RealizedPnL = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeexec_realized_pnl_abs_usd_total",
			Help: "Absolute realized P&L split by sign",
		},
		[]string{"sign"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, FillOutcomes, FillWait, PlaceLatency, Exits, RiskRejections,
		Equity, OpenPositions, KillSwitch, RealizedPnL)
}

// ObserveRejection 将拒绝原因归类到检查项
func ObserveRejection(reason string) {
	check := reason
	if i := strings.IndexAny(reason, ":("); i > 0 {
		check = reason[:i]
	}
	check = strings.TrimSpace(check)
	for _, p := range []string{"bankroll", "edge", "fill probability", "liquidity", "kill switch", "cooldown", "daily loss", "max drawdown", "max open positions"} {
		if strings.HasPrefix(check, p) {
			check = p
			break
		}
	}
	RiskRejections.WithLabelValues(check).Inc()
}

// ObservePnL 按正负记录已实现盈亏
func ObservePnL(pnl float64) {
	if pnl >= 0 {
		RealizedPnL.WithLabelValues("gain").Add(pnl)
		return
	}
	RealizedPnL.WithLabelValues("loss").Add(-pnl)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetKillSwitch 更新 kill-switch 指标
func SetKillSwitch(active bool) { KillSwitch.Set(boolGauge(active)) }
