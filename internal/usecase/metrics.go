package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_signals_total",
		Help: "Signals generated by the strategy engine, by direction.",
	}, []string{"symbol", "direction"})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_rejections_total",
		Help: "Orders rejected by the risk manager, by reason code.",
	}, []string{"reason"})

	metricTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trades_total",
		Help: "Closed trades, by exit reason.",
	}, []string{"symbol", "exit_reason"})

	metricOpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_open_positions",
		Help: "Positions not yet closed.",
	})

	metricDailyLossUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_daily_loss_used",
		Help: "Realized loss consumed from today's budget, in account currency.",
	})

	metricTicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bot_ticks_dropped_total",
		Help: "Scheduler ticks skipped because the previous cycle was still running.",
	})

	metricGatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_gateway_errors_total",
		Help: "Gateway call failures, by operation.",
	}, []string{"op"})

	metricCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_cycle_duration_seconds",
		Help:    "Wall time of one full evaluation cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveSignal(symbol, direction string) {
	metricSignals.WithLabelValues(symbol, direction).Inc()
}

func ObserveRejection(reason string) { metricRejections.WithLabelValues(reason).Inc() }

func ObserveTrade(symbol, exitReason string) {
	metricTrades.WithLabelValues(symbol, exitReason).Inc()
}

func ObserveGatewayError(op string) { metricGatewayErrors.WithLabelValues(op).Inc() }

func ObserveTickDropped() { metricTicksDropped.Inc() }

func ObserveCycleDuration(seconds float64) { metricCycleSeconds.Observe(seconds) }

func SetOpenPositions(n int) { metricOpenPositions.Set(float64(n)) }

func SetDailyLossUsed(v float64) { metricDailyLossUsed.Set(v) }
