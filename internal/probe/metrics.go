package probe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProbeTotal - количество проверок по брокеру и итогу
var ProbeTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brokerage",
		Name:      "probe_total",
		Help:      "Total number of credential probes by broker and outcome",
	},
	[]string{"broker", "outcome"},
)

// ProbeDuration - длительность проверки, включая ожидание брокера
var ProbeDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "brokerage",
		Name:      "probe_duration_seconds",
		Help:      "Duration of credential probes in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	},
	[]string{"broker"},
)

// TokenRefreshTotal - обновления OAuth токенов по брокеру и итогу
var TokenRefreshTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brokerage",
		Name:      "token_refresh_total",
		Help:      "Total number of OAuth access token refreshes by broker and outcome",
	},
	[]string{"broker", "outcome"},
)

// BreakerStateGauge - состояние размыкателя брокера (0 closed, 1 half-open, 2 open)
var BreakerStateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "brokerage",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per broker: 0 closed, 1 half-open, 2 open",
	},
	[]string{"broker"},
)
