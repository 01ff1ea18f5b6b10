package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatusTransitions - переходы статусов подключений
var StatusTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brokerage",
		Name:      "status_transitions_total",
		Help:      "Total number of connection status transitions",
	},
	[]string{"from", "to"},
)

// ConnectionOperations - операции с подключениями по итогу
var ConnectionOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brokerage",
		Name:      "connection_operations_total",
		Help:      "Total number of connection operations by operation and result",
	},
	[]string{"operation", "result"},
)
