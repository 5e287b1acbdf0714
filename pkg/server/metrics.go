package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conn",
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients.",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conn",
		Name:      "events_dropped_total",
		Help:      "Outbound events dropped for exceeding the size ceiling.",
	})
)
