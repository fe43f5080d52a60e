package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "session",
		Name:      "poll_ticks_total",
		Help:      "Successful poll fetches.",
	})

	pollFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "session",
		Name:      "poll_fetch_failures_total",
		Help:      "Poll fetches that failed and were retried on the next tick.",
	})

	realtimeConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "session",
		Name:      "realtime_connects_total",
		Help:      "Realtime connect attempts by outcome.",
	}, []string{"outcome"})

	transportFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "session",
		Name:      "transport_fallbacks_total",
		Help:      "Transitions from realtime back to polling.",
	})
)
