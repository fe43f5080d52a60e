package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "festiva",
		Subsystem: "ws",
		Name:      "active_connections",
		Help:      "Currently open websocket sessions.",
	})

	framesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "ws",
		Name:      "frames_delivered_total",
		Help:      "Deliver frames fanned out to room members.",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "ws",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped due to member backpressure.",
	})

	frameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "festiva",
		Subsystem: "ws",
		Name:      "frame_errors_total",
		Help:      "Error frames sent to clients, by code.",
	}, []string{"code"})
)
