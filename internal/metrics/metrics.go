// Package metrics holds the Prometheus collectors of the live poll engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Name:      "ws_connections",
		Help:      "Live websocket connections held by this instance.",
	})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "fanout_dropped_total",
		Help:      "Events skipped because a connection could not accept them.",
	})

	Reveals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "poll_reveals_total",
		Help:      "Poll reveals by trigger.",
	}, []string{"reason"})

	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "poll_responses_total",
		Help:      "Submitted poll responses by outcome.",
	}, []string{"outcome"})

	SweptParticipants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "presence_swept_total",
		Help:      "Participants marked offline by the inactivity sweep.",
	})

	QueueFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "queue_fallbacks_total",
		Help:      "Batches sent as plain polls because the queue was unavailable.",
	})
)
