// Copyright 2024-2026 Aiku AI

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesBridged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridget_messages_bridged_total",
			Help: "Messages, edits and deletions applied to the other platform",
		},
		[]string{"pairing", "direction", "kind"}, // direction: outbound/inbound; kind: send/edit/delete/notify
	)

	messagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridget_messages_dropped_total",
			Help: "Events that were not bridged",
		},
		[]string{"pairing", "reason"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridget_queue_depth",
			Help: "Queued and in-flight items per outbound queue",
		},
		[]string{"pairing", "queue"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridget_room_send_duration_seconds",
			Help:    "Round trip of room message sends",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pairing"},
	)

	tooLongTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridget_too_long_total",
			Help: "Messages held back for exceeding the single-line length cap",
		},
		[]string{"pairing"},
	)

	throttlePauses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridget_throttle_pauses_total",
			Help: "Send pauses triggered by slow round trips",
		},
		[]string{"pairing"},
	)

	pairingRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridget_pairing_restarts_total",
			Help: "Pairing task groups restarted after a fatal error",
		},
		[]string{"pairing"},
	)
)
