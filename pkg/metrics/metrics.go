// Package metrics declares the prometheus collectors shared by the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notesync"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Connections currently registered with the hub.",
	})

	NotesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notes_active",
		Help:      "Notes with an in-memory document.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Decoded frames received, by message tag.",
	}, []string{"tag"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Frames handed to a transport adapter, by message tag.",
	}, []string{"tag"})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Frames that failed to decode; each one drops its connection.",
	})

	KeepAliveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_timeouts_total",
		Help:      "Connections dropped because no pong arrived within an interval.",
	})

	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_applied_total",
		Help:      "Inbound document updates applied, by side.",
	}, []string{"side"})

	UpdatesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_rejected_total",
		Help:      "Inbound updates dropped because the peer may not edit.",
	})

	UpdateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_failures_total",
		Help:      "Inbound updates that could not be applied, by side.",
	}, []string{"side"})

	BroadcastRecipients = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_recipients",
		Help:      "Number of peers an accepted update was fanned out to.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_duration_seconds",
		Help:      "Time taken to persist one note.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	SnapshotFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_failures_total",
		Help:      "Failed attempts to persist a note.",
	})
)
