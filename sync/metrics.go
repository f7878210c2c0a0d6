// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lightsync",
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Incremental polls by outcome (ok, error, watchdog).",
		},
		[]string{"outcome"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lightsync",
			Subsystem: "sync",
			Name:      "poll_duration_seconds",
			Help:      "Wall time of incremental polls that returned.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	backoffGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lightsync",
			Subsystem: "sync",
			Name:      "backoff_seconds",
			Help:      "Current retry backoff interval, 0 when healthy.",
		},
	)
	resyncsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lightsync",
			Subsystem: "sync",
			Name:      "room_resyncs_total",
			Help:      "Per-room initial syncs triggered outside the full initial sync.",
		},
	)
)

func init() {
	prometheus.MustRegister(pollsCounter, pollDuration, backoffGauge, resyncsCounter)
}
