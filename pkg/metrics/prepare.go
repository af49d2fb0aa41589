// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	LabelPrepare = "prepare"

	LblPrepareEvent = "event"

	PrepareEventIntern    = "intern"
	PrepareEventHit       = "hit"
	PrepareEventEvict     = "evict"
	PrepareEventCollide   = "collide"
	PrepareEventUnderflow = "underflow"
)

var (
	// PreparedStmtCachedGauge tracks the number of distinct logical
	// statements currently cached in the StatementRegistry.
	PreparedStmtCachedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelPrepare,
			Name:      "cached",
			Help:      "Number of prepared statements cached in the global registry.",
		})

	// PreparedStmtRefGauge tracks client/server reference totals.
	PreparedStmtRefGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelPrepare,
			Name:      "refs",
			Help:      "Gauge of prepared statement reference counts by kind (client, server).",
		}, []string{LblType})

	// PreparedStmtEventCounter counts registry lifecycle events.
	PreparedStmtEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleProxy,
			Subsystem: LabelPrepare,
			Name:      "event_total",
			Help:      "Counter of prepared statement registry events.",
		}, []string{LblPrepareEvent})
)
