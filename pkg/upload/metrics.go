// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"github.com/filecrate/filecrate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chunksReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filecrate_chunks_received_total",
		Help: "Total number of chunks durably received",
	})

	chunksDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filecrate_chunks_duplicate_total",
		Help: "Total number of duplicate chunk uploads short-circuited",
	})

	mergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filecrate_merges_total",
		Help: "Total number of successful merges",
	})

	mergeFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filecrate_merge_failures_total",
		Help: "Total number of failed merges by reason",
	}, []string{"reason"})

	instantUploadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filecrate_instant_uploads_total",
		Help: "Total number of uploads satisfied by content dedup",
	})

	cancelsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filecrate_cancels_total",
		Help: "Total number of cancelled upload sessions",
	})

	mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "filecrate_merge_duration_seconds",
		Help:    "Duration of merges in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

func init() {
	debug.Registry().MustRegister(
		chunksReceivedTotal,
		chunksDuplicateTotal,
		mergesTotal,
		mergeFailuresTotal,
		instantUploadsTotal,
		cancelsTotal,
		mergeDuration,
	)
}
