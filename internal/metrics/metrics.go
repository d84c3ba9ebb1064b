// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturedFramesTotal counts frames read by a link monitor.
	CapturedFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_captured_frames_total",
			Help: "Total number of frames read by link monitors",
		},
		[]string{"interface"},
	)

	// MalformedFramesTotal counts frames dropped because they could not be decoded.
	MalformedFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_malformed_frames_total",
			Help: "Total number of frames dropped as malformed",
		},
		[]string{"interface"},
	)

	// MangledPacketsTotal counts packets whose addressing was rewritten.
	MangledPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_mangled_packets_total",
			Help: "Total number of packets rewritten by the rule chain",
		},
		[]string{"source"},
	)

	// InjectedPacketsTotal counts packets written by an injector.
	InjectedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_injected_packets_total",
			Help: "Total number of packets injected",
		},
		[]string{"interface"},
	)

	// InjectErrorsTotal counts failed injections.
	InjectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_inject_errors_total",
			Help: "Total number of failed packet injections",
		},
		[]string{"interface"},
	)

	// FilterDispositionsTotal counts kernel-filter responses by kind (unchanged, changed, drop).
	FilterDispositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divert_filter_dispositions_total",
			Help: "Total number of kernel-filter dispositions sent",
		},
		[]string{"kind"},
	)

	// RecencyCacheEntries tracks the recency cache population.
	RecencyCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "divert_recency_cache_entries",
			Help: "Number of endpoints currently in the recency cache",
		},
	)
)
