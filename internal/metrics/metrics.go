// Package metrics defines the prometheus collectors of the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatcherTicks counts completed dispatcher scans.
	DispatcherTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metronome_dispatcher_ticks_total",
			Help: "The total number of dispatcher scans.",
		},
	)

	// DispatcherFires counts schedule windows by outcome (fired, duplicate, missed, skipped, error).
	DispatcherFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metronome_dispatcher_windows_total",
			Help: "The total number of due schedule windows by outcome.",
		},
		[]string{"outcome"},
	)

	// DispatcherTickDuration is a histogram of dispatcher scan time.
	DispatcherTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metronome_dispatcher_tick_duration_seconds",
			Help:    "A histogram of dispatcher scan duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	// RunsTriggered counts runs created, by trigger kind (manual, schedule).
	RunsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metronome_runs_triggered_total",
			Help: "The total number of runs created.",
		},
		[]string{"trigger"},
	)

	// RunsFinished counts runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metronome_runs_finished_total",
			Help: "The total number of runs reaching a terminal status.",
		},
		[]string{"status"},
	)

	// LaunchAttempts counts launch attempts by result (ok, no_eligible_host, error).
	LaunchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metronome_launch_attempts_total",
			Help: "The total number of task launch attempts.",
		},
		[]string{"result"},
	)

	// LaunchDuration is a histogram of INITIAL to ACTIVE latency.
	LaunchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "metronome_launch_duration_seconds",
			Help:    "A histogram of the time from trigger to an active task.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// LaunchesInFlight is the number of launches currently holding a slot.
	LaunchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metronome_launches_in_flight",
			Help: "The number of launches currently in progress.",
		},
	)

	// InventoryHosts is the number of hosts by status (ready, offline).
	InventoryHosts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metronome_inventory_hosts",
			Help: "The number of hosts known to the inventory.",
		},
		[]string{"status"},
	)
)

// Window outcomes for DispatcherFires
const (
	OutcomeFired     = "fired"
	OutcomeDuplicate = "duplicate"
	OutcomeMissed    = "missed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)
