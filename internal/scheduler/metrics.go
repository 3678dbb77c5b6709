// SPDX-License-Identifier: MIT

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dubd_jobs_total",
			Help: "Total jobs finished, by terminal result and mode.",
		},
		[]string{"result", "mode"},
	)

	fsmTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dubd_fsm_transitions_total",
			Help: "Job state machine transitions.",
		},
		[]string{"state_from", "state_to"},
	)

	dispatchDeferredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dubd_dispatch_deferred_total",
			Help: "Dispatch attempts deferred back to the queue, by reason.",
		},
		[]string{"reason"},
	)

	recoveryRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dubd_recovery_requeued_total",
			Help: "Jobs found RUNNING at startup and reset to QUEUED.",
		},
	)

	dispatchLockLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dubd_dispatch_lock_lost_total",
			Help: "Times the cross-instance dispatch lock could not be renewed.",
		},
	)

	runningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dubd_running_jobs",
			Help: "Jobs currently executing on this instance.",
		},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dubd_job_duration_seconds",
			Help:    "Wall-clock job execution time by result.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		},
		[]string{"result", "mode"},
	)
)

func recordTransition(from, to string) {
	fsmTransitions.WithLabelValues(from, to).Inc()
}
