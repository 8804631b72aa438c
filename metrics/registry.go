// Package metrics exposes the prometheus collectors a Client or Worker
// updates at the points it already mutates its own state: submit,
// completion, grab-loop transitions, and job execution. It is optional —
// the core has no compiled-in dependency on a running prometheus server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the collectors this core knows how to update. Callers
// register it with a *prometheus.Registry of their own via Collectors,
// then pass it to gearman.WithMetrics/gearman.WithWorkerMetrics.
type Registry struct {
	TasksSubmitted          *prometheus.CounterVec
	TasksCompleted          *prometheus.CounterVec
	BlockingActionsInFlight prometheus.Gauge
	WorkerJobsExecuted      *prometheus.CounterVec
	WorkerGrabState         *prometheus.GaugeVec
}

// NewRegistry builds a Registry with fresh, unregistered collectors.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Foreground and background jobs submitted by priority.",
		}, []string{"priority"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Foreground tasks that reached a terminal work event, by outcome.",
		}, []string{"outcome"}),
		BlockingActionsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocking_actions_in_flight",
			Help:      "Outstanding request/response RPCs awaiting a server reply.",
		}),
		WorkerJobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_executed_total",
			Help:      "Jobs a Worker has grabbed and run, by registered function.",
		}, []string{"function"}),
		WorkerGrabState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_grab_state",
			Help:      "1 if the worker's grab loop currently holds this state, 0 otherwise.",
		}, []string{"state"}),
	}
}

// Collectors returns every collector in the Registry, for bulk
// registration with a *prometheus.Registry.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.TasksSubmitted,
		r.TasksCompleted,
		r.BlockingActionsInFlight,
		r.WorkerJobsExecuted,
		r.WorkerGrabState,
	}
}
