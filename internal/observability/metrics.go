package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the state service and the client-side loops.
// Registered on the default registry; the service router exposes them
// on /metrics.

var (
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmon_task_transitions_total",
		Help: "Task FSM transitions by target status.",
	}, []string{"status"})

	InstanceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmon_task_instance_transitions_total",
		Help: "Task instance FSM transitions by target status.",
	}, []string{"status"})

	RunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmon_workflow_run_transitions_total",
		Help: "Workflow run FSM transitions by target status.",
	}, []string{"status"})

	ReapedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmon_reaped_workflow_runs_total",
		Help: "Workflow runs reaped after losing their heartbeat, by prior status.",
	}, []string{"from"})

	TriagedInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobmon_triaged_task_instances_total",
		Help: "Task instances demoted by the triage sweep, by target status.",
	}, []string{"status"})

	SubmittedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmon_distributor_batches_submitted_total",
		Help: "Cluster submissions issued by the distributor.",
	})

	SubmittedInstances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmon_distributor_instances_submitted_total",
		Help: "Task instances submitted to the cluster.",
	})

	ReconcileLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmon_distributor_reconcile_lost_total",
		Help: "Instances that disappeared from the cluster without reporting.",
	})
)
