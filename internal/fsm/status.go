package fsm

// Status vocabularies for the three coupled entities plus the workflow.
// These are persisted verbatim, so renaming a constant is a schema
// migration.

type WorkflowStatus string

const (
	WorkflowRegistering   WorkflowStatus = "REGISTERING"
	WorkflowQueued        WorkflowStatus = "QUEUED"
	WorkflowInstantiating WorkflowStatus = "INSTANTIATING"
	WorkflowLaunched      WorkflowStatus = "LAUNCHED"
	WorkflowRunning       WorkflowStatus = "RUNNING"
	WorkflowDone          WorkflowStatus = "DONE"
	WorkflowHalted        WorkflowStatus = "HALTED"
	WorkflowFailed        WorkflowStatus = "FAILED"
	WorkflowAborted       WorkflowStatus = "ABORTED"
)

type WorkflowRunStatus string

const (
	RunRegistered   WorkflowRunStatus = "REGISTERED"
	RunLinking      WorkflowRunStatus = "LINKING"
	RunBound        WorkflowRunStatus = "BOUND"
	RunInstantiated WorkflowRunStatus = "INSTANTIATED"
	RunLaunched     WorkflowRunStatus = "LAUNCHED"
	RunRunning      WorkflowRunStatus = "RUNNING"
	RunColdResume   WorkflowRunStatus = "COLD_RESUME"
	RunHotResume    WorkflowRunStatus = "HOT_RESUME"
	RunTerminated   WorkflowRunStatus = "TERMINATED"
	RunStopped      WorkflowRunStatus = "STOPPED"
	RunError        WorkflowRunStatus = "ERROR"
	RunDone         WorkflowRunStatus = "DONE"
	RunAborted      WorkflowRunStatus = "ABORTED"
)

type TaskStatus string

const (
	TaskRegistering        TaskStatus = "REGISTERING"
	TaskQueued             TaskStatus = "QUEUED"
	TaskInstantiating      TaskStatus = "INSTANTIATING"
	TaskLaunched           TaskStatus = "LAUNCHED"
	TaskRunning            TaskStatus = "RUNNING"
	TaskDone               TaskStatus = "DONE"
	TaskAdjustingResources TaskStatus = "ADJUSTING_RESOURCES"
	TaskErrorRecoverable   TaskStatus = "ERROR_RECOVERABLE"
	TaskErrorFatal         TaskStatus = "ERROR_FATAL"
)

type TaskInstanceStatus string

const (
	InstanceQueued          TaskInstanceStatus = "QUEUED"
	InstanceInstantiated    TaskInstanceStatus = "INSTANTIATED"
	InstanceNoDistributorID TaskInstanceStatus = "NO_DISTRIBUTOR_ID"
	InstanceLaunched        TaskInstanceStatus = "LAUNCHED"
	InstanceRunning         TaskInstanceStatus = "RUNNING"
	InstanceTriaging        TaskInstanceStatus = "TRIAGING"
	InstanceKillSelf        TaskInstanceStatus = "KILL_SELF"
	InstanceDone            TaskInstanceStatus = "DONE"
	InstanceError           TaskInstanceStatus = "ERROR"
	InstanceErrorFatal      TaskInstanceStatus = "ERROR_FATAL"
	InstanceUnknownError    TaskInstanceStatus = "UNKNOWN_ERROR"
	InstanceResourceError   TaskInstanceStatus = "RESOURCE_ERROR"
	InstanceNoHeartbeat     TaskInstanceStatus = "NO_HEARTBEAT"
)

// Active statuses count against workflow and array concurrency caps.

var ActiveTaskStatuses = []TaskStatus{
	TaskQueued, TaskInstantiating, TaskLaunched, TaskRunning,
}

var ActiveInstanceStatuses = []TaskInstanceStatus{
	InstanceQueued, InstanceInstantiated, InstanceLaunched, InstanceRunning,
}

// Terminal statuses never transition again.

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskErrorFatal
}

func (s TaskInstanceStatus) Terminal() bool {
	switch s {
	case InstanceDone, InstanceError, InstanceErrorFatal, InstanceUnknownError,
		InstanceResourceError, InstanceNoDistributorID, InstanceNoHeartbeat:
		return true
	}
	return false
}

func (s WorkflowRunStatus) Terminal() bool {
	switch s {
	case RunDone, RunStopped, RunTerminated, RunError, RunAborted:
		return true
	}
	return false
}

// ErrorInstanceStatuses are the instance terminal states that route the
// parent task through transition_after_task_instance_error.
var ErrorInstanceStatuses = []TaskInstanceStatus{
	InstanceError, InstanceErrorFatal, InstanceUnknownError,
	InstanceResourceError, InstanceNoDistributorID, InstanceNoHeartbeat,
}

func (s TaskInstanceStatus) IsError() bool {
	for _, e := range ErrorInstanceStatuses {
		if s == e {
			return true
		}
	}
	return false
}
