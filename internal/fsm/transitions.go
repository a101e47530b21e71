package fsm

// Transition tables. valid edges are the only ones a caller may take;
// untimely edges are race-condition remnants that get logged and
// dropped; anything else is an invalid transition.

type Verdict int

const (
	Valid Verdict = iota
	Untimely
	Invalid
)

type instanceEdge struct {
	from, to TaskInstanceStatus
}

var validInstanceEdges = map[instanceEdge]bool{
	{InstanceQueued, InstanceInstantiated}: true,
	{InstanceQueued, InstanceKillSelf}:     true,

	{InstanceInstantiated, InstanceLaunched}:        true,
	{InstanceInstantiated, InstanceNoDistributorID}: true,
	{InstanceInstantiated, InstanceKillSelf}:        true,
	{InstanceInstantiated, InstanceRunning}:         true,

	{InstanceLaunched, InstanceRunning}:       true,
	{InstanceLaunched, InstanceUnknownError}:  true,
	{InstanceLaunched, InstanceResourceError}: true,
	{InstanceLaunched, InstanceKillSelf}:      true,
	{InstanceLaunched, InstanceErrorFatal}:    true,
	{InstanceLaunched, InstanceNoHeartbeat}:   true,

	{InstanceRunning, InstanceTriaging}:      true,
	{InstanceRunning, InstanceError}:         true,
	{InstanceRunning, InstanceUnknownError}:  true,
	{InstanceRunning, InstanceResourceError}: true,
	{InstanceRunning, InstanceKillSelf}:      true,
	{InstanceRunning, InstanceDone}:          true,

	{InstanceTriaging, InstanceRunning}:       true,
	{InstanceTriaging, InstanceResourceError}: true,
	{InstanceTriaging, InstanceUnknownError}:  true,
	{InstanceTriaging, InstanceErrorFatal}:    true,

	{InstanceKillSelf, InstanceErrorFatal}: true,
}

var untimelyInstanceEdges = map[instanceEdge]bool{
	{InstanceRunning, InstanceLaunched}: true,
	{InstanceError, InstanceLaunched}:   true,

	{InstanceError, InstanceUnknownError}: true,
	{InstanceUnknownError, InstanceError}: true,

	{InstanceDone, InstanceUnknownError}: true,
	{InstanceUnknownError, InstanceDone}: true,

	{InstanceKillSelf, InstanceDone}: true,

	{InstanceResourceError, InstanceUnknownError}: true,
	{InstanceUnknownError, InstanceResourceError}: true,
}

func InstanceTransition(from, to TaskInstanceStatus) Verdict {
	if from == to {
		return Untimely
	}
	if validInstanceEdges[instanceEdge{from, to}] {
		return Valid
	}
	if untimelyInstanceEdges[instanceEdge{from, to}] {
		return Untimely
	}
	return Invalid
}

type taskEdge struct {
	from, to TaskStatus
}

var validTaskEdges = map[taskEdge]bool{
	{TaskRegistering, TaskQueued}: true,

	{TaskQueued, TaskInstantiating}: true,

	{TaskInstantiating, TaskLaunched}:         true,
	{TaskInstantiating, TaskErrorRecoverable}: true,

	{TaskLaunched, TaskRunning}:          true,
	{TaskLaunched, TaskErrorRecoverable}: true,
	{TaskLaunched, TaskErrorFatal}:       true,

	{TaskRunning, TaskDone}:             true,
	{TaskRunning, TaskErrorRecoverable}: true,
	{TaskRunning, TaskErrorFatal}:       true,

	{TaskErrorRecoverable, TaskAdjustingResources}: true,
	{TaskErrorRecoverable, TaskErrorFatal}:         true,

	{TaskAdjustingResources, TaskQueued}: true,
}

func TaskTransition(from, to TaskStatus) Verdict {
	if from == to {
		return Untimely
	}
	if validTaskEdges[taskEdge{from, to}] {
		return Valid
	}
	return Invalid
}

type runEdge struct {
	from, to WorkflowRunStatus
}

var validRunEdges = map[runEdge]bool{
	{RunRegistered, RunLinking}: true,

	{RunLinking, RunBound}:   true,
	{RunLinking, RunAborted}: true,

	{RunBound, RunInstantiated}: true,
	{RunBound, RunError}:        true,
	{RunBound, RunColdResume}:   true,
	{RunBound, RunHotResume}:    true,

	{RunInstantiated, RunLaunched}: true,
	{RunInstantiated, RunError}:    true,

	{RunLaunched, RunRunning}: true,
	{RunLaunched, RunError}:   true,

	{RunRunning, RunDone}:       true,
	{RunRunning, RunStopped}:    true,
	{RunRunning, RunError}:      true,
	{RunRunning, RunColdResume}: true,
	{RunRunning, RunHotResume}:  true,

	{RunColdResume, RunTerminated}: true,
	{RunHotResume, RunTerminated}:  true,
}

func RunTransition(from, to WorkflowRunStatus) Verdict {
	if from == to {
		return Untimely
	}
	if validRunEdges[runEdge{from, to}] {
		return Valid
	}
	return Invalid
}

// Cascade maps.

// InstanceToTask maps an instance status onto the task status the task
// should advance to. Error-shaped instance statuses are not in the map;
// they route through TaskAfterInstanceError so the attempt budget is
// consulted.
var InstanceToTask = map[TaskInstanceStatus]TaskStatus{
	InstanceQueued:       TaskQueued,
	InstanceInstantiated: TaskInstantiating,
	InstanceLaunched:     TaskLaunched,
	InstanceRunning:      TaskRunning,
	InstanceDone:         TaskDone,
}

// TaskAfterInstanceError picks ADJUSTING_RESOURCES while attempts
// remain and ERROR_FATAL once the budget is spent.
func TaskAfterInstanceError(numAttempts, maxAttempts int) TaskStatus {
	if numAttempts >= maxAttempts {
		return TaskErrorFatal
	}
	return TaskErrorRecoverable
}

// RunToWorkflow maps a workflow-run transition onto the workflow.
var RunToWorkflow = map[WorkflowRunStatus]WorkflowStatus{
	RunBound:        WorkflowQueued,
	RunInstantiated: WorkflowInstantiating,
	RunLaunched:     WorkflowLaunched,
	RunRunning:      WorkflowRunning,
	RunDone:         WorkflowDone,
	RunTerminated:   WorkflowHalted,
	RunStopped:      WorkflowHalted,
	RunError:        WorkflowFailed,
	RunAborted:      WorkflowAborted,
}
