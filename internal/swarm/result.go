package swarm

import (
	"time"

	"github.com/jobmon/jobmon/internal/fsm"
)

// OrchestratorResult summarizes one orchestrator invocation.
type OrchestratorResult struct {
	Status                fsm.WorkflowRunStatus
	Elapsed               time.Duration
	TotalTasks            int
	NumDone               int
	NumFatal              int
	TaskStatuses          map[int64]fsm.TaskStatus
	DoneTasks             map[int64]struct{}
	FailedTasks           map[int64]struct{}
	NumPreviouslyComplete int
}

func buildResult(state *SwarmState, status fsm.WorkflowRunStatus, elapsed time.Duration) *OrchestratorResult {
	res := &OrchestratorResult{
		Status:                status,
		Elapsed:               elapsed,
		TotalTasks:            state.NumTasks(),
		TaskStatuses:          make(map[int64]fsm.TaskStatus, state.NumTasks()),
		DoneTasks:             map[int64]struct{}{},
		FailedTasks:           map[int64]struct{}{},
		NumPreviouslyComplete: state.NumPreviouslyComplete,
	}
	for id, t := range state.Tasks() {
		res.TaskStatuses[id] = t.Status
		switch t.Status {
		case fsm.TaskDone:
			res.DoneTasks[id] = struct{}{}
		case fsm.TaskErrorFatal:
			res.FailedTasks[id] = struct{}{}
		}
	}
	res.NumDone = len(res.DoneTasks)
	res.NumFatal = len(res.FailedTasks)
	return res
}
