package swarm

import (
	"time"

	"github.com/jobmon/jobmon/internal/fsm"
)

// StateUpdate is an immutable record of observed changes. Every
// mutation of SwarmState flows through one, so the set of reachable
// states is auditable.
type StateUpdate struct {
	TaskStatuses           map[int64]fsm.TaskStatus
	MaxConcurrentlyRunning *int
	ArrayConcurrency       map[int64]int
	RunStatus              *fsm.WorkflowRunStatus
	SyncTime               *time.Time
}

// Merge combines two updates with other-wins precedence.
func (u StateUpdate) Merge(other StateUpdate) StateUpdate {
	out := StateUpdate{
		TaskStatuses:           map[int64]fsm.TaskStatus{},
		ArrayConcurrency:       map[int64]int{},
		MaxConcurrentlyRunning: u.MaxConcurrentlyRunning,
		RunStatus:              u.RunStatus,
		SyncTime:               u.SyncTime,
	}
	for id, st := range u.TaskStatuses {
		out.TaskStatuses[id] = st
	}
	for id, st := range other.TaskStatuses {
		out.TaskStatuses[id] = st
	}
	for id, n := range u.ArrayConcurrency {
		out.ArrayConcurrency[id] = n
	}
	for id, n := range other.ArrayConcurrency {
		out.ArrayConcurrency[id] = n
	}
	if other.MaxConcurrentlyRunning != nil {
		out.MaxConcurrentlyRunning = other.MaxConcurrentlyRunning
	}
	if other.RunStatus != nil {
		out.RunStatus = other.RunStatus
	}
	if other.SyncTime != nil {
		out.SyncTime = other.SyncTime
	}
	return out
}
