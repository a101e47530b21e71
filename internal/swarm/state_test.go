package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jobmon/jobmon/internal/fsm"
)

func newLinearState(statuses ...fsm.TaskStatus) *SwarmState {
	s := NewState(1, 1, 1, 100)
	s.AddArray(&SwarmArray{ID: 1, MaxConcurrentlyRunning: 100})
	for i, st := range statuses {
		t := &SwarmTask{ID: int64(i + 1), ArrayID: 1, Status: st, MaxAttempts: 3, NumAttempts: 1}
		if i > 0 {
			t.Upstream = []int64{int64(i)}
		}
		if i < len(statuses)-1 {
			t.Downstream = []int64{int64(i + 2)}
		}
		s.AddTask(t)
	}
	return s
}

func TestApplyUpdateReportsNewlyDoneAndFatal(t *testing.T) {
	s := newLinearState(fsm.TaskRunning, fsm.TaskRunning, fsm.TaskDone)

	done, fatal := s.ApplyUpdate(StateUpdate{TaskStatuses: map[int64]fsm.TaskStatus{
		1: fsm.TaskDone,       // moved
		2: fsm.TaskErrorFatal, // moved
		3: fsm.TaskDone,       // unchanged, must not reappear
	}})

	assert.Equal(t, []int64{1}, done)
	assert.Equal(t, []int64{2}, fatal)
	assert.Equal(t, fsm.TaskDone, s.Task(1).Status)
	assert.Equal(t, 2, s.CountByStatus(fsm.TaskDone))
	assert.Equal(t, 1, s.CountByStatus(fsm.TaskErrorFatal))
	assert.Equal(t, 0, s.CountByStatus(fsm.TaskRunning))
}

func TestApplyUpdateMirrorsAttemptSpendOnAdjusting(t *testing.T) {
	s := newLinearState(fsm.TaskRunning)
	s.Task(1).resourcesAdjusted = true

	s.ApplyUpdate(StateUpdate{TaskStatuses: map[int64]fsm.TaskStatus{1: fsm.TaskAdjustingResources}})
	assert.Equal(t, 2, s.Task(1).NumAttempts)
	assert.False(t, s.Task(1).resourcesAdjusted)

	// A repeated observation of the same status is a no-op.
	s.ApplyUpdate(StateUpdate{TaskStatuses: map[int64]fsm.TaskStatus{1: fsm.TaskAdjustingResources}})
	assert.Equal(t, 2, s.Task(1).NumAttempts)
}

func TestApplyUpdateConcurrencyAndRunStatus(t *testing.T) {
	s := newLinearState(fsm.TaskRunning)
	newCap := 7
	running := fsm.RunRunning
	now := time.Now().UTC()

	s.ApplyUpdate(StateUpdate{
		MaxConcurrentlyRunning: &newCap,
		ArrayConcurrency:       map[int64]int{1: 3},
		RunStatus:              &running,
		SyncTime:               &now,
	})

	assert.Equal(t, 7, s.MaxConcurrentlyRunning)
	assert.Equal(t, 3, s.Array(1).MaxConcurrentlyRunning)
	assert.Equal(t, fsm.RunRunning, s.RunStatus)
	assert.Equal(t, now, s.LastSync)
}

func TestPropagateDoneReleasesDownstreams(t *testing.T) {
	s := newLinearState(fsm.TaskDone, fsm.TaskRegistering, fsm.TaskRegistering)
	s.ComputeInitialUpstreamDoneCounts()

	// Task 1 was already DONE at build time, so task 2 starts ready.
	assert.Equal(t, []int64{2}, s.ReadyToRun())

	ready := s.PropagateDone([]int64{2})
	assert.Equal(t, []int64{3}, ready)
	assert.Equal(t, []int64{2, 3}, s.ReadyToRun())
}

func TestComputeInitialCountsTreatsMissingUpstreamAsDone(t *testing.T) {
	s := NewState(1, 1, 1, 100)
	// Resume build: upstream 99 finished in a prior run and was filtered
	// out server-side.
	s.AddTask(&SwarmTask{ID: 5, ArrayID: 1, Status: fsm.TaskRegistering, Upstream: []int64{99}})
	s.ComputeInitialUpstreamDoneCounts()

	assert.True(t, s.Task(5).UpstreamsDone())
	assert.Equal(t, []int64{5}, s.ReadyToRun())
}

func TestReadyQueueOrdering(t *testing.T) {
	s := NewState(1, 1, 1, 100)
	s.PushReady(1, 2, 3)
	s.PushReadyFront([]int64{8, 9})

	var got []int64
	for {
		id, ok := s.PopReady()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []int64{8, 9, 1, 2, 3}, got)
}

func TestHasPendingWorkAndAllTerminal(t *testing.T) {
	active := newLinearState(fsm.TaskRunning, fsm.TaskRegistering)
	assert.True(t, active.HasPendingWork())
	assert.False(t, active.AllTerminal())

	// REGISTERING with nothing ready and nothing active is deadlocked
	// (upstream fatal): no pending work, not all terminal.
	stuck := newLinearState(fsm.TaskErrorFatal, fsm.TaskRegistering)
	assert.False(t, stuck.HasPendingWork())
	assert.False(t, stuck.AllTerminal())

	finished := newLinearState(fsm.TaskDone, fsm.TaskErrorFatal)
	assert.False(t, finished.HasPendingWork())
	assert.True(t, finished.AllTerminal())
}

func TestActiveCountForArray(t *testing.T) {
	s := NewState(1, 1, 1, 100)
	s.AddArray(&SwarmArray{ID: 1, MaxConcurrentlyRunning: 10})
	s.AddArray(&SwarmArray{ID: 2, MaxConcurrentlyRunning: 10})
	s.AddTask(&SwarmTask{ID: 1, ArrayID: 1, Status: fsm.TaskRunning})
	s.AddTask(&SwarmTask{ID: 2, ArrayID: 1, Status: fsm.TaskQueued})
	s.AddTask(&SwarmTask{ID: 3, ArrayID: 2, Status: fsm.TaskRunning})
	s.AddTask(&SwarmTask{ID: 4, ArrayID: 1, Status: fsm.TaskDone})

	assert.Equal(t, 3, s.ActiveCount())
	assert.Equal(t, 2, s.ActiveCountForArray(1))
	assert.Equal(t, 1, s.ActiveCountForArray(2))
}

func TestStateUpdateMergeOtherWins(t *testing.T) {
	capA, capB := 5, 9
	aborted := fsm.RunAborted

	a := StateUpdate{
		TaskStatuses:           map[int64]fsm.TaskStatus{1: fsm.TaskRunning, 2: fsm.TaskQueued},
		MaxConcurrentlyRunning: &capA,
		ArrayConcurrency:       map[int64]int{1: 2},
	}
	b := StateUpdate{
		TaskStatuses:     map[int64]fsm.TaskStatus{1: fsm.TaskDone},
		ArrayConcurrency: map[int64]int{1: 4},
		RunStatus:        &aborted,
	}

	out := a.Merge(b)
	assert.Equal(t, fsm.TaskDone, out.TaskStatuses[1])
	assert.Equal(t, fsm.TaskQueued, out.TaskStatuses[2])
	assert.Equal(t, 4, out.ArrayConcurrency[1])
	assert.Equal(t, capA, *out.MaxConcurrentlyRunning)
	assert.Equal(t, fsm.RunAborted, *out.RunStatus)

	out = a.Merge(StateUpdate{MaxConcurrentlyRunning: &capB})
	assert.Equal(t, capB, *out.MaxConcurrentlyRunning)
}
