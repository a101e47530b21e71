package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceTransitionVerdicts(t *testing.T) {
	cases := []struct {
		name    string
		from    TaskInstanceStatus
		to      TaskInstanceStatus
		verdict Verdict
	}{
		{"queued to instantiated", InstanceQueued, InstanceInstantiated, Valid},
		{"instantiated to launched", InstanceInstantiated, InstanceLaunched, Valid},
		{"instantiated skips to running", InstanceInstantiated, InstanceRunning, Valid},
		{"launched to no heartbeat", InstanceLaunched, InstanceNoHeartbeat, Valid},
		{"running to done", InstanceRunning, InstanceDone, Valid},
		{"running to triaging", InstanceRunning, InstanceTriaging, Valid},
		{"triaging back to running", InstanceTriaging, InstanceRunning, Valid},
		{"kill self to error fatal", InstanceKillSelf, InstanceErrorFatal, Valid},

		{"self transition is untimely", InstanceRunning, InstanceRunning, Untimely},
		{"stale launched report after running", InstanceRunning, InstanceLaunched, Untimely},
		{"kill self raced with done", InstanceKillSelf, InstanceDone, Untimely},
		{"done vs unknown error race", InstanceDone, InstanceUnknownError, Untimely},

		{"done cannot restart", InstanceDone, InstanceRunning, Invalid},
		{"queued cannot finish directly", InstanceQueued, InstanceDone, Invalid},
		{"error cannot become done", InstanceError, InstanceDone, Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.verdict, InstanceTransition(tc.from, tc.to))
		})
	}
}

func TestTaskTransitionVerdicts(t *testing.T) {
	assert.Equal(t, Valid, TaskTransition(TaskRegistering, TaskQueued))
	assert.Equal(t, Valid, TaskTransition(TaskErrorRecoverable, TaskAdjustingResources))
	assert.Equal(t, Valid, TaskTransition(TaskAdjustingResources, TaskQueued))
	assert.Equal(t, Untimely, TaskTransition(TaskRunning, TaskRunning))
	assert.Equal(t, Invalid, TaskTransition(TaskDone, TaskQueued))
	assert.Equal(t, Invalid, TaskTransition(TaskErrorFatal, TaskQueued))
}

func TestRunTransitionVerdicts(t *testing.T) {
	assert.Equal(t, Valid, RunTransition(RunRegistered, RunLinking))
	assert.Equal(t, Valid, RunTransition(RunRunning, RunColdResume))
	assert.Equal(t, Valid, RunTransition(RunHotResume, RunTerminated))
	assert.Equal(t, Untimely, RunTransition(RunRunning, RunRunning))
	assert.Equal(t, Invalid, RunTransition(RunDone, RunRunning))
	assert.Equal(t, Invalid, RunTransition(RunRegistered, RunRunning))
}

func TestTaskAfterInstanceError(t *testing.T) {
	assert.Equal(t, TaskErrorRecoverable, TaskAfterInstanceError(1, 3))
	assert.Equal(t, TaskErrorRecoverable, TaskAfterInstanceError(2, 3))
	assert.Equal(t, TaskErrorFatal, TaskAfterInstanceError(3, 3))
	assert.Equal(t, TaskErrorFatal, TaskAfterInstanceError(4, 3))
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, TaskDone.Terminal())
	assert.True(t, TaskErrorFatal.Terminal())
	assert.False(t, TaskAdjustingResources.Terminal())

	assert.True(t, InstanceNoHeartbeat.Terminal())
	assert.False(t, InstanceTriaging.Terminal())
	assert.False(t, InstanceKillSelf.Terminal())

	assert.True(t, RunAborted.Terminal())
	assert.False(t, RunColdResume.Terminal())
}

func TestIsError(t *testing.T) {
	for _, st := range ErrorInstanceStatuses {
		assert.True(t, st.IsError(), string(st))
	}
	assert.False(t, InstanceDone.IsError())
	assert.False(t, InstanceKillSelf.IsError())
}
