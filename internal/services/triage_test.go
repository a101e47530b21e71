package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon/jobmon/internal/fsm"
)

func TestSweepMovesOverdueRunningToTriaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)

	overdueTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	overdue := env.seedInstance(t, overdueTask, run.ID, fsm.InstanceRunning, timePtr(farPast()))
	healthyTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	healthy := env.seedInstance(t, healthyTask, run.ID, fsm.InstanceRunning, timePtr(farFuture()))

	res, err := env.triage.Sweep(ctx, env.db, run.ID)
	require.NoError(t, err)

	assert.Equal(t, []int64{overdue.ID}, res.Triaging)
	assert.Equal(t, fsm.InstanceTriaging, env.instanceStatus(t, overdue.ID))
	assert.Equal(t, fsm.InstanceRunning, env.instanceStatus(t, healthy.ID))
	// The task does not move on TRIAGING.
	assert.Equal(t, fsm.TaskRunning, env.taskStatus(t, overdueTask.ID))

	ids, err := env.triage.GetTriaging(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{overdue.ID}, ids)
}

func TestSweepLaunchedGetsGraceWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)

	// Overdue but launched recently: inside the grace window.
	freshTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskLaunched, 1, 3)
	fresh := env.seedInstance(t, freshTask, run.ID, fsm.InstanceLaunched, timePtr(farPast()))

	// Overdue and launched long ago: the worker never came up.
	staleTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskLaunched, 1, 3)
	stale := env.seedInstance(t, staleTask, run.ID, fsm.InstanceLaunched, timePtr(farPast()))
	require.NoError(t, env.db.Model(stale).
		Update("status_date", time.Now().UTC().Add(-time.Hour)).Error)

	res, err := env.triage.Sweep(ctx, env.db, run.ID)
	require.NoError(t, err)

	assert.Equal(t, []int64{stale.ID}, res.NoHeartbeat)
	assert.Equal(t, fsm.InstanceNoHeartbeat, env.instanceStatus(t, stale.ID))
	assert.Equal(t, fsm.InstanceLaunched, env.instanceStatus(t, fresh.ID))
	// NO_HEARTBEAT consults the attempt budget; attempts remain here.
	assert.Equal(t, fsm.TaskAdjustingResources, env.taskStatus(t, staleTask.ID))
}

func TestHeartbeatUndoesTriageVerdict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceTriaging, timePtr(farPast()))

	status, err := env.instances.Heartbeat(ctx, env.db, ti.ID, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceRunning, status)
	assert.Equal(t, fsm.InstanceRunning, env.instanceStatus(t, ti.ID))
}
