package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon/jobmon/internal/fsm"
)

func TestSetResumeCold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)

	queuedTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskQueued, 1, 3)
	runningTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	queued := env.seedInstance(t, queuedTask, run.ID, fsm.InstanceQueued, nil)
	running := env.seedInstance(t, runningTask, run.ID, fsm.InstanceRunning, nil)

	require.NoError(t, env.resume.SetResume(ctx, env.db, wf.ID, true))

	assert.Equal(t, fsm.RunColdResume, env.runStatus(t, run.ID))
	// Cold resume kills running work too.
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, queued.ID))
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, running.ID))

	ok, pending, err := env.resume.IsResumable(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), pending)
}

func TestSetResumeHotSparesRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)

	launchedTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskLaunched, 1, 3)
	runningTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	launched := env.seedInstance(t, launchedTask, run.ID, fsm.InstanceLaunched, nil)
	running := env.seedInstance(t, runningTask, run.ID, fsm.InstanceRunning, nil)

	require.NoError(t, env.resume.SetResume(ctx, env.db, wf.ID, false))

	assert.Equal(t, fsm.RunHotResume, env.runStatus(t, run.ID))
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, launched.ID))
	// Hot resume lets running instances finish.
	assert.Equal(t, fsm.InstanceRunning, env.instanceStatus(t, running.ID))
}

func TestSetResumeNoActiveRunIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowDone, 100)
	env.seedRun(t, wf.ID, fsm.RunDone, farPast())

	require.NoError(t, env.resume.SetResume(ctx, env.db, wf.ID, true))

	ok, pending, err := env.resume.IsResumable(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, pending)
}

func TestForceCleanupResolvesStuckKillSelf(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunColdResume, farPast())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	stuck := env.seedInstance(t, task, run.ID, fsm.InstanceKillSelf, nil)

	n, err := env.resume.ForceCleanup(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, fsm.InstanceErrorFatal, env.instanceStatus(t, stuck.ID))

	ok, pending, err := env.resume.IsResumable(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.True(t, ok)
}
