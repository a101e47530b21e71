package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
)

func TestLogRunningRefusesKillSelf(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskLaunched, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceKillSelf, nil)

	resp, err := env.instances.LogRunning(ctx, env.db, ti.ID, 123, "node1", time.Minute)
	require.NoError(t, err)
	assert.True(t, resp.KillSelf)
	// The instance is not moved; the worker dies instead.
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, ti.ID))
}

func TestLogRunningRecordsIdentityAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskLaunched, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceLaunched, nil)

	resp, err := env.instances.LogRunning(ctx, env.db, ti.ID, 123, "node1", time.Minute)
	require.NoError(t, err)
	assert.False(t, resp.KillSelf)
	assert.Equal(t, fsm.InstanceRunning, resp.Status)

	var reloaded domain.TaskInstance
	require.NoError(t, env.db.First(&reloaded, ti.ID).Error)
	assert.Equal(t, "node1", reloaded.Nodename)
	assert.Equal(t, 123, reloaded.ProcessGroupID)
	require.NotNil(t, reloaded.ReportByDate)
	assert.True(t, reloaded.ReportByDate.After(time.Now().UTC()))
	assert.Equal(t, fsm.TaskRunning, env.taskStatus(t, task.ID))
}

func TestLogDoneRecordsUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceRunning, nil)

	status, err := env.instances.LogDone(ctx, env.db, ti.ID, &UsageStats{
		MaxRSS: 4096, UserTimeSec: 1.5, SystemTimeSec: 0.25,
	})
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceDone, status)
	assert.Equal(t, fsm.TaskDone, env.taskStatus(t, task.ID))

	var reloaded domain.TaskInstance
	require.NoError(t, env.db.First(&reloaded, ti.ID).Error)
	assert.Equal(t, int64(4096), reloaded.MaxRSS)
	assert.Equal(t, 1.5, reloaded.UserTimeSec)
}

func TestLogErrorKeepsStderrTail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceRunning, nil)

	long := strings.Repeat("x", 20000) + "TAIL"
	status, err := env.instances.LogError(ctx, env.db, ti.ID, fsm.InstanceError, "boom", long, nil)
	require.NoError(t, err)
	assert.Equal(t, fsm.InstanceError, status)

	var reloaded domain.TaskInstance
	require.NoError(t, env.db.First(&reloaded, ti.ID).Error)
	assert.Len(t, reloaded.StderrLog, stderrTailBytes)
	assert.True(t, strings.HasSuffix(reloaded.StderrLog, "TAIL"))
}

func TestLogErrorRejectsNonErrorState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.instances.LogError(ctx, env.db, 1, fsm.InstanceDone, "", "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidUsage)
}

func TestInstantiateBatchSkipsRaced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)

	queuedTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskQueued, 1, 3)
	queued := env.seedInstance(t, queuedTask, run.ID, fsm.InstanceQueued, nil)
	doneTask := env.seedTask(t, wf.ID, arr.ID, fsm.TaskDone, 1, 3)
	raced := env.seedInstance(t, doneTask, run.ID, fsm.InstanceDone, nil)

	instantiated, skipped, err := env.instances.InstantiateBatch(ctx, env.db, []int64{queued.ID, raced.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{queued.ID}, instantiated)
	assert.Equal(t, []int64{raced.ID}, skipped)
	assert.Equal(t, fsm.InstanceInstantiated, env.instanceStatus(t, queued.ID))
}

func TestResolveArrayStepPicksNewest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskQueued, 1, 3)

	old := env.seedInstance(t, task, run.ID, fsm.InstanceError, nil)
	newer := env.seedInstance(t, task, run.ID, fsm.InstanceQueued, nil)

	got, err := env.instances.ResolveArrayStep(ctx, env.db, arr.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.NotEqual(t, old.ID, got.ID)
}

func TestTruncateTail(t *testing.T) {
	assert.Equal(t, "hello", TruncateTail("hello", 10))
	assert.Equal(t, "lo", TruncateTail("hello", 2))
	assert.Equal(t, "", TruncateTail("", 2))
}
