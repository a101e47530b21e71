package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
)

func TestCreateRunLockAndLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRegistering, 100)

	resp, err := env.runs.CreateRun(ctx, env.db, wf.ID, "tester", "0.1.0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunBound, resp.Status)
	assert.Equal(t, fsm.WorkflowQueued, env.workflowStatus(t, wf.ID))

	// The lifecycle walked REGISTERED -> LINKING -> BOUND.
	assert.Equal(t, fsm.RunBound, env.runStatus(t, resp.WorkflowRunID))
}

func TestCreateRunRefusesActiveRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())

	_, err := env.runs.CreateRun(ctx, env.db, wf.ID, "tester", "0.1.0", time.Minute)
	assert.ErrorIs(t, err, domain.ErrWorkflowNotResumable)
}

func TestCreateRunRefusesDoneWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowDone, 100)
	_, err := env.runs.CreateRun(ctx, env.db, wf.ID, "tester", "0.1.0", time.Minute)
	assert.ErrorIs(t, err, domain.ErrInvalidUsage)
}

func TestCreateRunAfterTerminatedRunSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowHalted, 100)
	env.seedRun(t, wf.ID, fsm.RunTerminated, farPast())

	resp, err := env.runs.CreateRun(ctx, env.db, wf.ID, "tester", "0.1.0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunBound, resp.Status)
}

func TestHeartbeatAdvancesLifecycleAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowQueued, 100)
	run := env.seedRun(t, wf.ID, fsm.RunBound, farPast())

	status, err := env.runs.Heartbeat(ctx, env.db, run.ID, fsm.RunInstantiated, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunInstantiated, status)
	assert.Equal(t, fsm.WorkflowInstantiating, env.workflowStatus(t, wf.ID))

	var reloaded domain.WorkflowRun
	require.NoError(t, env.db.First(&reloaded, run.ID).Error)
	assert.True(t, reloaded.HeartbeatDate.After(time.Now().UTC()))
}

func TestHeartbeatEchoesResumeInBand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunColdResume, farFuture())

	// The swarm heartbeats RUNNING, but the server flipped the run; the
	// invalid advance is ignored and the resume status echoed back.
	status, err := env.runs.Heartbeat(ctx, env.db, run.ID, fsm.RunRunning, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, fsm.RunColdResume, status)
}

func TestTerminateTaskInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())
	arr := env.seedArray(t, wf.ID, 100)
	task := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)
	ti := env.seedInstance(t, task, run.ID, fsm.InstanceRunning, nil)

	n, err := env.runs.TerminateTaskInstances(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, ti.ID))
}

func TestDistributorLiveness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	run := env.seedRun(t, wf.ID, fsm.RunRunning, farFuture())

	alive, err := env.runs.DistributorAlive(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.False(t, alive, "no distributor registered yet")

	id, err := env.runs.RegisterDistributor(ctx, env.db, run.ID, time.Minute)
	require.NoError(t, err)

	alive, err = env.runs.DistributorAlive(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	// An expired deadline means dead until the next heartbeat.
	require.NoError(t, env.db.Model(&domain.DistributorInstance{}).
		Where("id = ?", id).
		Update("report_by_date", farPast()).Error)
	alive, err = env.runs.DistributorAlive(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, env.runs.DistributorHeartbeat(ctx, env.db, id, time.Minute))
	alive, err = env.runs.DistributorAlive(ctx, env.db, run.ID)
	require.NoError(t, err)
	assert.True(t, alive)
}
