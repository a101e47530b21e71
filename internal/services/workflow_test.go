package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
)

func TestBindDagIdempotentOnHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hash := domain.HashParts(t.Name())
	first, err := env.workflows.BindDag(ctx, env.db, hash)
	require.NoError(t, err)
	assert.True(t, first.NewlyCreated)

	second, err := env.workflows.BindDag(ctx, env.db, hash)
	require.NoError(t, err)
	assert.False(t, second.NewlyCreated)
	assert.Equal(t, first.DagID, second.DagID)

	_, err = env.workflows.BindDag(ctx, env.db, "")
	assert.ErrorIs(t, err, domain.ErrInvalidUsage)
}

func TestBindWorkflowIdempotentOnIdentityTuple(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := BindWorkflowRequest{
		ToolVersionID:    1,
		DagID:            1,
		WorkflowArgsHash: domain.HashParts(t.Name(), "args"),
		TaskHash:         domain.HashParts(t.Name(), "tasks"),
		Name:             t.Name(),
	}
	first, err := env.workflows.BindWorkflow(ctx, env.db, req)
	require.NoError(t, err)
	assert.True(t, first.NewlyCreated)
	assert.Equal(t, fsm.WorkflowRegistering, first.Status)

	second, err := env.workflows.BindWorkflow(ctx, env.db, req)
	require.NoError(t, err)
	assert.False(t, second.NewlyCreated)
	assert.Equal(t, first.WorkflowID, second.WorkflowID)

	// Unset cap falls back to the default.
	max, err := env.workflows.GetMaxConcurrentlyRunning(ctx, env.db, first.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 10000, max)

	_, err = env.workflows.BindWorkflow(ctx, env.db, BindWorkflowRequest{ToolVersionID: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidUsage)
}

func TestBindNodesKeysResultsBySpec(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	specs := []BindNodeSpec{
		{TaskTemplateVersionID: 1, NodeArgsHash: domain.HashParts(t.Name(), "a")},
		{TaskTemplateVersionID: 1, NodeArgsHash: domain.HashParts(t.Name(), "b")},
	}
	first, err := env.workflows.BindNodes(ctx, env.db, specs)
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Rebinding the same specs yields the same ids.
	second, err := env.workflows.BindNodes(ctx, env.db, specs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBindTasksUpsertsAndMarksCreated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRegistering, 100)
	arr := env.seedArray(t, wf.ID, 100)

	specs := map[string]BindTaskSpec{
		"h1": {NodeID: 1, TaskArgsHash: domain.HashParts(t.Name(), "1"), ArrayID: arr.ID, Command: "true"},
		"h2": {NodeID: 2, TaskArgsHash: domain.HashParts(t.Name(), "2"), ArrayID: arr.ID, Command: "true", MaxAttempts: 5},
	}
	bound, err := env.workflows.BindTasks(ctx, env.db, wf.ID, true, specs)
	require.NoError(t, err)
	require.Len(t, bound, 2)
	assert.Equal(t, fsm.TaskRegistering, bound["h1"].Status)

	var persisted domain.Task
	require.NoError(t, env.db.First(&persisted, bound["h2"].TaskID).Error)
	assert.Equal(t, 5, persisted.MaxAttempts)

	var h1 domain.Task
	require.NoError(t, env.db.First(&h1, bound["h1"].TaskID).Error)
	assert.Equal(t, 3, h1.MaxAttempts, "unset attempt budget defaults")

	var reloaded domain.Workflow
	require.NoError(t, env.db.First(&reloaded, wf.ID).Error)
	assert.NotNil(t, reloaded.CreatedDate)

	// Resubmission returns the existing rows.
	again, err := env.workflows.BindTasks(ctx, env.db, wf.ID, false, specs)
	require.NoError(t, err)
	assert.Equal(t, bound["h1"].TaskID, again["h1"].TaskID)
	assert.Equal(t, bound["h2"].TaskID, again["h2"].TaskID)
}

func TestBindTasksUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.workflows.BindTasks(ctx, env.db, 9999, false, map[string]BindTaskSpec{})
	assert.ErrorIs(t, err, domain.ErrEmptyWorkflow)
}

func TestBindResourcesDeduplicatesByContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	requested := json.RawMessage(`{"cores":2,"memory":8}`)
	first, err := env.workflows.BindResources(ctx, env.db, 1, "standard", requested)
	require.NoError(t, err)
	second, err := env.workflows.BindResources(ctx, env.db, 1, "standard", requested)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := env.workflows.BindResources(ctx, env.db, 1, "standard", json.RawMessage(`{"cores":4}`))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestGetTasksPageResolvesEdgesToTaskIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	arr := env.seedArray(t, wf.ID, 100)
	up := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRegistering, 0, 3)
	down := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRegistering, 0, 3)
	finished := env.seedTask(t, wf.ID, arr.ID, fsm.TaskDone, 1, 3)

	mustJSON := func(ids []int64) datatypes.JSON {
		raw, err := json.Marshal(ids)
		require.NoError(t, err)
		return datatypes.JSON(raw)
	}
	require.NoError(t, env.db.Create(&domain.Edge{
		DagID: wf.DagID, NodeID: up.NodeID,
		DownstreamNodes: mustJSON([]int64{down.NodeID}),
	}).Error)
	require.NoError(t, env.db.Create(&domain.Edge{
		DagID: wf.DagID, NodeID: down.NodeID,
		UpstreamNodes: mustJSON([]int64{up.NodeID, finished.NodeID}),
	}).Error)

	page, err := env.workflows.GetTasksPage(ctx, env.db, wf.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, page, 2, "finished task is filtered from the page")

	byID := map[int64]TaskPageEntry{}
	for _, entry := range page {
		byID[entry.TaskID] = entry
	}
	assert.Empty(t, byID[up.ID].UpstreamTaskIDs)
	assert.Equal(t, []int64{down.ID}, byID[up.ID].DownstreamTaskIDs)

	// Edges resolve even to tasks outside the page, so a resuming swarm
	// can count the finished upstream as already complete.
	assert.Equal(t, []int64{up.ID, finished.ID}, byID[down.ID].UpstreamTaskIDs)
}

func TestTaskStatusSinceFiltersByStatusDate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	arr := env.seedArray(t, wf.ID, 100)
	stale := env.seedTask(t, wf.ID, arr.ID, fsm.TaskDone, 1, 3)
	require.NoError(t, env.db.Model(stale).
		Update("status_date", time.Now().UTC().Add(-time.Hour)).Error)
	fresh := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 1, 3)

	full, err := env.workflows.TaskStatusSince(ctx, env.db, wf.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{stale.ID}, full.TasksByStatus[fsm.TaskDone])
	assert.Equal(t, []int64{fresh.ID}, full.TasksByStatus[fsm.TaskRunning])

	since := time.Now().UTC().Add(-time.Minute)
	delta, err := env.workflows.TaskStatusSince(ctx, env.db, wf.ID, &since)
	require.NoError(t, err)
	assert.Empty(t, delta.TasksByStatus[fsm.TaskDone])
	assert.Equal(t, []int64{fresh.ID}, delta.TasksByStatus[fsm.TaskRunning])
}

func TestUpdateMaxConcurrentlyRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowRunning, 100)
	require.NoError(t, env.workflows.UpdateMaxConcurrentlyRunning(ctx, env.db, wf.ID, 7))

	max, err := env.workflows.GetMaxConcurrentlyRunning(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, max)

	err = env.workflows.UpdateMaxConcurrentlyRunning(ctx, env.db, wf.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidUsage)
}

func TestTaskErrorsMapsFailedTasksToNewestDescription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	wf := env.seedWorkflow(t, fsm.WorkflowFailed, 100)
	run := env.seedRun(t, wf.ID, fsm.RunError, farPast())
	arr := env.seedArray(t, wf.ID, 100)

	failed := env.seedTask(t, wf.ID, arr.ID, fsm.TaskRunning, 3, 3)
	ti := env.seedInstance(t, failed, run.ID, fsm.InstanceRunning, nil)
	_, err := env.instances.LogError(ctx, env.db, ti.ID, fsm.InstanceError, "first failure", "", nil)
	require.NoError(t, err)

	// A retry on the same task fails again; the newest message wins.
	retry := env.seedInstance(t, failed, run.ID, fsm.InstanceRunning, nil)
	require.NoError(t, env.db.Model(&domain.Task{}).
		Where("id = ?", failed.ID).
		Update("status", fsm.TaskRunning).Error)
	_, err = env.instances.LogError(ctx, env.db, retry.ID, fsm.InstanceError, "second failure", "", nil)
	require.NoError(t, err)

	healthy := env.seedTask(t, wf.ID, arr.ID, fsm.TaskDone, 1, 3)

	errs, err := env.workflows.TaskErrors(ctx, env.db, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "second failure", errs[failed.ID])
	_, ok := errs[healthy.ID]
	assert.False(t, ok)
}
