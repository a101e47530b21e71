package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/repos/testutil"
)

// seedResumable creates a three-task chain done -> upstream ->
// downstream with bound edges, as a crashed earlier run would have
// left it.
func (e *schedEnv) seedResumable(t *testing.T) (workflowID, runID, upstreamID, downstreamID int64) {
	t.Helper()
	now := time.Now().UTC()

	wf := &domain.Workflow{
		ToolVersionID: 1, DagID: 1,
		WorkflowArgsHash: domain.HashParts(t.Name(), "args"),
		TaskHash:         domain.HashParts(t.Name(), "tasks"),
		Name:             t.Name(), MaxConcurrentlyRunning: 100,
		Status: fsm.WorkflowRunning, StatusDate: now,
	}
	require.NoError(t, e.db.Create(wf).Error)
	run := &domain.WorkflowRun{
		WorkflowID: wf.ID, User: "tester",
		Status: fsm.RunRunning, StatusDate: now,
		HeartbeatDate: now.Add(time.Hour), CreatedDate: now,
	}
	require.NoError(t, e.db.Create(run).Error)
	arr := &domain.Array{
		WorkflowID: wf.ID, TaskTemplateVersionID: 1, Name: t.Name(),
		MaxConcurrentlyRunning: 100, CreatedDate: now,
	}
	require.NoError(t, e.db.Create(arr).Error)

	mkTask := func(nodeID int64, status fsm.TaskStatus) *domain.Task {
		task := &domain.Task{
			WorkflowID: wf.ID, ArrayID: arr.ID, NodeID: nodeID,
			TaskArgsHash: domain.HashParts(t.Name(), fmt.Sprint(nodeID)),
			Command:      "true", Status: status, StatusDate: now,
			MaxAttempts: 3,
		}
		require.NoError(t, e.db.Create(task).Error)
		return task
	}
	done := mkTask(1, fsm.TaskDone)
	upstream := mkTask(2, fsm.TaskRegistering)
	downstream := mkTask(3, fsm.TaskRegistering)

	mkEdge := func(nodeID int64, up, down []int64) {
		edge := &domain.Edge{DagID: wf.DagID, NodeID: nodeID}
		if up != nil {
			raw, err := json.Marshal(up)
			require.NoError(t, err)
			edge.UpstreamNodes = datatypes.JSON(raw)
		}
		if down != nil {
			raw, err := json.Marshal(down)
			require.NoError(t, err)
			edge.DownstreamNodes = datatypes.JSON(raw)
		}
		require.NoError(t, e.db.Create(edge).Error)
	}
	mkEdge(done.NodeID, nil, []int64{upstream.NodeID})
	mkEdge(upstream.NodeID, []int64{done.NodeID}, []int64{downstream.NodeID})
	mkEdge(downstream.NodeID, []int64{upstream.NodeID}, nil)

	return wf.ID, run.ID, upstream.ID, downstream.ID
}

func TestResumeBuildRestoresDependencyOrdering(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	workflowID, runID, upstreamID, downstreamID := env.seedResumable(t)

	builder := NewBuilder(testutil.Logger(t), env.api)
	state, err := builder.BuildFromWorkflowID(ctx, workflowID, runID, 1, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, state.NumPreviouslyComplete)
	assert.Equal(t, 2, state.NumTasks())

	// The finished upstream was filtered out of the page; its absence
	// counts as done, so only the middle task starts ready.
	assert.Equal(t, []int64{upstreamID}, state.ReadyToRun())

	dep := state.Task(downstreamID)
	require.NotNil(t, dep)
	assert.Equal(t, []int64{upstreamID}, dep.Upstream)
	assert.False(t, dep.UpstreamsDone())

	// Finishing the upstream releases the dependent task.
	newlyDone, _ := state.ApplyUpdate(StateUpdate{
		TaskStatuses: map[int64]fsm.TaskStatus{upstreamID: fsm.TaskDone},
	})
	state.PropagateDone(newlyDone)
	assert.Contains(t, state.ReadyToRun(), downstreamID)
}
