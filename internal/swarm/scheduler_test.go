package swarm

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/client"
	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/handlers"
	"github.com/jobmon/jobmon/internal/repos"
	"github.com/jobmon/jobmon/internal/repos/testutil"
	"github.com/jobmon/jobmon/internal/server"
	"github.com/jobmon/jobmon/internal/services"
)

// schedEnv hosts a real state service for the scheduler to talk to.
type schedEnv struct {
	db  *gorm.DB
	api *client.Client
}

func newSchedEnv(t *testing.T) *schedEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)

	workflowRepo := repos.NewWorkflowRepo(db, log)
	runRepo := repos.NewWorkflowRunRepo(db, log)
	dagRepo := repos.NewDagRepo(db, log)
	taskRepo := repos.NewTaskRepo(db, log)
	instanceRepo := repos.NewTaskInstanceRepo(db, log)
	arrayRepo := repos.NewArrayRepo(db, log)
	resourcesRepo := repos.NewTaskResourcesRepo(db, log)
	clusterRepo := repos.NewClusterRepo(db, log)
	auditRepo := repos.NewAuditRepo(db, log)
	errorRepo := repos.NewErrorLogRepo(db, log)
	distributorRepo := repos.NewDistributorRepo(db, log)

	txn := services.NewTxRunner(db, log)
	transitions := services.NewTransitionService(log, workflowRepo, runRepo, taskRepo, instanceRepo, auditRepo, errorRepo)
	workflows := services.NewWorkflowService(log, workflowRepo, runRepo, dagRepo, taskRepo, arrayRepo, resourcesRepo, clusterRepo, errorRepo)
	runs := services.NewRunService(log, workflowRepo, runRepo, instanceRepo, distributorRepo, transitions)
	queue := services.NewQueueService(log, workflowRepo, arrayRepo, taskRepo, instanceRepo, transitions)
	instances := services.NewInstanceService(log, instanceRepo, taskRepo, transitions)
	resume := services.NewResumeService(log, workflowRepo, runRepo, instanceRepo, transitions)
	triage := services.NewTriageService(log, instanceRepo, transitions, 90*time.Second)

	router := server.NewRouter(server.RouterConfig{
		WorkflowHandler: handlers.NewWorkflowHandler(txn, workflows, resume),
		RunHandler:      handlers.NewRunHandler(txn, runs, queue, triage),
		InstanceHandler: handlers.NewInstanceHandler(txn, instances),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &schedEnv{db: db, api: client.New(srv.URL, log)}
}

// seedSchedulable creates a workflow, run, and one array holding n
// REGISTERING tasks, and returns a matching SwarmState with every task
// ready to run.
func (e *schedEnv) seedSchedulable(t *testing.T, n, workflowCap, arrayCap int) *SwarmState {
	t.Helper()
	now := time.Now().UTC()

	wf := &domain.Workflow{
		ToolVersionID: 1, DagID: 1,
		WorkflowArgsHash: domain.HashParts(t.Name(), "args"),
		TaskHash:         domain.HashParts(t.Name(), "tasks"),
		Name:             t.Name(), MaxConcurrentlyRunning: workflowCap,
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
		MaxConcurrentlyRunning: arrayCap, CreatedDate: now,
	}
	require.NoError(t, e.db.Create(arr).Error)

	state := NewState(wf.ID, run.ID, 1, workflowCap)
	state.AddArray(&SwarmArray{ID: arr.ID, MaxConcurrentlyRunning: arrayCap})
	for i := 0; i < n; i++ {
		task := &domain.Task{
			WorkflowID: wf.ID, ArrayID: arr.ID, NodeID: int64(i + 1),
			TaskArgsHash: domain.HashParts(t.Name(), fmt.Sprint(i)),
			Command:      "true", Status: fsm.TaskRegistering, StatusDate: now,
			MaxAttempts: 3,
		}
		require.NoError(t, e.db.Create(task).Error)
		state.AddTask(&SwarmTask{
			ID: task.ID, ArrayID: arr.ID, Status: fsm.TaskRegistering,
			MaxAttempts: 3,
			QueueID:     1, QueueName: "normal", ResourcesTypeID: "standard",
			RequestedResources: map[string]float64{"cores": 1},
		})
		state.PushReady(task.ID)
	}
	return state
}

func (e *schedEnv) taskStatus(t *testing.T, id int64) fsm.TaskStatus {
	t.Helper()
	var task domain.Task
	require.NoError(t, e.db.First(&task, id).Error)
	return task.Status
}

func TestSchedulerQueuesReadyTasks(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	state := env.seedSchedulable(t, 3, 100, 100)
	sched := NewScheduler(testutil.Logger(t), env.api, state)

	require.NoError(t, sched.Tick(ctx, time.Now().Add(time.Minute)))

	assert.Empty(t, state.ReadyToRun())
	for id, task := range state.Tasks() {
		assert.Equal(t, fsm.TaskQueued, task.Status)
		assert.Equal(t, fsm.TaskQueued, env.taskStatus(t, id))
	}

	var instances int64
	require.NoError(t, env.db.Model(&domain.TaskInstance{}).
		Where("status = ?", fsm.InstanceQueued).Count(&instances).Error)
	assert.Equal(t, int64(3), instances)

	// Resources were bound once and cached for the shared request.
	var bound int64
	require.NoError(t, env.db.Model(&domain.TaskResources{}).Count(&bound).Error)
	assert.Equal(t, int64(1), bound)
}

func TestSchedulerSetsAsideTasksOverArrayCap(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	state := env.seedSchedulable(t, 3, 100, 2)
	sched := NewScheduler(testutil.Logger(t), env.api, state)

	require.NoError(t, sched.Tick(ctx, time.Now().Add(time.Minute)))

	assert.Equal(t, 2, state.CountByStatus(fsm.TaskQueued))
	require.Len(t, state.ReadyToRun(), 1)

	// The set-aside task is still REGISTERING and runs once room opens.
	leftover := state.ReadyToRun()[0]
	assert.Equal(t, fsm.TaskRegistering, env.taskStatus(t, leftover))
}

func TestSchedulerHonorsWorkflowCapAcrossTicks(t *testing.T) {
	env := newSchedEnv(t)
	ctx := context.Background()
	state := env.seedSchedulable(t, 3, 2, 100)
	sched := NewScheduler(testutil.Logger(t), env.api, state)

	require.NoError(t, sched.Tick(ctx, time.Now().Add(time.Minute)))
	assert.Equal(t, 2, state.CountByStatus(fsm.TaskQueued))

	// No capacity freed: the next tick is a no-op.
	require.NoError(t, sched.Tick(ctx, time.Now().Add(time.Minute)))
	assert.Equal(t, 2, state.CountByStatus(fsm.TaskQueued))
	assert.Len(t, state.ReadyToRun(), 1)
}
