package workernode

import (
	"context"
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

// stubPlugin resolves worker identity from a fixed instance id, the
// non-array path of the worker-side contract.
type stubPlugin struct {
	instanceID int64
	stdoutPath string
	stderrPath string
}

func (p *stubPlugin) ArrayCoordinates() (int64, int, int, bool) { return 0, 0, 0, false }
func (p *stubPlugin) TaskInstanceID() (int64, bool)             { return p.instanceID, true }
func (p *stubPlugin) StdoutPath() string                        { return p.stdoutPath }
func (p *stubPlugin) StderrPath() string                        { return p.stderrPath }

// workerEnv hosts a real state service and one launched instance for
// the worker under test.
type workerEnv struct {
	db    *gorm.DB
	api   *client.Client
	runID int64
}

func newWorkerEnv(t *testing.T) *workerEnv {
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

	return &workerEnv{db: db, api: client.New(srv.URL, log)}
}

// seedLaunchedInstance creates one LAUNCHED task instance running the
// given command, ready for a worker to claim.
func (e *workerEnv) seedLaunchedInstance(t *testing.T, command string) *domain.TaskInstance {
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
	e.runID = run.ID
	arr := &domain.Array{
		WorkflowID: wf.ID, TaskTemplateVersionID: 1, Name: t.Name(),
		MaxConcurrentlyRunning: 100, CreatedDate: now,
	}
	require.NoError(t, e.db.Create(arr).Error)

	task := &domain.Task{
		WorkflowID: wf.ID, ArrayID: arr.ID, NodeID: 1,
		TaskArgsHash: domain.HashParts(t.Name(), "task"),
		Command:      command, Status: fsm.TaskLaunched, StatusDate: now,
		NumAttempts: 1, MaxAttempts: 3,
	}
	require.NoError(t, e.db.Create(task).Error)

	ti := &domain.TaskInstance{
		TaskID: task.ID, WorkflowRunID: run.ID, ArrayID: arr.ID,
		ClusterID: 1, Status: fsm.InstanceLaunched,
	}
	require.NoError(t, e.db.Create(ti).Error)
	return ti
}

func (e *workerEnv) instanceStatus(t *testing.T, id int64) fsm.TaskInstanceStatus {
	t.Helper()
	var ti domain.TaskInstance
	require.NoError(t, e.db.First(&ti, id).Error)
	return ti.Status
}

func (e *workerEnv) newWorker(t *testing.T, instanceID int64) *Worker {
	t.Helper()
	return NewWorker(testutil.Logger(t), e.api, &stubPlugin{instanceID: instanceID}, Config{
		HeartbeatInterval:       40 * time.Millisecond,
		CommandInterruptTimeout: 200 * time.Millisecond,
	})
}

func TestWorkerRunsCommandToDone(t *testing.T) {
	env := newWorkerEnv(t)
	ti := env.seedLaunchedInstance(t, "true")
	w := env.newWorker(t, ti.ID)

	code, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, fsm.InstanceDone, env.instanceStatus(t, ti.ID))
}

func TestWorkerReportsErrorWithStderrTail(t *testing.T) {
	env := newWorkerEnv(t)
	ti := env.seedLaunchedInstance(t, "echo boom >&2; exit 3")
	w := env.newWorker(t, ti.ID)

	code, err := w.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, fsm.InstanceError, env.instanceStatus(t, ti.ID))

	var reloaded domain.TaskInstance
	require.NoError(t, env.db.First(&reloaded, ti.ID).Error)
	assert.Contains(t, reloaded.StderrLog, "boom")
}

func TestWorkerSkipsCommandWhenKilledBeforeStart(t *testing.T) {
	env := newWorkerEnv(t)
	ti := env.seedLaunchedInstance(t, "sleep 30")
	require.NoError(t, env.api.TerminateTaskInstances(context.Background(), env.runID))
	w := env.newWorker(t, ti.ID)

	code, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, fsm.InstanceKillSelf, env.instanceStatus(t, ti.ID))
}

func TestWorkerReportsFatalAfterKillSelfMidRun(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	ti := env.seedLaunchedInstance(t, "sleep 30")
	w := env.newWorker(t, ti.ID)

	type outcome struct {
		code int
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		code, err := w.Run(ctx)
		done <- outcome{code, err}
	}()

	// Wait for the worker to claim the instance, then flag the run's
	// instances for termination the way a cold resume does.
	require.Eventually(t, func() bool {
		return env.instanceStatus(t, ti.ID) == fsm.InstanceRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, env.api.TerminateTaskInstances(ctx, env.runID))

	select {
	case out := <-done:
		require.Error(t, out.err)
		assert.Equal(t, 1, out.code)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after KILL_SELF")
	}

	// ERROR_FATAL is the only exit from KILL_SELF the server accepts;
	// anything else would wedge the instance and block resume.
	assert.Equal(t, fsm.InstanceErrorFatal, env.instanceStatus(t, ti.ID))
}
