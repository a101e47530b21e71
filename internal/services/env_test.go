package services

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/repos"
	"github.com/jobmon/jobmon/internal/repos/testutil"
)

// testEnv wires every service onto one in-memory database, the way the
// server entrypoint does.
type testEnv struct {
	db *gorm.DB

	workflowRepo repos.WorkflowRepo
	runRepo      repos.WorkflowRunRepo
	taskRepo     repos.TaskRepo
	instanceRepo repos.TaskInstanceRepo

	txn         *TxRunner
	transitions *TransitionService
	workflows   *WorkflowService
	runs        *RunService
	queue       *QueueService
	instances   *InstanceService
	resume      *ResumeService
	triage      *TriageService
	reaper      *Reaper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
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

	txn := NewTxRunner(db, log)
	transitions := NewTransitionService(log, workflowRepo, runRepo, taskRepo, instanceRepo, auditRepo, errorRepo)
	return &testEnv{
		db:           db,
		workflowRepo: workflowRepo,
		runRepo:      runRepo,
		taskRepo:     taskRepo,
		instanceRepo: instanceRepo,
		txn:          txn,
		transitions:  transitions,
		workflows:    NewWorkflowService(log, workflowRepo, runRepo, dagRepo, taskRepo, arrayRepo, resourcesRepo, clusterRepo, errorRepo),
		runs:         NewRunService(log, workflowRepo, runRepo, instanceRepo, distributorRepo, transitions),
		queue:        NewQueueService(log, workflowRepo, arrayRepo, taskRepo, instanceRepo, transitions),
		instances:    NewInstanceService(log, instanceRepo, taskRepo, transitions),
		resume:       NewResumeService(log, workflowRepo, runRepo, instanceRepo, transitions),
		triage:       NewTriageService(log, instanceRepo, transitions, 90*time.Second),
		reaper: NewReaper(log, txn, workflowRepo, runRepo, taskRepo, instanceRepo, transitions,
			ReaperConfig{}),
	}
}

// seedSeq keeps content hashes and node ids unique across seeds within
// one test.
var seedSeq atomic.Int64

func nextSeq() string { return strconv.FormatInt(seedSeq.Add(1), 10) }

func farFuture() time.Time { return time.Now().UTC().Add(time.Hour) }
func farPast() time.Time   { return time.Now().UTC().Add(-time.Hour) }

func timePtr(tm time.Time) *time.Time { return &tm }

func (e *testEnv) seedWorkflow(t *testing.T, status fsm.WorkflowStatus, maxConcurrent int) *domain.Workflow {
	t.Helper()
	wf := &domain.Workflow{
		ToolVersionID:          1,
		DagID:                  1,
		WorkflowArgsHash:       domain.HashParts(t.Name(), "args", nextSeq()),
		TaskHash:               domain.HashParts(t.Name(), "tasks", nextSeq()),
		Name:                   t.Name(),
		MaxConcurrentlyRunning: maxConcurrent,
		Status:                 status,
		StatusDate:             time.Now().UTC(),
	}
	if err := e.db.Create(wf).Error; err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	return wf
}

func (e *testEnv) seedRun(t *testing.T, workflowID int64, status fsm.WorkflowRunStatus, heartbeat time.Time) *domain.WorkflowRun {
	t.Helper()
	run := &domain.WorkflowRun{
		WorkflowID:    workflowID,
		User:          "tester",
		Status:        status,
		StatusDate:    time.Now().UTC(),
		HeartbeatDate: heartbeat,
		CreatedDate:   time.Now().UTC(),
	}
	if err := e.db.Create(run).Error; err != nil {
		t.Fatalf("seed workflow run: %v", err)
	}
	return run
}

func (e *testEnv) seedArray(t *testing.T, workflowID int64, maxConcurrent int) *domain.Array {
	t.Helper()
	arr := &domain.Array{
		WorkflowID:             workflowID,
		TaskTemplateVersionID:  seedSeq.Add(1),
		Name:                   t.Name(),
		MaxConcurrentlyRunning: maxConcurrent,
		CreatedDate:            time.Now().UTC(),
	}
	if err := e.db.Create(arr).Error; err != nil {
		t.Fatalf("seed array: %v", err)
	}
	return arr
}

func (e *testEnv) seedTask(t *testing.T, workflowID, arrayID int64, status fsm.TaskStatus, numAttempts, maxAttempts int) *domain.Task {
	t.Helper()
	task := &domain.Task{
		WorkflowID:   workflowID,
		ArrayID:      arrayID,
		NodeID:       seedSeq.Add(1),
		TaskArgsHash: domain.HashParts(t.Name(), nextSeq()),
		Command:      "true",
		Status:       status,
		StatusDate:   time.Now().UTC(),
		NumAttempts:  numAttempts,
		MaxAttempts:  maxAttempts,
	}
	if err := e.db.Create(task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func (e *testEnv) seedInstance(t *testing.T, task *domain.Task, runID int64, status fsm.TaskInstanceStatus, reportBy *time.Time) *domain.TaskInstance {
	t.Helper()
	ti := &domain.TaskInstance{
		TaskID:        task.ID,
		WorkflowRunID: runID,
		ArrayID:       task.ArrayID,
		Status:        status,
		StatusDate:    time.Now().UTC(),
		ReportByDate:  reportBy,
	}
	if err := e.db.Create(ti).Error; err != nil {
		t.Fatalf("seed task instance: %v", err)
	}
	return ti
}

func (e *testEnv) taskStatus(t *testing.T, id int64) fsm.TaskStatus {
	t.Helper()
	var task domain.Task
	if err := e.db.First(&task, id).Error; err != nil {
		t.Fatalf("reload task %d: %v", id, err)
	}
	return task.Status
}

func (e *testEnv) instanceStatus(t *testing.T, id int64) fsm.TaskInstanceStatus {
	t.Helper()
	var ti domain.TaskInstance
	if err := e.db.First(&ti, id).Error; err != nil {
		t.Fatalf("reload task instance %d: %v", id, err)
	}
	return ti.Status
}

func (e *testEnv) runStatus(t *testing.T, id int64) fsm.WorkflowRunStatus {
	t.Helper()
	var run domain.WorkflowRun
	if err := e.db.First(&run, id).Error; err != nil {
		t.Fatalf("reload workflow run %d: %v", id, err)
	}
	return run.Status
}

func (e *testEnv) workflowStatus(t *testing.T, id int64) fsm.WorkflowStatus {
	t.Helper()
	var wf domain.Workflow
	if err := e.db.First(&wf, id).Error; err != nil {
		t.Fatalf("reload workflow %d: %v", id, err)
	}
	return wf.Status
}
