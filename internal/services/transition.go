package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/observability"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// TransitionService is the single place FSM edges are consulted and row
// locks are taken. Lock order for instance-driven cascades is always
// TaskInstance then Task. The service never commits; callers run it
// inside exactly one transaction (see TxRunner).
type TransitionService struct {
	log          *logger.Logger
	workflowRepo repos.WorkflowRepo
	runRepo      repos.WorkflowRunRepo
	taskRepo     repos.TaskRepo
	instanceRepo repos.TaskInstanceRepo
	auditRepo    repos.AuditRepo
	errorRepo    repos.ErrorLogRepo
}

func NewTransitionService(
	baseLog *logger.Logger,
	workflowRepo repos.WorkflowRepo,
	runRepo repos.WorkflowRunRepo,
	taskRepo repos.TaskRepo,
	instanceRepo repos.TaskInstanceRepo,
	auditRepo repos.AuditRepo,
	errorRepo repos.ErrorLogRepo,
) *TransitionService {
	return &TransitionService{
		log:          baseLog.With("service", "TransitionService"),
		workflowRepo: workflowRepo,
		runRepo:      runRepo,
		taskRepo:     taskRepo,
		instanceRepo: instanceRepo,
		auditRepo:    auditRepo,
		errorRepo:    errorRepo,
	}
}

// InstanceTransitionOpts carries side payloads recorded atomically with
// the instance transition.
type InstanceTransitionOpts struct {
	// Updates are extra task_instance columns (report_by_date, usage
	// stats, stderr_log, distributor_id).
	Updates map[string]interface{}
	// ErrorDescription, when set, is appended to the error log.
	ErrorDescription string
}

// TransitionInstance moves one task instance and cascades to its task.
// Untimely edges are logged and dropped; the instance is returned
// unchanged so the caller can see the surviving state.
func (s *TransitionService) TransitionInstance(ctx context.Context, tx *gorm.DB, instanceID int64, to fsm.TaskInstanceStatus, opts InstanceTransitionOpts) (*domain.TaskInstance, error) {
	ti, err := s.instanceRepo.GetByIDForUpdate(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}
	if ti == nil {
		return nil, fmt.Errorf("task instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}

	switch fsm.InstanceTransition(ti.Status, to) {
	case fsm.Untimely:
		s.log.Info("Dropping untimely task instance transition",
			"task_instance_id", ti.ID, "from", ti.Status, "to", to)
		return ti, nil
	case fsm.Invalid:
		return nil, &domain.InvalidStateTransition{
			Entity: "task_instance", ID: ti.ID,
			From: string(ti.Status), To: string(to),
		}
	}

	task, err := s.taskRepo.GetByIDForUpdate(ctx, tx, ti.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", ti.TaskID, gorm.ErrRecordNotFound)
	}

	updates := map[string]interface{}{"status": to}
	for k, v := range opts.Updates {
		updates[k] = v
	}
	if err := s.instanceRepo.UpdateFields(ctx, tx, ti.ID, updates); err != nil {
		return nil, err
	}
	ti.Status = to

	if to.IsError() && opts.ErrorDescription != "" {
		if err := s.errorRepo.Add(ctx, tx, ti.ID, opts.ErrorDescription); err != nil {
			return nil, err
		}
	}

	if err := s.cascadeToTask(ctx, tx, task, to); err != nil {
		return nil, err
	}
	observability.InstanceTransitions.WithLabelValues(string(to)).Inc()
	return ti, nil
}

// taskAdvanceChain is the canonical forward path; cascades walk it
// stepwise so a skipped intermediate report (e.g. a worker that went
// straight to RUNNING) still yields a legal edge sequence and a full
// audit trail.
var taskAdvanceChain = []fsm.TaskStatus{
	fsm.TaskRegistering, fsm.TaskQueued, fsm.TaskInstantiating,
	fsm.TaskLaunched, fsm.TaskRunning, fsm.TaskDone,
}

func (s *TransitionService) cascadeToTask(ctx context.Context, tx *gorm.DB, task *domain.Task, instanceStatus fsm.TaskInstanceStatus) error {
	if instanceStatus.IsError() {
		return s.taskAfterInstanceError(ctx, tx, task)
	}
	target, ok := fsm.InstanceToTask[instanceStatus]
	if !ok {
		// TRIAGING and KILL_SELF leave the task where it is.
		return nil
	}
	return s.advanceTask(ctx, tx, task, target)
}

func (s *TransitionService) advanceTask(ctx context.Context, tx *gorm.DB, task *domain.Task, target fsm.TaskStatus) error {
	pos := func(st fsm.TaskStatus) int {
		for i, c := range taskAdvanceChain {
			if c == st {
				return i
			}
		}
		return -1
	}
	from, to := pos(task.Status), pos(target)
	if from < 0 || to < 0 || to <= from {
		// Off-chain or backwards: a race remnant, not an error.
		s.log.Debug("Skipping task cascade",
			"task_id", task.ID, "from", task.Status, "to", target)
		return nil
	}
	for i := from + 1; i <= to; i++ {
		if err := s.setTaskStatus(ctx, tx, task, taskAdvanceChain[i]); err != nil {
			return err
		}
	}
	return nil
}

// taskAfterInstanceError routes the task through ERROR_RECOVERABLE to
// ADJUSTING_RESOURCES while attempts remain, ERROR_FATAL otherwise.
func (s *TransitionService) taskAfterInstanceError(ctx context.Context, tx *gorm.DB, task *domain.Task) error {
	if task.Status.Terminal() {
		return nil
	}
	if task.Status != fsm.TaskErrorRecoverable {
		if fsm.TaskTransition(task.Status, fsm.TaskErrorRecoverable) != fsm.Valid {
			s.log.Debug("Skipping error cascade",
				"task_id", task.ID, "from", task.Status)
			return nil
		}
		if err := s.setTaskStatus(ctx, tx, task, fsm.TaskErrorRecoverable); err != nil {
			return err
		}
	}
	next := fsm.TaskAfterInstanceError(task.NumAttempts, task.MaxAttempts)
	if next == fsm.TaskErrorRecoverable {
		next = fsm.TaskAdjustingResources
	}
	return s.setTaskStatus(ctx, tx, task, next)
}

func (s *TransitionService) setTaskStatus(ctx context.Context, tx *gorm.DB, task *domain.Task, to fsm.TaskStatus) error {
	prev := task.Status
	if err := s.taskRepo.UpdateFields(ctx, tx, task.ID, map[string]interface{}{"status": to}); err != nil {
		return err
	}
	if err := s.auditRepo.Append(ctx, tx, task.ID, prev, to); err != nil {
		return err
	}
	task.Status = to
	observability.TaskTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// BulkResult categorizes a bulk task transition.
type BulkResult struct {
	Transitioned []int64
	Invalid      []int64
	Locked       []int64
	NotFound     []int64
}

// BulkTransitionTasks locks the requested tasks with SKIP LOCKED so
// unrelated batches never serialize, then transitions the eligible
// subset in one update with one bulk audit insert.
func (s *TransitionService) BulkTransitionTasks(ctx context.Context, tx *gorm.DB, ids []int64, to fsm.TaskStatus) (*BulkResult, error) {
	res := &BulkResult{}
	if len(ids) == 0 {
		return res, nil
	}
	locked, err := s.taskRepo.GetForUpdateSkipLocked(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	seen := map[int64]*domain.Task{}
	for _, t := range locked {
		seen[t.ID] = t
	}

	var audits []domain.TaskStatusAudit
	for _, id := range ids {
		task, ok := seen[id]
		if !ok {
			continue
		}
		if fsm.TaskTransition(task.Status, to) != fsm.Valid {
			res.Invalid = append(res.Invalid, id)
			continue
		}
		res.Transitioned = append(res.Transitioned, id)
		audits = append(audits, domain.TaskStatusAudit{
			TaskID:         id,
			PreviousStatus: task.Status,
			NewStatus:      to,
		})
	}

	if len(res.Transitioned) > 0 {
		if err := s.taskRepo.BulkUpdateStatus(ctx, tx, res.Transitioned, to); err != nil {
			return nil, err
		}
		if err := s.auditRepo.AppendBulk(ctx, tx, audits); err != nil {
			return nil, err
		}
		observability.TaskTransitions.WithLabelValues(string(to)).
			Add(float64(len(res.Transitioned)))
	}

	// Rows we asked for but could not lock are either held by another
	// batch or gone entirely.
	if len(seen) < len(ids) {
		missing := make([]int64, 0, len(ids)-len(seen))
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				missing = append(missing, id)
			}
		}
		existing := map[int64]bool{}
		var found []int64
		err := tx.WithContext(ctx).
			Model(&domain.Task{}).
			Where("id IN ?", missing).
			Pluck("id", &found).Error
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			existing[id] = true
		}
		for _, id := range missing {
			if existing[id] {
				res.Locked = append(res.Locked, id)
			} else {
				res.NotFound = append(res.NotFound, id)
			}
		}
	}
	return res, nil
}

// TransitionRun moves a workflow run and cascades to the workflow.
func (s *TransitionService) TransitionRun(ctx context.Context, tx *gorm.DB, runID int64, to fsm.WorkflowRunStatus) (*domain.WorkflowRun, error) {
	run, err := s.runRepo.GetByIDForUpdate(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("workflow run %d: %w", runID, gorm.ErrRecordNotFound)
	}

	switch fsm.RunTransition(run.Status, to) {
	case fsm.Untimely:
		s.log.Info("Dropping untimely workflow run transition",
			"workflow_run_id", run.ID, "from", run.Status, "to", to)
		return run, nil
	case fsm.Invalid:
		return nil, &domain.InvalidStateTransition{
			Entity: "workflow_run", ID: run.ID,
			From: string(run.Status), To: string(to),
		}
	}

	if err := s.runRepo.UpdateStatus(ctx, tx, run.ID, to); err != nil {
		return nil, err
	}
	run.Status = to
	observability.RunTransitions.WithLabelValues(string(to)).Inc()

	if wfStatus, ok := fsm.RunToWorkflow[to]; ok {
		wf, err := s.workflowRepo.GetByIDForUpdate(ctx, tx, run.WorkflowID)
		if err != nil {
			return nil, err
		}
		// DONE workflows never move again.
		if wf != nil && wf.Status != fsm.WorkflowDone && wf.Status != wfStatus {
			if err := s.workflowRepo.UpdateStatus(ctx, tx, wf.ID, wfStatus); err != nil {
				return nil, err
			}
		}
	}
	return run, nil
}
