package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// stderrTailBytes caps the stored stderr log; only the tail survives
// because the root cause of a crash is usually at the end.
const stderrTailBytes = 10000

// InstanceService serves the worker runtime: identity resolution,
// lifecycle reports, heartbeats, and the KILL_SELF poll.
type InstanceService struct {
	log          *logger.Logger
	instanceRepo repos.TaskInstanceRepo
	taskRepo     repos.TaskRepo
	transitions  *TransitionService
}

func NewInstanceService(
	baseLog *logger.Logger,
	instanceRepo repos.TaskInstanceRepo,
	taskRepo repos.TaskRepo,
	transitions *TransitionService,
) *InstanceService {
	return &InstanceService{
		log:          baseLog.With("service", "InstanceService"),
		instanceRepo: instanceRepo,
		taskRepo:     taskRepo,
		transitions:  transitions,
	}
}

// ResolveArrayStep maps a worker's (array, batch, step) coordinates to
// the newest task instance id at that slot.
func (s *InstanceService) ResolveArrayStep(ctx context.Context, tx *gorm.DB, arrayID int64, batchNum, stepID int) (*domain.TaskInstance, error) {
	ti, err := s.instanceRepo.GetByArrayStep(ctx, tx, arrayID, batchNum, stepID)
	if err != nil {
		return nil, err
	}
	if ti == nil {
		return nil, fmt.Errorf("array %d batch %d step %d: %w",
			arrayID, batchNum, stepID, gorm.ErrRecordNotFound)
	}
	return ti, nil
}

// InstanceDetails is what a worker needs to execute its instance.
type InstanceDetails struct {
	TaskInstanceID int64                  `json:"task_instance_id"`
	TaskID         int64                  `json:"task_id"`
	WorkflowID     int64                  `json:"workflow_id"`
	WorkflowRunID  int64                  `json:"workflow_run_id"`
	ArrayID        int64                  `json:"array_id"`
	Command        string                 `json:"command"`
	Status         fsm.TaskInstanceStatus `json:"status"`
}

// Details resolves the command and identity context for one instance.
func (s *InstanceService) Details(ctx context.Context, tx *gorm.DB, instanceID int64) (*InstanceDetails, error) {
	ti, err := s.instanceRepo.GetByID(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}
	if ti == nil {
		return nil, fmt.Errorf("task instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}
	task, err := s.taskRepo.GetByID(ctx, tx, ti.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", ti.TaskID, gorm.ErrRecordNotFound)
	}
	return &InstanceDetails{
		TaskInstanceID: ti.ID,
		TaskID:         task.ID,
		WorkflowID:     task.WorkflowID,
		WorkflowRunID:  ti.WorkflowRunID,
		ArrayID:        ti.ArrayID,
		Command:        task.Command,
		Status:         ti.Status,
	}, nil
}

// LogRunningResponse tells the worker whether to proceed or die.
type LogRunningResponse struct {
	Status   fsm.TaskInstanceStatus `json:"status"`
	KillSelf bool                   `json:"kill_self"`
}

// LogRunning is the worker's first report. A KILL_SELF instance is told
// to die instead of being moved; otherwise the instance goes RUNNING
// and its report deadline starts.
func (s *InstanceService) LogRunning(ctx context.Context, tx *gorm.DB, instanceID int64, processGroupID int, nodename string, nextReportIncrement time.Duration) (*LogRunningResponse, error) {
	ti, err := s.instanceRepo.GetByID(ctx, tx, instanceID)
	if err != nil {
		return nil, err
	}
	if ti == nil {
		return nil, fmt.Errorf("task instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}
	if ti.Status == fsm.InstanceKillSelf {
		return &LogRunningResponse{Status: ti.Status, KillSelf: true}, nil
	}

	updates := map[string]interface{}{
		"report_by_date": time.Now().UTC().Add(nextReportIncrement),
	}
	if nodename != "" {
		updates["nodename"] = nodename
	}
	if processGroupID != 0 {
		updates["process_group_id"] = processGroupID
	}
	ti, err = s.transitions.TransitionInstance(ctx, tx, instanceID, fsm.InstanceRunning,
		InstanceTransitionOpts{Updates: updates})
	if err != nil {
		return nil, err
	}
	return &LogRunningResponse{Status: ti.Status, KillSelf: ti.Status == fsm.InstanceKillSelf}, nil
}

// Heartbeat advances the instance deadline and echoes the current
// status so the worker learns about KILL_SELF in-band. The deadline
// only moves forward; a stale heartbeat never shortens it.
func (s *InstanceService) Heartbeat(ctx context.Context, tx *gorm.DB, instanceID int64, nextReportIncrement time.Duration) (fsm.TaskInstanceStatus, error) {
	ti, err := s.instanceRepo.GetByID(ctx, tx, instanceID)
	if err != nil {
		return "", err
	}
	if ti == nil {
		return "", fmt.Errorf("task instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}
	if ti.Status == fsm.InstanceTriaging {
		// The worker proved it is alive, so undo the triage verdict.
		ti, err = s.transitions.TransitionInstance(ctx, tx, instanceID, fsm.InstanceRunning, InstanceTransitionOpts{})
		if err != nil {
			return "", err
		}
	}
	if err := s.instanceRepo.Heartbeat(ctx, tx, instanceID, time.Now().UTC().Add(nextReportIncrement)); err != nil {
		return "", err
	}
	return ti.Status, nil
}

// UsageStats is the worker's final rusage report.
type UsageStats struct {
	MaxRSS        int64   `json:"maxrss"`
	UserTimeSec   float64 `json:"usage_utime"`
	SystemTimeSec float64 `json:"usage_stime"`
}

// LogDone records a successful exit and cascades the task to DONE.
func (s *InstanceService) LogDone(ctx context.Context, tx *gorm.DB, instanceID int64, usage *UsageStats) (fsm.TaskInstanceStatus, error) {
	updates := map[string]interface{}{}
	if usage != nil {
		updates["maxrss"] = usage.MaxRSS
		updates["usage_utime"] = usage.UserTimeSec
		updates["usage_stime"] = usage.SystemTimeSec
	}
	ti, err := s.transitions.TransitionInstance(ctx, tx, instanceID, fsm.InstanceDone,
		InstanceTransitionOpts{Updates: updates})
	if err != nil {
		return "", err
	}
	return ti.Status, nil
}

// LogError records a failed attempt. errorState picks the terminal
// status (ERROR, RESOURCE_ERROR, UNKNOWN_ERROR, ERROR_FATAL); the
// stderr tail and usage are stored with the transition, and the task
// attempt budget decides whether it retries.
func (s *InstanceService) LogError(ctx context.Context, tx *gorm.DB, instanceID int64, errorState fsm.TaskInstanceStatus, description, stderrLog string, usage *UsageStats) (fsm.TaskInstanceStatus, error) {
	if !errorState.IsError() {
		return "", fmt.Errorf("%w: %q is not an error state", domain.ErrInvalidUsage, errorState)
	}
	updates := map[string]interface{}{}
	if stderrLog != "" {
		updates["stderr_log"] = TruncateTail(stderrLog, stderrTailBytes)
	}
	if usage != nil {
		updates["maxrss"] = usage.MaxRSS
		updates["usage_utime"] = usage.UserTimeSec
		updates["usage_stime"] = usage.SystemTimeSec
	}
	ti, err := s.transitions.TransitionInstance(ctx, tx, instanceID, errorState,
		InstanceTransitionOpts{Updates: updates, ErrorDescription: description})
	if err != nil {
		return "", err
	}
	return ti.Status, nil
}

// LogDistributorID records the cluster-assigned id after submission and
// moves the instance to LAUNCHED with a fresh report deadline.
func (s *InstanceService) LogDistributorID(ctx context.Context, tx *gorm.DB, instanceID int64, distributorID string, nextReportIncrement time.Duration) (fsm.TaskInstanceStatus, error) {
	ti, err := s.transitions.TransitionInstance(ctx, tx, instanceID, fsm.InstanceLaunched,
		InstanceTransitionOpts{Updates: map[string]interface{}{
			"distributor_id": distributorID,
			"report_by_date": time.Now().UTC().Add(nextReportIncrement),
		}})
	if err != nil {
		return "", err
	}
	return ti.Status, nil
}

// LogNoDistributorID records a submission that never yielded a cluster
// id; the instance is dead on arrival and the task consults its
// attempt budget.
func (s *InstanceService) LogNoDistributorID(ctx context.Context, tx *gorm.DB, instanceID int64, description string) (fsm.TaskInstanceStatus, error) {
	if description == "" {
		description = "distributor did not return a distributor id"
	}
	ti, err := s.transitions.TransitionInstance(ctx, tx, instanceID, fsm.InstanceNoDistributorID,
		InstanceTransitionOpts{ErrorDescription: description})
	if err != nil {
		return "", err
	}
	return ti.Status, nil
}

// ListForRunByStatus serves the distributor's polls: QUEUED instances
// for the submission pump, LAUNCHED and RUNNING for the reconciler.
func (s *InstanceService) ListForRunByStatus(ctx context.Context, tx *gorm.DB, workflowRunID int64, statuses []fsm.TaskInstanceStatus) ([]*domain.TaskInstance, error) {
	return s.instanceRepo.GetByStatusForRun(ctx, tx, workflowRunID, statuses)
}

// InstantiateBatch moves picked-up instances QUEUED -> INSTANTIATED one
// at a time so each parent task cascades. Instances that raced into
// another state are skipped and reported back.
func (s *InstanceService) InstantiateBatch(ctx context.Context, tx *gorm.DB, ids []int64) (instantiated, skipped []int64, err error) {
	for _, id := range ids {
		ti, err := s.transitions.TransitionInstance(ctx, tx, id, fsm.InstanceInstantiated, InstanceTransitionOpts{})
		if err != nil {
			if domain.IsInvalidTransition(err) {
				skipped = append(skipped, id)
				continue
			}
			return nil, nil, err
		}
		if ti.Status == fsm.InstanceInstantiated {
			instantiated = append(instantiated, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return instantiated, skipped, nil
}

// KillSelf reports whether the instance has been flagged for
// termination. Workers poll this between heartbeats.
func (s *InstanceService) KillSelf(ctx context.Context, tx *gorm.DB, instanceID int64) (bool, error) {
	ti, err := s.instanceRepo.GetByID(ctx, tx, instanceID)
	if err != nil {
		return false, err
	}
	if ti == nil {
		return false, fmt.Errorf("task instance %d: %w", instanceID, gorm.ErrRecordNotFound)
	}
	return ti.Status == fsm.InstanceKillSelf, nil
}

// TruncateTail keeps the last max bytes of s.
func TruncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
