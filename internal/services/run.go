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

// RunService owns the workflow-run lifecycle: the lock-and-link bind,
// heartbeats, status updates, and the terminate path used by resume
// and shutdown.
type RunService struct {
	log             *logger.Logger
	workflowRepo    repos.WorkflowRepo
	runRepo         repos.WorkflowRunRepo
	instanceRepo    repos.TaskInstanceRepo
	distributorRepo repos.DistributorRepo
	transitions     *TransitionService
}

func NewRunService(
	baseLog *logger.Logger,
	workflowRepo repos.WorkflowRepo,
	runRepo repos.WorkflowRunRepo,
	instanceRepo repos.TaskInstanceRepo,
	distributorRepo repos.DistributorRepo,
	transitions *TransitionService,
) *RunService {
	return &RunService{
		log:             baseLog.With("service", "RunService"),
		workflowRepo:    workflowRepo,
		runRepo:         runRepo,
		instanceRepo:    instanceRepo,
		distributorRepo: distributorRepo,
		transitions:     transitions,
	}
}

type CreateRunResponse struct {
	WorkflowRunID int64                 `json:"workflow_run_id"`
	Status        fsm.WorkflowRunStatus `json:"status"`
}

// CreateRun implements the lock-and-link protocol: lock the workflow
// row, refuse if another run is still active (BOUND or RUNNING), then
// walk the new run REGISTERED -> LINKING -> BOUND in one transaction.
// The workflow cascades to QUEUED on BOUND.
func (s *RunService) CreateRun(ctx context.Context, tx *gorm.DB, workflowID int64, user, jobmonVersion string, nextReportIncrement time.Duration) (*CreateRunResponse, error) {
	wf, err := s.workflowRepo.GetByIDForUpdate(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow %d", domain.ErrEmptyWorkflow, workflowID)
	}
	if wf.Status == fsm.WorkflowDone {
		return nil, fmt.Errorf("%w: workflow %d is DONE", domain.ErrInvalidUsage, workflowID)
	}

	active, err := s.runRepo.GetActiveForWorkflow(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("%w: workflow %d already has an active run %d",
			domain.ErrWorkflowNotResumable, workflowID, active[0].ID)
	}

	now := time.Now().UTC()
	run := &domain.WorkflowRun{
		WorkflowID:    workflowID,
		User:          user,
		JobmonVersion: jobmonVersion,
		Status:        fsm.RunRegistered,
		StatusDate:    now,
		HeartbeatDate: now.Add(nextReportIncrement),
		CreatedDate:   now,
	}
	run, err = s.runRepo.Create(ctx, tx, run)
	if err != nil {
		return nil, err
	}
	if _, err := s.transitions.TransitionRun(ctx, tx, run.ID, fsm.RunLinking); err != nil {
		return nil, err
	}
	run, err = s.transitions.TransitionRun(ctx, tx, run.ID, fsm.RunBound)
	if err != nil {
		return nil, err
	}
	return &CreateRunResponse{WorkflowRunID: run.ID, Status: run.Status}, nil
}

// Heartbeat advances the run's deadline and echoes the current status
// so callers learn about server-side resume or termination in-band.
func (s *RunService) Heartbeat(ctx context.Context, tx *gorm.DB, runID int64, status fsm.WorkflowRunStatus, nextReportIncrement time.Duration) (fsm.WorkflowRunStatus, error) {
	run, err := s.runRepo.GetByID(ctx, tx, runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		return "", fmt.Errorf("workflow run %d: %w", runID, gorm.ErrRecordNotFound)
	}
	// The client may be reporting a lifecycle advance along with the
	// heartbeat (e.g. INSTANTIATED -> LAUNCHED -> RUNNING).
	if status != "" && status != run.Status {
		if fsm.RunTransition(run.Status, status) == fsm.Valid {
			run, err = s.transitions.TransitionRun(ctx, tx, runID, status)
			if err != nil {
				return "", err
			}
		}
	}
	reportBy := time.Now().UTC().Add(nextReportIncrement)
	if err := s.runRepo.Heartbeat(ctx, tx, runID, reportBy); err != nil {
		return "", err
	}
	return run.Status, nil
}

func (s *RunService) UpdateStatus(ctx context.Context, tx *gorm.DB, runID int64, status fsm.WorkflowRunStatus) (fsm.WorkflowRunStatus, error) {
	run, err := s.transitions.TransitionRun(ctx, tx, runID, status)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// TerminateTaskInstances flips every still-active instance of the run
// to KILL_SELF so workers and the distributor stop them.
func (s *RunService) TerminateTaskInstances(ctx context.Context, tx *gorm.DB, runID int64) (int64, error) {
	run, err := s.runRepo.GetByID(ctx, tx, runID)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, fmt.Errorf("workflow run %d: %w", runID, gorm.ErrRecordNotFound)
	}
	includeRunning := run.Status != fsm.RunHotResume
	return s.instanceRepo.SetKillSelfForWorkflow(ctx, tx, run.WorkflowID, includeRunning)
}

// RegisterDistributor records the distributor process bound to this
// run; the swarm's distributor_alive check reads the newest record.
func (s *RunService) RegisterDistributor(ctx context.Context, tx *gorm.DB, runID int64, nextReportIncrement time.Duration) (int64, error) {
	di, err := s.distributorRepo.Register(ctx, tx, runID, time.Now().UTC().Add(nextReportIncrement))
	if err != nil {
		return 0, err
	}
	return di.ID, nil
}

func (s *RunService) DistributorHeartbeat(ctx context.Context, tx *gorm.DB, distributorID int64, nextReportIncrement time.Duration) error {
	return s.distributorRepo.Heartbeat(ctx, tx, distributorID, time.Now().UTC().Add(nextReportIncrement))
}

// DistributorAlive reports whether the run's distributor has a live
// heartbeat deadline.
func (s *RunService) DistributorAlive(ctx context.Context, tx *gorm.DB, runID int64) (bool, error) {
	di, err := s.distributorRepo.LatestForRun(ctx, tx, runID)
	if err != nil {
		return false, err
	}
	if di == nil {
		return false, nil
	}
	return di.ReportByDate.After(time.Now().UTC()), nil
}
