package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// ResumeService implements workflow resume: flagging the active run
// for cold or hot shutdown, answering the resumability poll, and the
// cleanup escape hatch for externally killed jobs.
type ResumeService struct {
	log          *logger.Logger
	workflowRepo repos.WorkflowRepo
	runRepo      repos.WorkflowRunRepo
	instanceRepo repos.TaskInstanceRepo
	transitions  *TransitionService
}

func NewResumeService(
	baseLog *logger.Logger,
	workflowRepo repos.WorkflowRepo,
	runRepo repos.WorkflowRunRepo,
	instanceRepo repos.TaskInstanceRepo,
	transitions *TransitionService,
) *ResumeService {
	return &ResumeService{
		log:          baseLog.With("service", "ResumeService"),
		workflowRepo: workflowRepo,
		runRepo:      runRepo,
		instanceRepo: instanceRepo,
		transitions:  transitions,
	}
}

// SetResume flags the workflow's active run for shutdown. A cold
// resume (resetRunningJobs) kills running work too; a hot resume lets
// running instances finish and only stops work that has not started.
// With no active run the call is a no-op, the workflow is already
// resumable.
func (s *ResumeService) SetResume(ctx context.Context, tx *gorm.DB, workflowID int64, resetRunningJobs bool) error {
	wf, err := s.workflowRepo.GetByIDForUpdate(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if wf == nil {
		return fmt.Errorf("workflow %d: %w", workflowID, gorm.ErrRecordNotFound)
	}

	active, err := s.runRepo.GetActiveForWorkflow(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	target := fsm.RunHotResume
	if resetRunningJobs {
		target = fsm.RunColdResume
	}
	for _, run := range active {
		if _, err := s.transitions.TransitionRun(ctx, tx, run.ID, target); err != nil {
			return err
		}
	}

	_, err = s.instanceRepo.SetKillSelfForWorkflow(ctx, tx, workflowID, resetRunningJobs)
	return err
}

// IsResumable reports whether a new run may bind: no run is currently
// active and no instance is still waiting to acknowledge KILL_SELF.
// The pending count lets clients report progress while polling.
func (s *ResumeService) IsResumable(ctx context.Context, tx *gorm.DB, workflowID int64) (bool, int64, error) {
	active, err := s.runRepo.GetActiveForWorkflow(ctx, tx, workflowID)
	if err != nil {
		return false, 0, err
	}
	pending, err := s.instanceRepo.PendingKillSelf(ctx, tx, workflowID)
	if err != nil {
		return false, 0, err
	}
	return len(active) == 0 && pending == 0, pending, nil
}

// ForceCleanup resolves KILL_SELF instances that will never self-report
// because their processes were killed externally. It moves them to
// ERROR_FATAL directly and returns how many it resolved.
func (s *ResumeService) ForceCleanup(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error) {
	n, err := s.instanceRepo.ForceErrorFatalKillSelf(ctx, tx, workflowID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("Force-resolved task instances stuck in KILL_SELF",
			"workflow_id", workflowID, "count", n)
	}
	return n, nil
}
