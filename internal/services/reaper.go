package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/observability"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// Reaper is the server-side garbage collector for dead workflow runs.
// Each poll reaps runs whose heartbeat deadline passed, grouped by
// what their state implies about the dead client, then repairs one
// page of workflow/task status inconsistencies.
type Reaper struct {
	log          *logger.Logger
	txn          *TxRunner
	workflowRepo repos.WorkflowRepo
	runRepo      repos.WorkflowRunRepo
	taskRepo     repos.TaskRepo
	instanceRepo repos.TaskInstanceRepo
	transitions  *TransitionService

	pollInterval time.Duration
	batchSize    int
	scanPageSize int

	// nextStartRow is the wrapping cursor of the inconsistency scan;
	// it survives polls, not restarts.
	nextStartRow int64
}

type ReaperConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ScanPageSize int
}

func NewReaper(
	baseLog *logger.Logger,
	txn *TxRunner,
	workflowRepo repos.WorkflowRepo,
	runRepo repos.WorkflowRunRepo,
	taskRepo repos.TaskRepo,
	instanceRepo repos.TaskInstanceRepo,
	transitions *TransitionService,
	cfg ReaperConfig,
) *Reaper {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ScanPageSize <= 0 {
		cfg.ScanPageSize = 100
	}
	return &Reaper{
		log:          baseLog.With("service", "Reaper"),
		txn:          txn,
		workflowRepo: workflowRepo,
		runRepo:      runRepo,
		taskRepo:     taskRepo,
		instanceRepo: instanceRepo,
		transitions:  transitions,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		scanPageSize: cfg.ScanPageSize,
	}
}

// Run polls until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				r.log.Error("Reaper poll failed", "error", err)
			}
		}
	}
}

// Poll runs one full reaper pass.
func (r *Reaper) Poll(ctx context.Context) error {
	if err := r.reapAborted(ctx); err != nil {
		return err
	}
	if err := r.reapTerminated(ctx); err != nil {
		return err
	}
	if err := r.reapErrored(ctx); err != nil {
		return err
	}
	return r.repairInconsistencies(ctx)
}

// reapAborted handles clients that died mid-bind: a run stuck in
// LINKING past its deadline never finished registering its tasks.
func (r *Reaper) reapAborted(ctx context.Context) error {
	return r.reap(ctx, []fsm.WorkflowRunStatus{fsm.RunLinking}, fsm.RunAborted, false)
}

// reapTerminated finishes resumes whose old client vanished before
// acknowledging: the run moves to TERMINATED and its surviving
// instances get KILL_SELF.
func (r *Reaper) reapTerminated(ctx context.Context) error {
	return r.reap(ctx,
		[]fsm.WorkflowRunStatus{fsm.RunColdResume, fsm.RunHotResume},
		fsm.RunTerminated, true)
}

// reapErrored handles the common case of a dead swarm: any live run
// whose heartbeat lapsed moves to ERROR and the workflow to FAILED.
func (r *Reaper) reapErrored(ctx context.Context) error {
	return r.reap(ctx,
		[]fsm.WorkflowRunStatus{fsm.RunBound, fsm.RunInstantiated, fsm.RunLaunched, fsm.RunRunning},
		fsm.RunError, false)
}

func (r *Reaper) reap(ctx context.Context, from []fsm.WorkflowRunStatus, to fsm.WorkflowRunStatus, killInstances bool) error {
	return r.txn.Run(ctx, func(tx *gorm.DB) error {
		overdue, err := r.runRepo.GetOverdue(ctx, tx, from, time.Now().UTC(), r.batchSize)
		if err != nil {
			return err
		}
		for _, run := range overdue {
			prior := run.Status
			if _, err := r.transitions.TransitionRun(ctx, tx, run.ID, to); err != nil {
				return err
			}
			if killInstances {
				includeRunning := prior != fsm.RunHotResume
				if _, err := r.instanceRepo.SetKillSelfForWorkflow(ctx, tx, run.WorkflowID, includeRunning); err != nil {
					return err
				}
			}
			r.log.Info("Reaped workflow run",
				"workflow_run_id", run.ID, "from", prior, "to", to)
			observability.ReapedRuns.WithLabelValues(string(prior)).Inc()
		}
		return nil
	})
}

// repairInconsistencies walks one page of workflows per poll with a
// cursor that wraps at the end of the table. A workflow reported
// FAILED whose tasks all reached DONE is repaired to DONE; this heals
// races where the terminal report was lost.
func (r *Reaper) repairInconsistencies(ctx context.Context) error {
	return r.txn.Run(ctx, func(tx *gorm.DB) error {
		page, err := r.workflowRepo.GetPage(ctx, tx, r.nextStartRow, r.scanPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			r.nextStartRow = 0
			return nil
		}
		for _, wf := range page {
			if wf.Status != fsm.WorkflowFailed {
				continue
			}
			counts, err := r.taskRepo.CountByStatus(ctx, tx, wf.ID)
			if err != nil {
				return err
			}
			var total, done int64
			for st, n := range counts {
				total += n
				if st == fsm.TaskDone {
					done += n
				}
			}
			if total > 0 && done == total {
				if err := r.workflowRepo.UpdateStatus(ctx, tx, wf.ID, fsm.WorkflowDone); err != nil {
					return err
				}
				r.log.Info("Repaired workflow status", "workflow_id", wf.ID,
					"from", fsm.WorkflowFailed, "to", fsm.WorkflowDone)
			}
		}
		if len(page) < r.scanPageSize {
			r.nextStartRow = 0
		} else {
			r.nextStartRow = page[len(page)-1].ID + 1
		}
		return nil
	})
}
