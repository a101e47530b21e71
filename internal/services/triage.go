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

// TriageService flags task instances whose report deadline lapsed.
// RUNNING instances move to TRIAGING for the distributor to examine;
// LAUNCHED instances that never reported at all move straight to
// NO_HEARTBEAT. Both use a select-then-update so the set of ids is
// fixed before any row changes.
type TriageService struct {
	log          *logger.Logger
	instanceRepo repos.TaskInstanceRepo
	transitions  *TransitionService

	// heartbeatInterval is the worker's report cadence. LAUNCHED
	// instances get one extra interval of grace because a worker that
	// just started has not heartbeated yet.
	heartbeatInterval time.Duration
}

func NewTriageService(
	baseLog *logger.Logger,
	instanceRepo repos.TaskInstanceRepo,
	transitions *TransitionService,
	heartbeatInterval time.Duration,
) *TriageService {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 90 * time.Second
	}
	return &TriageService{
		log:               baseLog.With("service", "TriageService"),
		instanceRepo:      instanceRepo,
		transitions:       transitions,
		heartbeatInterval: heartbeatInterval,
	}
}

type TriageResult struct {
	Triaging    []int64 `json:"triaging"`
	NoHeartbeat []int64 `json:"no_heartbeat"`
}

// Sweep triages one workflow run. RUNNING past deadline goes to
// TRIAGING in bulk; the task does not move, a later heartbeat undoes
// the verdict. LAUNCHED past deadline and past the grace window goes
// to NO_HEARTBEAT one instance at a time so each parent task consults
// its attempt budget.
func (s *TriageService) Sweep(ctx context.Context, tx *gorm.DB, workflowRunID int64) (*TriageResult, error) {
	now := time.Now().UTC()
	res := &TriageResult{}

	running, err := s.instanceRepo.OverdueIDs(ctx, tx, workflowRunID, fsm.InstanceRunning, now, nil)
	if err != nil {
		return nil, err
	}
	if len(running) > 0 {
		if err := s.instanceRepo.BulkUpdateStatusByID(ctx, tx, running, fsm.InstanceTriaging); err != nil {
			return nil, err
		}
		res.Triaging = running
		observability.TriagedInstances.WithLabelValues(string(fsm.InstanceTriaging)).
			Add(float64(len(running)))
	}

	guard := now.Add(-s.heartbeatInterval)
	launched, err := s.instanceRepo.OverdueIDs(ctx, tx, workflowRunID, fsm.InstanceLaunched, now, &guard)
	if err != nil {
		return nil, err
	}
	for _, id := range launched {
		_, err := s.transitions.TransitionInstance(ctx, tx, id, fsm.InstanceNoHeartbeat,
			InstanceTransitionOpts{ErrorDescription: "task instance never logged a heartbeat after launch"})
		if err != nil {
			return nil, err
		}
		res.NoHeartbeat = append(res.NoHeartbeat, id)
	}
	if len(launched) > 0 {
		observability.TriagedInstances.WithLabelValues(string(fsm.InstanceNoHeartbeat)).
			Add(float64(len(launched)))
	}

	if len(res.Triaging) > 0 || len(res.NoHeartbeat) > 0 {
		s.log.Info("Triaged overdue task instances",
			"workflow_run_id", workflowRunID,
			"triaging", len(res.Triaging), "no_heartbeat", len(res.NoHeartbeat))
	}
	return res, nil
}

// GetTriaging returns the instances the distributor should reconcile
// against remote exit info.
func (s *TriageService) GetTriaging(ctx context.Context, tx *gorm.DB, workflowRunID int64) ([]int64, error) {
	instances, err := s.instanceRepo.GetByStatusForRun(ctx, tx, workflowRunID,
		[]fsm.TaskInstanceStatus{fsm.InstanceTriaging})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(instances))
	for _, ti := range instances {
		ids = append(ids, ti.ID)
	}
	return ids, nil
}
