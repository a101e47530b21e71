package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type WorkflowRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, run *domain.WorkflowRun) (*domain.WorkflowRun, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.WorkflowRun, error)
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.WorkflowRun, error)
	GetActiveForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) ([]*domain.WorkflowRun, error)
	GetLatestForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) (*domain.WorkflowRun, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status fsm.WorkflowRunStatus) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error
	GetOverdue(ctx context.Context, tx *gorm.DB, statuses []fsm.WorkflowRunStatus, cutoff time.Time, limit int) ([]*domain.WorkflowRun, error)
}

type workflowRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowRunRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowRunRepo {
	return &workflowRunRepo{db: db, log: baseLog.With("repo", "WorkflowRunRepo")}
}

func (r *workflowRunRepo) Create(ctx context.Context, tx *gorm.DB, run *domain.WorkflowRun) (*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	if err := transaction.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *workflowRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	var run domain.WorkflowRun
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

func (r *workflowRunRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	var run domain.WorkflowRun
	err := rowLock(transaction.WithContext(ctx), LockNowait).
		Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

// GetActiveForWorkflow returns runs holding the workflow: BOUND or
// RUNNING (the lock-and-link protocol allows at most one).
func (r *workflowRunRepo) GetActiveForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) ([]*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.WorkflowRun
	err := transaction.WithContext(ctx).
		Where("workflow_id = ? AND status IN ?", workflowID,
			[]fsm.WorkflowRunStatus{fsm.RunBound, fsm.RunRunning}).
		Find(&out).Error
	return out, err
}

func (r *workflowRunRepo) GetLatestForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) (*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	var run domain.WorkflowRun
	err := transaction.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

func (r *workflowRunRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status fsm.WorkflowRunStatus) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.WorkflowRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"status_date": time.Now().UTC(),
		}).Error
}

// Heartbeat advances heartbeat_date; reportBy is the new deadline and
// is only ever moved forward.
func (r *workflowRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.WorkflowRun{}).
		Where("id = ? AND heartbeat_date < ?", id, reportBy).
		Update("heartbeat_date", reportBy).Error
}

func (r *workflowRunRepo) GetOverdue(ctx context.Context, tx *gorm.DB, statuses []fsm.WorkflowRunStatus, cutoff time.Time, limit int) ([]*domain.WorkflowRun, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.WorkflowRun
	err := transaction.WithContext(ctx).
		Where("status IN ? AND heartbeat_date < ?", statuses, cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
