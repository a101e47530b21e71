package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type TaskInstanceRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, instances []*domain.TaskInstance) ([]*domain.TaskInstance, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskInstance, error)
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskInstance, error)
	GetByArrayStep(ctx context.Context, tx *gorm.DB, arrayID int64, batchNum, stepID int) (*domain.TaskInstance, error)
	GetByStatusForRun(ctx context.Context, tx *gorm.DB, workflowRunID int64, statuses []fsm.TaskInstanceStatus) ([]*domain.TaskInstance, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error
	SetKillSelfForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64, includeRunning bool) (int64, error)
	PendingKillSelf(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error)
	ForceErrorFatalKillSelf(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error)
	OverdueIDs(ctx context.Context, tx *gorm.DB, workflowRunID int64, status fsm.TaskInstanceStatus, now time.Time, statusDateBefore *time.Time) ([]int64, error)
	BulkUpdateStatusByID(ctx context.Context, tx *gorm.DB, ids []int64, status fsm.TaskInstanceStatus) error
	CountActiveForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error)
	CountActiveForArray(ctx context.Context, tx *gorm.DB, arrayID int64) (int64, error)
	NextArrayBatchNum(ctx context.Context, tx *gorm.DB, arrayID int64) (int, error)
}

type taskInstanceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskInstanceRepo(db *gorm.DB, baseLog *logger.Logger) TaskInstanceRepo {
	return &taskInstanceRepo{db: db, log: baseLog.With("repo", "TaskInstanceRepo")}
}

func (r *taskInstanceRepo) CreateBatch(ctx context.Context, tx *gorm.DB, instances []*domain.TaskInstance) ([]*domain.TaskInstance, error) {
	transaction := resolve(r.db, tx)
	if len(instances) == 0 {
		return []*domain.TaskInstance{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&instances).Error; err != nil {
		return nil, err
	}
	return instances, nil
}

func (r *taskInstanceRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskInstance, error) {
	transaction := resolve(r.db, tx)
	var ti domain.TaskInstance
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&ti).Error
	if err != nil {
		return nil, err
	}
	if ti.ID == 0 {
		return nil, nil
	}
	return &ti, nil
}

func (r *taskInstanceRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskInstance, error) {
	transaction := resolve(r.db, tx)
	var ti domain.TaskInstance
	err := rowLock(transaction.WithContext(ctx), LockNowait).
		Where("id = ?", id).Limit(1).Find(&ti).Error
	if err != nil {
		return nil, err
	}
	if ti.ID == 0 {
		return nil, nil
	}
	return &ti, nil
}

// GetByArrayStep resolves a worker's identity for array jobs: the row
// at (array_id, array_batch_num, array_step_id) for the newest attempt.
func (r *taskInstanceRepo) GetByArrayStep(ctx context.Context, tx *gorm.DB, arrayID int64, batchNum, stepID int) (*domain.TaskInstance, error) {
	transaction := resolve(r.db, tx)
	var ti domain.TaskInstance
	err := transaction.WithContext(ctx).
		Where("array_id = ? AND array_batch_num = ? AND array_step_id = ?", arrayID, batchNum, stepID).
		Order("id DESC").
		Limit(1).
		Find(&ti).Error
	if err != nil {
		return nil, err
	}
	if ti.ID == 0 {
		return nil, nil
	}
	return &ti, nil
}

func (r *taskInstanceRepo) GetByStatusForRun(ctx context.Context, tx *gorm.DB, workflowRunID int64, statuses []fsm.TaskInstanceStatus) ([]*domain.TaskInstance, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.TaskInstance
	err := transaction.WithContext(ctx).
		Where("workflow_run_id = ? AND status IN ?", workflowRunID, statuses).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *taskInstanceRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	transaction := resolve(r.db, tx)
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["status"]; ok {
		if _, has := updates["status_date"]; !has {
			updates["status_date"] = time.Now().UTC()
		}
	}
	return transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Heartbeat only ever advances report_by_date.
func (r *taskInstanceRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("id = ? AND (report_by_date IS NULL OR report_by_date < ?)", id, reportBy).
		Update("report_by_date", reportBy).Error
}

// SetKillSelfForWorkflow flags active instances of non-DONE tasks.
// Cold resume includes RUNNING; hot resume stops at LAUNCHED.
func (r *taskInstanceRepo) SetKillSelfForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64, includeRunning bool) (int64, error) {
	transaction := resolve(r.db, tx)
	statuses := []fsm.TaskInstanceStatus{
		fsm.InstanceQueued, fsm.InstanceInstantiated, fsm.InstanceLaunched,
	}
	if includeRunning {
		statuses = append(statuses, fsm.InstanceRunning, fsm.InstanceTriaging)
	}
	res := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("status IN ?", statuses).
		Where("task_id IN (?)", transaction.Model(&domain.Task{}).
			Select("id").
			Where("workflow_id = ? AND status <> ?", workflowID, fsm.TaskDone)).
		Updates(map[string]interface{}{
			"status":      fsm.InstanceKillSelf,
			"status_date": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *taskInstanceRepo) PendingKillSelf(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error) {
	transaction := resolve(r.db, tx)
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("status = ?", fsm.InstanceKillSelf).
		Where("task_id IN (?)", transaction.Model(&domain.Task{}).
			Select("id").
			Where("workflow_id = ?", workflowID)).
		Count(&n).Error
	return n, err
}

// ForceErrorFatalKillSelf is the resume escape hatch for externally
// killed jobs that will never self-report.
func (r *taskInstanceRepo) ForceErrorFatalKillSelf(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error) {
	transaction := resolve(r.db, tx)
	res := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("status = ?", fsm.InstanceKillSelf).
		Where("task_id IN (?)", transaction.Model(&domain.Task{}).
			Select("id").
			Where("workflow_id = ?", workflowID)).
		Updates(map[string]interface{}{
			"status":      fsm.InstanceErrorFatal,
			"status_date": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// OverdueIDs is the select phase of the two-phase triage sweep: ids of
// instances in the given status whose report_by_date has passed, with
// an optional status_date guard window.
func (r *taskInstanceRepo) OverdueIDs(ctx context.Context, tx *gorm.DB, workflowRunID int64, status fsm.TaskInstanceStatus, now time.Time, statusDateBefore *time.Time) ([]int64, error) {
	transaction := resolve(r.db, tx)
	q := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("workflow_run_id = ? AND status = ? AND report_by_date IS NOT NULL AND report_by_date <= ?",
			workflowRunID, status, now)
	if statusDateBefore != nil {
		q = q.Where("status_date < ?", *statusDateBefore)
	}
	var ids []int64
	err := q.Pluck("id", &ids).Error
	return ids, err
}

func (r *taskInstanceRepo) BulkUpdateStatusByID(ctx context.Context, tx *gorm.DB, ids []int64, status fsm.TaskInstanceStatus) error {
	transaction := resolve(r.db, tx)
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      status,
			"status_date": time.Now().UTC(),
		}).Error
}

func (r *taskInstanceRepo) CountActiveForWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) (int64, error) {
	transaction := resolve(r.db, tx)
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("status IN ?", fsm.ActiveInstanceStatuses).
		Where("task_id IN (?)", transaction.Model(&domain.Task{}).
			Select("id").
			Where("workflow_id = ?", workflowID)).
		Count(&n).Error
	return n, err
}

func (r *taskInstanceRepo) CountActiveForArray(ctx context.Context, tx *gorm.DB, arrayID int64) (int64, error) {
	transaction := resolve(r.db, tx)
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("array_id = ? AND status IN ?", arrayID, fsm.ActiveInstanceStatuses).
		Count(&n).Error
	return n, err
}

func (r *taskInstanceRepo) NextArrayBatchNum(ctx context.Context, tx *gorm.DB, arrayID int64) (int, error) {
	transaction := resolve(r.db, tx)
	var max *int
	err := transaction.WithContext(ctx).
		Model(&domain.TaskInstance{}).
		Where("array_id = ?", arrayID).
		Select("max(array_batch_num)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max + 1, nil
}
