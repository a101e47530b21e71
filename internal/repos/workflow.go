package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type WorkflowRepo interface {
	GetOrCreate(ctx context.Context, tx *gorm.DB, wf *domain.Workflow) (*domain.Workflow, bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Workflow, error)
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.Workflow, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status fsm.WorkflowStatus) error
	MarkCreated(ctx context.Context, tx *gorm.DB, id int64) error
	GetMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, id int64) (int, error)
	UpdateMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, id int64, max int) error
	GetPage(ctx context.Context, tx *gorm.DB, startID int64, limit int) ([]*domain.Workflow, error)
	SetAttributes(ctx context.Context, tx *gorm.DB, id int64, attrs map[string]string) error
}

type workflowRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowRepo {
	return &workflowRepo{db: db, log: baseLog.With("repo", "WorkflowRepo")}
}

// GetOrCreate inserts the workflow if no row exists for its identity
// tuple and returns the persisted row either way. The bool reports
// whether this call created it.
func (r *workflowRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, wf *domain.Workflow) (*domain.Workflow, bool, error) {
	transaction := resolve(r.db, tx)
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tool_version_id"}, {Name: "dag_id"},
				{Name: "workflow_args_hash"}, {Name: "task_hash"},
			},
			DoNothing: true,
		}).
		Create(wf)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected > 0
	if !created {
		var existing domain.Workflow
		err := transaction.WithContext(ctx).
			Where("tool_version_id = ? AND dag_id = ? AND workflow_args_hash = ? AND task_hash = ?",
				wf.ToolVersionID, wf.DagID, wf.WorkflowArgsHash, wf.TaskHash).
			First(&existing).Error
		if err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	return wf, true, nil
}

func (r *workflowRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Workflow, error) {
	transaction := resolve(r.db, tx)
	var wf domain.Workflow
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&wf).Error
	if err != nil {
		return nil, err
	}
	if wf.ID == 0 {
		return nil, nil
	}
	return &wf, nil
}

func (r *workflowRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.Workflow, error) {
	transaction := resolve(r.db, tx)
	var wf domain.Workflow
	err := rowLock(transaction.WithContext(ctx), LockNowait).
		Where("id = ?", id).Limit(1).Find(&wf).Error
	if err != nil {
		return nil, err
	}
	if wf.ID == 0 {
		return nil, nil
	}
	return &wf, nil
}

func (r *workflowRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, status fsm.WorkflowStatus) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"status_date": time.Now().UTC(),
		}).Error
}

// MarkCreated stamps created_date once all tasks have finished binding.
func (r *workflowRepo) MarkCreated(ctx context.Context, tx *gorm.DB, id int64) error {
	transaction := resolve(r.db, tx)
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ? AND created_date IS NULL", id).
		Update("created_date", now).Error
}

func (r *workflowRepo) GetMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, id int64) (int, error) {
	transaction := resolve(r.db, tx)
	var max int
	err := transaction.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ?", id).
		Pluck("max_concurrently_running", &max).Error
	return max, err
}

func (r *workflowRepo) UpdateMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, id int64, max int) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.Workflow{}).
		Where("id = ?", id).
		Update("max_concurrently_running", max).Error
}

// GetPage returns workflows ordered by id starting at startID. The
// reaper's inconsistency scan pages with this.
func (r *workflowRepo) GetPage(ctx context.Context, tx *gorm.DB, startID int64, limit int) ([]*domain.Workflow, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.Workflow
	err := transaction.WithContext(ctx).
		Where("id >= ?", startID).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *workflowRepo) SetAttributes(ctx context.Context, tx *gorm.DB, id int64, attrs map[string]string) error {
	transaction := resolve(r.db, tx)
	if len(attrs) == 0 {
		return nil
	}
	rows := make([]domain.WorkflowAttribute, 0, len(attrs))
	for name, val := range attrs {
		rows = append(rows, domain.WorkflowAttribute{WorkflowID: id, Name: name, Value: val})
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&rows).Error
}
