package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type ArrayRepo interface {
	GetOrCreate(ctx context.Context, tx *gorm.DB, arr *domain.Array) (*domain.Array, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Array, error)
	ListByWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) ([]*domain.Array, error)
}

type arrayRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArrayRepo(db *gorm.DB, baseLog *logger.Logger) ArrayRepo {
	return &arrayRepo{db: db, log: baseLog.With("repo", "ArrayRepo")}
}

func (r *arrayRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, arr *domain.Array) (*domain.Array, error) {
	transaction := resolve(r.db, tx)
	if arr.CreatedDate.IsZero() {
		arr.CreatedDate = time.Now().UTC()
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "workflow_id"}, {Name: "task_template_version_id"},
			},
			DoNothing: true,
		}).
		Create(arr)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return arr, nil
	}
	var existing domain.Array
	err := transaction.WithContext(ctx).
		Where("workflow_id = ? AND task_template_version_id = ?",
			arr.WorkflowID, arr.TaskTemplateVersionID).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *arrayRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Array, error) {
	transaction := resolve(r.db, tx)
	var arr domain.Array
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&arr).Error
	if err != nil {
		return nil, err
	}
	if arr.ID == 0 {
		return nil, nil
	}
	return &arr, nil
}

func (r *arrayRepo) ListByWorkflow(ctx context.Context, tx *gorm.DB, workflowID int64) ([]*domain.Array, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.Array
	err := transaction.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
