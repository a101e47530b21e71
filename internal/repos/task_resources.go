package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type TaskResourcesRepo interface {
	GetOrCreate(ctx context.Context, tx *gorm.DB, tr *domain.TaskResources) (*domain.TaskResources, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskResources, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []int64) ([]*domain.TaskResources, error)
}

type taskResourcesRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskResourcesRepo(db *gorm.DB, baseLog *logger.Logger) TaskResourcesRepo {
	return &taskResourcesRepo{db: db, log: baseLog.With("repo", "TaskResourcesRepo")}
}

// GetOrCreate deduplicates on resources_hash: binding the same
// (queue, requested resources) twice yields the same row.
func (r *taskResourcesRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, tr *domain.TaskResources) (*domain.TaskResources, error) {
	transaction := resolve(r.db, tx)
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resources_hash"}},
			DoNothing: true,
		}).
		Create(tr)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return tr, nil
	}
	var existing domain.TaskResources
	err := transaction.WithContext(ctx).
		Where("resources_hash = ?", tr.ResourcesHash).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (r *taskResourcesRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.TaskResources, error) {
	transaction := resolve(r.db, tx)
	var tr domain.TaskResources
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&tr).Error
	if err != nil {
		return nil, err
	}
	if tr.ID == 0 {
		return nil, nil
	}
	return &tr, nil
}

func (r *taskResourcesRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []int64) ([]*domain.TaskResources, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.TaskResources
	if len(ids) == 0 {
		return out, nil
	}
	err := transaction.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}
