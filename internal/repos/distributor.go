package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type DistributorRepo interface {
	Register(ctx context.Context, tx *gorm.DB, workflowRunID int64, reportBy time.Time) (*domain.DistributorInstance, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error
	LatestForRun(ctx context.Context, tx *gorm.DB, workflowRunID int64) (*domain.DistributorInstance, error)
}

type distributorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDistributorRepo(db *gorm.DB, baseLog *logger.Logger) DistributorRepo {
	return &distributorRepo{db: db, log: baseLog.With("repo", "DistributorRepo")}
}

func (r *distributorRepo) Register(ctx context.Context, tx *gorm.DB, workflowRunID int64, reportBy time.Time) (*domain.DistributorInstance, error) {
	transaction := resolve(r.db, tx)
	di := domain.DistributorInstance{
		WorkflowRunID: workflowRunID,
		ReportByDate:  reportBy,
		CreatedDate:   time.Now().UTC(),
	}
	if err := transaction.WithContext(ctx).Create(&di).Error; err != nil {
		return nil, err
	}
	return &di, nil
}

func (r *distributorRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id int64, reportBy time.Time) error {
	transaction := resolve(r.db, tx)
	return transaction.WithContext(ctx).
		Model(&domain.DistributorInstance{}).
		Where("id = ? AND report_by_date < ?", id, reportBy).
		Update("report_by_date", reportBy).Error
}

func (r *distributorRepo) LatestForRun(ctx context.Context, tx *gorm.DB, workflowRunID int64) (*domain.DistributorInstance, error) {
	transaction := resolve(r.db, tx)
	var di domain.DistributorInstance
	err := transaction.WithContext(ctx).
		Where("workflow_run_id = ?", workflowRunID).
		Order("id DESC").
		Limit(1).
		Find(&di).Error
	if err != nil {
		return nil, err
	}
	if di.ID == 0 {
		return nil, nil
	}
	return &di, nil
}
