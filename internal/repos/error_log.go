package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type ErrorLogRepo interface {
	Add(ctx context.Context, tx *gorm.DB, taskInstanceID int64, description string) error
	LatestPerFailedTask(ctx context.Context, tx *gorm.DB, workflowID int64) (map[int64]string, error)
}

type errorLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewErrorLogRepo(db *gorm.DB, baseLog *logger.Logger) ErrorLogRepo {
	return &errorLogRepo{db: db, log: baseLog.With("repo", "ErrorLogRepo")}
}

func (r *errorLogRepo) Add(ctx context.Context, tx *gorm.DB, taskInstanceID int64, description string) error {
	transaction := resolve(r.db, tx)
	row := domain.TaskInstanceErrorLog{
		TaskInstanceID: taskInstanceID,
		ErrorTime:      time.Now().UTC(),
		Description:    description,
	}
	return transaction.WithContext(ctx).Create(&row).Error
}

// LatestPerFailedTask maps each ERROR_FATAL task of the workflow to the
// newest error-log description of its instances.
func (r *errorLogRepo) LatestPerFailedTask(ctx context.Context, tx *gorm.DB, workflowID int64) (map[int64]string, error) {
	transaction := resolve(r.db, tx)
	var rows []struct {
		TaskID      int64
		Description string
		LogID       int64
	}
	err := transaction.WithContext(ctx).
		Table("task_instance_error_log AS el").
		Select("ti.task_id AS task_id, el.description AS description, el.id AS log_id").
		Joins("JOIN task_instance ti ON ti.id = el.task_instance_id").
		Joins("JOIN task t ON t.id = ti.task_id").
		Where("t.workflow_id = ? AND t.status = ?", workflowID, fsm.TaskErrorFatal).
		Order("el.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// Ascending scan leaves the newest description per task in place.
	out := map[int64]string{}
	for _, row := range rows {
		out[row.TaskID] = row.Description
	}
	return out, nil
}
