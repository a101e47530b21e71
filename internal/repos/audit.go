package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
)

type AuditRepo interface {
	Append(ctx context.Context, tx *gorm.DB, taskID int64, prev, next fsm.TaskStatus) error
	AppendBulk(ctx context.Context, tx *gorm.DB, rows []domain.TaskStatusAudit) error
	ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*domain.TaskStatusAudit, error)
}

type auditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRepo(db *gorm.DB, baseLog *logger.Logger) AuditRepo {
	return &auditRepo{db: db, log: baseLog.With("repo", "AuditRepo")}
}

// Append inserts the audit row for a transition and stamps exited_at on
// the task's previous open row.
func (r *auditRepo) Append(ctx context.Context, tx *gorm.DB, taskID int64, prev, next fsm.TaskStatus) error {
	transaction := resolve(r.db, tx)
	now := time.Now().UTC()
	err := transaction.WithContext(ctx).
		Model(&domain.TaskStatusAudit{}).
		Where("task_id = ? AND exited_at IS NULL", taskID).
		Update("exited_at", now).Error
	if err != nil {
		return err
	}
	row := domain.TaskStatusAudit{
		TaskID:         taskID,
		PreviousStatus: prev,
		NewStatus:      next,
		EnteredAt:      now,
	}
	return transaction.WithContext(ctx).Create(&row).Error
}

func (r *auditRepo) AppendBulk(ctx context.Context, tx *gorm.DB, rows []domain.TaskStatusAudit) error {
	transaction := resolve(r.db, tx)
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	ids := make([]int64, 0, len(rows))
	for i := range rows {
		if rows[i].EnteredAt.IsZero() {
			rows[i].EnteredAt = now
		}
		ids = append(ids, rows[i].TaskID)
	}
	err := transaction.WithContext(ctx).
		Model(&domain.TaskStatusAudit{}).
		Where("task_id IN ? AND exited_at IS NULL", ids).
		Update("exited_at", now).Error
	if err != nil {
		return err
	}
	return transaction.WithContext(ctx).Create(&rows).Error
}

func (r *auditRepo) ListByTask(ctx context.Context, tx *gorm.DB, taskID int64) ([]*domain.TaskStatusAudit, error) {
	transaction := resolve(r.db, tx)
	var out []*domain.TaskStatusAudit
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
