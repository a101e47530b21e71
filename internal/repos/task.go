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

type TaskRepo interface {
	BulkUpsert(ctx context.Context, tx *gorm.DB, tasks []*domain.Task) ([]*domain.Task, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Task, error)
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.Task, error)
	GetForUpdateSkipLocked(ctx context.Context, tx *gorm.DB, ids []int64) ([]*domain.Task, error)
	BulkUpdateStatus(ctx context.Context, tx *gorm.DB, ids []int64, status fsm.TaskStatus) error
	IncrementAttempts(ctx context.Context, tx *gorm.DB, ids []int64, taskResourcesID int64) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
	GetPage(ctx context.Context, tx *gorm.DB, workflowID, maxTaskID int64, chunkSize int, excludeDone bool) ([]*domain.Task, error)
	NodeMap(ctx context.Context, tx *gorm.DB, workflowID int64) (map[int64]int64, error)
	StatusSince(ctx context.Context, tx *gorm.DB, workflowID int64, since *time.Time) (map[fsm.TaskStatus][]int64, error)
	CountByStatus(ctx context.Context, tx *gorm.DB, workflowID int64) (map[fsm.TaskStatus]int64, error)
	SetArgs(ctx context.Context, tx *gorm.DB, args []domain.TaskArg) error
	SetAttributes(ctx context.Context, tx *gorm.DB, attrs []domain.TaskAttribute) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

// BulkUpsert binds tasks idempotently on (workflow_id, node_id,
// task_args_hash) and returns the persisted rows, existing or new, in
// input order.
func (r *taskRepo) BulkUpsert(ctx context.Context, tx *gorm.DB, tasks []*domain.Task) ([]*domain.Task, error) {
	transaction := resolve(r.db, tx)
	if len(tasks) == 0 {
		return []*domain.Task{}, nil
	}
	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "workflow_id"}, {Name: "node_id"}, {Name: "task_args_hash"},
			},
			DoNothing: true,
		}).
		Create(&tasks).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != 0 {
			out = append(out, t)
			continue
		}
		var existing domain.Task
		err := transaction.WithContext(ctx).
			Where("workflow_id = ? AND node_id = ? AND task_args_hash = ?",
				t.WorkflowID, t.NodeID, t.TaskArgsHash).
			First(&existing).Error
		if err != nil {
			return nil, err
		}
		out = append(out, &existing)
	}
	return out, nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*domain.Task, error) {
	transaction := resolve(r.db, tx)
	var t domain.Task
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

func (r *taskRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*domain.Task, error) {
	transaction := resolve(r.db, tx)
	var t domain.Task
	err := rowLock(transaction.WithContext(ctx), LockNowait).
		Where("id = ?", id).Limit(1).Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return nil, nil
	}
	return &t, nil
}

// GetForUpdateSkipLocked locks the reachable subset of the given tasks;
// rows locked by unrelated batches are skipped, not waited on.
func (r *taskRepo) GetForUpdateSkipLocked(ctx context.Context, tx *gorm.DB, ids []int64) ([]*domain.Task, error) {
	transaction := resolve(r.db, tx)
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*domain.Task
	err := rowLock(transaction.WithContext(ctx), LockSkipLocked).
		Where("id IN ?", ids).
		Find(&out).Error
	return out, err
}

func (r *taskRepo) BulkUpdateStatus(ctx context.Context, tx *gorm.DB, ids []int64, status fsm.TaskStatus) error {
	transaction := resolve(r.db, tx)
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      status,
			"status_date": time.Now().UTC(),
		}).Error
}

// IncrementAttempts spends one attempt per task as a batch is queued
// and pins the resources the attempt will run with.
func (r *taskRepo) IncrementAttempts(ctx context.Context, tx *gorm.DB, ids []int64, taskResourcesID int64) error {
	transaction := resolve(r.db, tx)
	if len(ids) == 0 {
		return nil
	}
	updates := map[string]interface{}{
		"num_attempts": gorm.Expr("num_attempts + 1"),
	}
	if taskResourcesID != 0 {
		updates["task_resources_id"] = taskResourcesID
	}
	return transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id IN ?", ids).
		Updates(updates).Error
}

func (r *taskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
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
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// GetPage serves the swarm's resume path: tasks ordered by id above
// maxTaskID, optionally excluding DONE rows server-side.
func (r *taskRepo) GetPage(ctx context.Context, tx *gorm.DB, workflowID, maxTaskID int64, chunkSize int, excludeDone bool) ([]*domain.Task, error) {
	transaction := resolve(r.db, tx)
	q := transaction.WithContext(ctx).
		Where("workflow_id = ? AND id > ?", workflowID, maxTaskID)
	if excludeDone {
		q = q.Where("status <> ?", fsm.TaskDone)
	}
	var out []*domain.Task
	err := q.Order("id ASC").Limit(chunkSize).Find(&out).Error
	return out, err
}

// NodeMap maps the workflow's node ids to task ids, for resolving dag
// edges into task adjacency.
func (r *taskRepo) NodeMap(ctx context.Context, tx *gorm.DB, workflowID int64) (map[int64]int64, error) {
	transaction := resolve(r.db, tx)
	var rows []struct {
		ID     int64
		NodeID int64
	}
	err := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Select("id", "node_id").
		Where("workflow_id = ?", workflowID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(rows))
	for _, row := range rows {
		out[row.NodeID] = row.ID
	}
	return out, nil
}

// StatusSince returns task ids grouped by status; with since set, only
// tasks whose status_date moved at or after it.
func (r *taskRepo) StatusSince(ctx context.Context, tx *gorm.DB, workflowID int64, since *time.Time) (map[fsm.TaskStatus][]int64, error) {
	transaction := resolve(r.db, tx)
	var rows []struct {
		ID     int64
		Status fsm.TaskStatus
	}
	q := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Select("id", "status").
		Where("workflow_id = ?", workflowID)
	if since != nil {
		q = q.Where("status_date >= ?", *since)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := map[fsm.TaskStatus][]int64{}
	for _, row := range rows {
		out[row.Status] = append(out[row.Status], row.ID)
	}
	return out, nil
}

func (r *taskRepo) CountByStatus(ctx context.Context, tx *gorm.DB, workflowID int64) (map[fsm.TaskStatus]int64, error) {
	transaction := resolve(r.db, tx)
	var rows []struct {
		Status fsm.TaskStatus
		N      int64
	}
	err := transaction.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status", "count(*) as n").
		Where("workflow_id = ?", workflowID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[fsm.TaskStatus]int64{}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *taskRepo) SetArgs(ctx context.Context, tx *gorm.DB, args []domain.TaskArg) error {
	transaction := resolve(r.db, tx)
	if len(args) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "arg_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"val"}),
		}).
		Create(&args).Error
}

func (r *taskRepo) SetAttributes(ctx context.Context, tx *gorm.DB, attrs []domain.TaskAttribute) error {
	transaction := resolve(r.db, tx)
	if len(attrs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&attrs).Error
}
