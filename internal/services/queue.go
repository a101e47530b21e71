package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/observability"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// MaxBatchSize caps a single queue_task_batch request; the swarm chunks
// anything larger.
const MaxBatchSize = 500

// QueueService turns scheduler-picked tasks into queued task instances
// under the workflow and array concurrency caps.
type QueueService struct {
	log          *logger.Logger
	workflowRepo repos.WorkflowRepo
	arrayRepo    repos.ArrayRepo
	taskRepo     repos.TaskRepo
	instanceRepo repos.TaskInstanceRepo
	transitions  *TransitionService
}

func NewQueueService(
	baseLog *logger.Logger,
	workflowRepo repos.WorkflowRepo,
	arrayRepo repos.ArrayRepo,
	taskRepo repos.TaskRepo,
	instanceRepo repos.TaskInstanceRepo,
	transitions *TransitionService,
) *QueueService {
	return &QueueService{
		log:          baseLog.With("service", "QueueService"),
		workflowRepo: workflowRepo,
		arrayRepo:    arrayRepo,
		taskRepo:     taskRepo,
		instanceRepo: instanceRepo,
		transitions:  transitions,
	}
}

type QueueTaskBatchRequest struct {
	TaskIDs         []int64 `json:"task_ids"`
	WorkflowRunID   int64   `json:"workflow_run_id"`
	ClusterID       int64   `json:"cluster_id"`
	TaskResourcesID int64   `json:"task_resources_id"`
}

// QueueTaskBatchResponse reports, per task status, which of the
// requested tasks ended up where. Tasks refused by the concurrency cap
// stay in their prior status and appear there.
type QueueTaskBatchResponse struct {
	ArrayBatchNum int64                      `json:"array_batch_num"`
	TasksByStatus map[fsm.TaskStatus][]int64 `json:"tasks_by_status"`
	Instances     []*domain.TaskInstance     `json:"-"`
}

// QueueTaskBatch transitions eligible tasks to QUEUED, spends one
// attempt each, and creates one QUEUED task instance per task with
// consecutive array_step_ids under a fresh array_batch_num. Capacity is
// the tighter of the workflow and array caps measured against live
// instances; excess tasks are refused, not queued.
func (s *QueueService) QueueTaskBatch(ctx context.Context, tx *gorm.DB, arrayID int64, req QueueTaskBatchRequest) (*QueueTaskBatchResponse, error) {
	if len(req.TaskIDs) == 0 {
		return nil, fmt.Errorf("%w: empty task batch", domain.ErrInvalidUsage)
	}
	if len(req.TaskIDs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d",
			domain.ErrInvalidUsage, len(req.TaskIDs), MaxBatchSize)
	}

	array, err := s.arrayRepo.GetByID(ctx, tx, arrayID)
	if err != nil {
		return nil, err
	}
	if array == nil {
		return nil, fmt.Errorf("array %d: %w", arrayID, gorm.ErrRecordNotFound)
	}
	wf, err := s.workflowRepo.GetByID(ctx, tx, array.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %d: %w", array.WorkflowID, gorm.ErrRecordNotFound)
	}

	capacity, err := s.remainingCapacity(ctx, tx, wf, array)
	if err != nil {
		return nil, err
	}
	eligible := req.TaskIDs
	if int64(len(eligible)) > capacity {
		if capacity < 0 {
			capacity = 0
		}
		eligible = eligible[:capacity]
	}

	resp := &QueueTaskBatchResponse{TasksByStatus: map[fsm.TaskStatus][]int64{}}
	var queued []int64
	if len(eligible) > 0 {
		res, err := s.transitions.BulkTransitionTasks(ctx, tx, eligible, fsm.TaskQueued)
		if err != nil {
			return nil, err
		}
		queued = res.Transitioned
		if err := s.taskRepo.IncrementAttempts(ctx, tx, queued, req.TaskResourcesID); err != nil {
			return nil, err
		}
	}

	if len(queued) > 0 {
		batchNum, err := s.instanceRepo.NextArrayBatchNum(ctx, tx, arrayID)
		if err != nil {
			return nil, err
		}
		resp.ArrayBatchNum = int64(batchNum)

		instances := make([]*domain.TaskInstance, 0, len(queued))
		for step, taskID := range queued {
			ti := &domain.TaskInstance{
				TaskID:        taskID,
				WorkflowRunID: req.WorkflowRunID,
				ArrayID:       arrayID,
				ArrayBatchNum: batchNum,
				ArrayStepID:   step,
				ClusterID:     req.ClusterID,
				Status:        fsm.InstanceQueued,
			}
			if req.TaskResourcesID != 0 {
				id := req.TaskResourcesID
				ti.TaskResourcesID = &id
			}
			instances = append(instances, ti)
		}
		instances, err = s.instanceRepo.CreateBatch(ctx, tx, instances)
		if err != nil {
			return nil, err
		}
		resp.Instances = instances
		observability.SubmittedBatches.Inc()
		observability.SubmittedInstances.Add(float64(len(instances)))
	}

	// Report where every requested task landed so the swarm can put
	// refused tasks back on the ready queue.
	byStatus, err := s.statusOf(ctx, tx, req.TaskIDs)
	if err != nil {
		return nil, err
	}
	resp.TasksByStatus = byStatus
	return resp, nil
}

func (s *QueueService) remainingCapacity(ctx context.Context, tx *gorm.DB, wf *domain.Workflow, array *domain.Array) (int64, error) {
	activeWf, err := s.instanceRepo.CountActiveForWorkflow(ctx, tx, wf.ID)
	if err != nil {
		return 0, err
	}
	activeArr, err := s.instanceRepo.CountActiveForArray(ctx, tx, array.ID)
	if err != nil {
		return 0, err
	}
	wfRoom := int64(wf.MaxConcurrentlyRunning) - activeWf
	arrRoom := int64(array.MaxConcurrentlyRunning) - activeArr
	if arrRoom < wfRoom {
		return arrRoom, nil
	}
	return wfRoom, nil
}

func (s *QueueService) statusOf(ctx context.Context, tx *gorm.DB, ids []int64) (map[fsm.TaskStatus][]int64, error) {
	var rows []struct {
		ID     int64
		Status fsm.TaskStatus
	}
	err := tx.WithContext(ctx).
		Model(&domain.Task{}).
		Select("id", "status").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[fsm.TaskStatus][]int64{}
	for _, row := range rows {
		out[row.Status] = append(out[row.Status], row.ID)
	}
	// Ids the database no longer knows about would otherwise vanish
	// from the response.
	known := map[int64]bool{}
	for _, row := range rows {
		known[row.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			out["UNKNOWN"] = append(out["UNKNOWN"], id)
		}
	}
	return out, nil
}
