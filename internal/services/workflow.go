package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/repos"
)

// WorkflowService owns bind-time operations: workflow identity, task
// binding, arrays, task resources, and the workflow-level queries the
// swarm uses.
type WorkflowService struct {
	log           *logger.Logger
	workflowRepo  repos.WorkflowRepo
	runRepo       repos.WorkflowRunRepo
	dagRepo       repos.DagRepo
	taskRepo      repos.TaskRepo
	arrayRepo     repos.ArrayRepo
	resourcesRepo repos.TaskResourcesRepo
	clusterRepo   repos.ClusterRepo
	errorRepo     repos.ErrorLogRepo
}

func NewWorkflowService(
	baseLog *logger.Logger,
	workflowRepo repos.WorkflowRepo,
	runRepo repos.WorkflowRunRepo,
	dagRepo repos.DagRepo,
	taskRepo repos.TaskRepo,
	arrayRepo repos.ArrayRepo,
	resourcesRepo repos.TaskResourcesRepo,
	clusterRepo repos.ClusterRepo,
	errorRepo repos.ErrorLogRepo,
) *WorkflowService {
	return &WorkflowService{
		log:           baseLog.With("service", "WorkflowService"),
		workflowRepo:  workflowRepo,
		runRepo:       runRepo,
		dagRepo:       dagRepo,
		taskRepo:      taskRepo,
		arrayRepo:     arrayRepo,
		resourcesRepo: resourcesRepo,
		clusterRepo:   clusterRepo,
		errorRepo:     errorRepo,
	}
}

type BindDagResponse struct {
	DagID        int64 `json:"dag_id"`
	NewlyCreated bool  `json:"newly_created"`
}

// BindDag is idempotent on the dag content hash.
func (s *WorkflowService) BindDag(ctx context.Context, tx *gorm.DB, hash string) (*BindDagResponse, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: dag hash is required", domain.ErrInvalidUsage)
	}
	dag, created, err := s.dagRepo.GetOrCreate(ctx, tx, hash)
	if err != nil {
		return nil, err
	}
	return &BindDagResponse{DagID: dag.ID, NewlyCreated: created}, nil
}

type BindNodeSpec struct {
	TaskTemplateVersionID int64  `json:"task_template_version_id"`
	NodeArgsHash          string `json:"node_args_hash"`
}

// BindNodes upserts nodes and returns ids keyed the same way the specs
// came in: "<task_template_version_id>:<node_args_hash>".
func (s *WorkflowService) BindNodes(ctx context.Context, tx *gorm.DB, specs []BindNodeSpec) (map[string]int64, error) {
	nodes := make([]*domain.Node, 0, len(specs))
	for _, spec := range specs {
		nodes = append(nodes, &domain.Node{
			TaskTemplateVersionID: spec.TaskTemplateVersionID,
			NodeArgsHash:          spec.NodeArgsHash,
		})
	}
	bound, err := s.dagRepo.BulkUpsertNodes(ctx, tx, nodes)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(bound))
	for i, n := range bound {
		key := strconv.FormatInt(specs[i].TaskTemplateVersionID, 10) + ":" + specs[i].NodeArgsHash
		out[key] = n.ID
	}
	return out, nil
}

type BindEdgeSpec struct {
	NodeID          int64   `json:"node_id"`
	UpstreamNodes   []int64 `json:"upstream_node_ids"`
	DownstreamNodes []int64 `json:"downstream_node_ids"`
}

// BindEdges stores per-node adjacency for a dag. mark_created on the
// last chunk is implicit: edges are idempotent upserts, so resending a
// chunk is safe.
func (s *WorkflowService) BindEdges(ctx context.Context, tx *gorm.DB, dagID int64, specs []BindEdgeSpec) error {
	edges := make([]domain.Edge, 0, len(specs))
	for _, spec := range specs {
		up, err := json.Marshal(spec.UpstreamNodes)
		if err != nil {
			return err
		}
		down, err := json.Marshal(spec.DownstreamNodes)
		if err != nil {
			return err
		}
		edges = append(edges, domain.Edge{
			DagID:           dagID,
			NodeID:          spec.NodeID,
			UpstreamNodes:   up,
			DownstreamNodes: down,
		})
	}
	return s.dagRepo.SetEdges(ctx, tx, edges)
}

type BindWorkflowRequest struct {
	ToolVersionID          int64             `json:"tool_version_id"`
	DagID                  int64             `json:"dag_id"`
	WorkflowArgsHash       string            `json:"workflow_args_hash"`
	TaskHash               string            `json:"task_hash"`
	Name                   string            `json:"name"`
	Description            string            `json:"description"`
	WorkflowArgs           string            `json:"workflow_args"`
	MaxConcurrentlyRunning int               `json:"max_concurrently_running"`
	WorkflowAttributes     map[string]string `json:"workflow_attributes"`
}

type BindWorkflowResponse struct {
	WorkflowID   int64              `json:"workflow_id"`
	Status       fsm.WorkflowStatus `json:"status"`
	NewlyCreated bool               `json:"newly_created"`
}

// BindWorkflow is idempotent on the workflow identity hash tuple:
// resubmitting an identical workflow returns the same id with
// newly_created false.
func (s *WorkflowService) BindWorkflow(ctx context.Context, tx *gorm.DB, req BindWorkflowRequest) (*BindWorkflowResponse, error) {
	if req.ToolVersionID == 0 || req.DagID == 0 || req.WorkflowArgsHash == "" || req.TaskHash == "" {
		return nil, fmt.Errorf("%w: workflow identity fields are required", domain.ErrInvalidUsage)
	}
	maxRunning := req.MaxConcurrentlyRunning
	if maxRunning <= 0 {
		maxRunning = 10000
	}
	wf := &domain.Workflow{
		ToolVersionID:          req.ToolVersionID,
		DagID:                  req.DagID,
		WorkflowArgsHash:       req.WorkflowArgsHash,
		TaskHash:               req.TaskHash,
		Name:                   req.Name,
		Description:            req.Description,
		WorkflowArgs:           req.WorkflowArgs,
		MaxConcurrentlyRunning: maxRunning,
		Status:                 fsm.WorkflowRegistering,
		StatusDate:             time.Now().UTC(),
	}
	persisted, created, err := s.workflowRepo.GetOrCreate(ctx, tx, wf)
	if err != nil {
		return nil, err
	}
	if len(req.WorkflowAttributes) > 0 {
		if err := s.workflowRepo.SetAttributes(ctx, tx, persisted.ID, req.WorkflowAttributes); err != nil {
			return nil, err
		}
	}
	return &BindWorkflowResponse{
		WorkflowID:   persisted.ID,
		Status:       persisted.Status,
		NewlyCreated: created,
	}, nil
}

type BindTaskSpec struct {
	NodeID          int64           `json:"node_id"`
	TaskArgsHash    string          `json:"task_args_hash"`
	ArrayID         int64           `json:"array_id"`
	TaskResourcesID *int64          `json:"task_resources_id"`
	Name            string          `json:"name"`
	Command         string          `json:"command"`
	MaxAttempts     int             `json:"max_attempts"`
	ResetIfRunning  bool            `json:"reset_if_running"`
	ResourceScales  json.RawMessage `json:"resource_scales"`
	FallbackQueues  json.RawMessage `json:"fallback_queues"`
}

type BoundTask struct {
	TaskID int64          `json:"task_id"`
	Status fsm.TaskStatus `json:"status"`
}

// BindTasks upserts a batch of tasks for a workflow and optionally
// marks the workflow created once binding is complete.
func (s *WorkflowService) BindTasks(ctx context.Context, tx *gorm.DB, workflowID int64, markCreated bool, specs map[string]BindTaskSpec) (map[string]BoundTask, error) {
	wf, err := s.workflowRepo.GetByID(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow %d", domain.ErrEmptyWorkflow, workflowID)
	}

	hashes := make([]string, 0, len(specs))
	tasks := make([]*domain.Task, 0, len(specs))
	for hash, spec := range specs {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		hashes = append(hashes, hash)
		tasks = append(tasks, &domain.Task{
			WorkflowID:      workflowID,
			ArrayID:         spec.ArrayID,
			NodeID:          spec.NodeID,
			TaskArgsHash:    spec.TaskArgsHash,
			Name:            spec.Name,
			Command:         spec.Command,
			Status:          fsm.TaskRegistering,
			StatusDate:      time.Now().UTC(),
			MaxAttempts:     maxAttempts,
			ResetIfRunning:  spec.ResetIfRunning,
			ResourceScales:  []byte(spec.ResourceScales),
			FallbackQueues:  []byte(spec.FallbackQueues),
			TaskResourcesID: spec.TaskResourcesID,
		})
	}
	bound, err := s.taskRepo.BulkUpsert(ctx, tx, tasks)
	if err != nil {
		return nil, err
	}
	out := make(map[string]BoundTask, len(bound))
	for i, t := range bound {
		out[hashes[i]] = BoundTask{TaskID: t.ID, Status: t.Status}
	}
	if markCreated {
		if err := s.workflowRepo.MarkCreated(ctx, tx, workflowID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *WorkflowService) SetAttributes(ctx context.Context, tx *gorm.DB, workflowID int64, attrs map[string]string) error {
	return s.workflowRepo.SetAttributes(ctx, tx, workflowID, attrs)
}

func (s *WorkflowService) BindTaskArgs(ctx context.Context, tx *gorm.DB, args []domain.TaskArg) error {
	return s.taskRepo.SetArgs(ctx, tx, args)
}

func (s *WorkflowService) BindTaskAttributes(ctx context.Context, tx *gorm.DB, attrs []domain.TaskAttribute) error {
	return s.taskRepo.SetAttributes(ctx, tx, attrs)
}

// BindResources deduplicates by content hash and returns the shared id.
func (s *WorkflowService) BindResources(ctx context.Context, tx *gorm.DB, queueID int64, typeID string, requested json.RawMessage) (int64, error) {
	hash := domain.HashParts(strconv.FormatInt(queueID, 10), typeID, string(requested))
	tr, err := s.resourcesRepo.GetOrCreate(ctx, tx, &domain.TaskResources{
		QueueID:             queueID,
		TaskResourcesTypeID: typeID,
		RequestedResources:  []byte(requested),
		ResourcesHash:       hash,
	})
	if err != nil {
		return 0, err
	}
	return tr.ID, nil
}

func (s *WorkflowService) CreateArray(ctx context.Context, tx *gorm.DB, workflowID, taskTemplateVersionID int64, maxConcurrentlyRunning int, name string) (int64, error) {
	if maxConcurrentlyRunning <= 0 {
		maxConcurrentlyRunning = 10000
	}
	arr, err := s.arrayRepo.GetOrCreate(ctx, tx, &domain.Array{
		WorkflowID:             workflowID,
		TaskTemplateVersionID:  taskTemplateVersionID,
		Name:                   name,
		MaxConcurrentlyRunning: maxConcurrentlyRunning,
	})
	if err != nil {
		return 0, err
	}
	return arr.ID, nil
}

// TaskStatusUpdates serves the swarm's sync: with since unset it is a
// full snapshot, with since set only tasks whose status moved.
type TaskStatusUpdates struct {
	Time          time.Time                  `json:"time"`
	TasksByStatus map[fsm.TaskStatus][]int64 `json:"tasks_by_status"`
}

func (s *WorkflowService) TaskStatusSince(ctx context.Context, tx *gorm.DB, workflowID int64, since *time.Time) (*TaskStatusUpdates, error) {
	now := time.Now().UTC()
	byStatus, err := s.taskRepo.StatusSince(ctx, tx, workflowID, since)
	if err != nil {
		return nil, err
	}
	return &TaskStatusUpdates{Time: now, TasksByStatus: byStatus}, nil
}

// TaskPageEntry is one row of the paged get_tasks resume feed.
type TaskPageEntry struct {
	TaskID                 int64           `json:"task_id"`
	ArrayID                int64           `json:"array_id"`
	Status                 fsm.TaskStatus  `json:"status"`
	MaxAttempts            int             `json:"max_attempts"`
	NumAttempts            int             `json:"num_attempts"`
	ResourceScales         json.RawMessage `json:"resource_scales"`
	FallbackQueues         json.RawMessage `json:"fallback_queues"`
	RequestedResources     json.RawMessage `json:"requested_resources"`
	TaskResourcesTypeID    string          `json:"task_resources_type_id"`
	ClusterName            string          `json:"cluster_name"`
	QueueID                int64           `json:"queue_id"`
	QueueName              string          `json:"queue_name"`
	MaxConcurrentlyRunning int             `json:"max_concurrently_running"`
	UpstreamTaskIDs        []int64         `json:"upstream_task_ids"`
	DownstreamTaskIDs      []int64         `json:"downstream_task_ids"`
}

func (s *WorkflowService) GetTasksPage(ctx context.Context, tx *gorm.DB, workflowID, maxTaskID int64, chunkSize int) ([]TaskPageEntry, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	tasks, err := s.taskRepo.GetPage(ctx, tx, workflowID, maxTaskID, chunkSize, true)
	if err != nil {
		return nil, err
	}
	arrayCache := map[int64]*domain.Array{}
	queueCache := map[int64]*domain.Queue{}
	clusterCache := map[int64]*domain.Cluster{}

	out := make([]TaskPageEntry, 0, len(tasks))
	for _, t := range tasks {
		entry := TaskPageEntry{
			TaskID:         t.ID,
			ArrayID:        t.ArrayID,
			Status:         t.Status,
			MaxAttempts:    t.MaxAttempts,
			NumAttempts:    t.NumAttempts,
			ResourceScales: json.RawMessage(t.ResourceScales),
			FallbackQueues: json.RawMessage(t.FallbackQueues),
		}
		arr := arrayCache[t.ArrayID]
		if arr == nil {
			arr, err = s.arrayRepo.GetByID(ctx, tx, t.ArrayID)
			if err != nil {
				return nil, err
			}
			arrayCache[t.ArrayID] = arr
		}
		if arr != nil {
			entry.MaxConcurrentlyRunning = arr.MaxConcurrentlyRunning
		}
		if t.TaskResourcesID != nil {
			tr, err := s.resourcesRepo.GetByID(ctx, tx, *t.TaskResourcesID)
			if err != nil {
				return nil, err
			}
			if tr != nil {
				entry.RequestedResources = json.RawMessage(tr.RequestedResources)
				entry.TaskResourcesTypeID = tr.TaskResourcesTypeID
				entry.QueueID = tr.QueueID
				q := queueCache[tr.QueueID]
				if q == nil {
					q, err = s.clusterRepo.GetQueueByID(ctx, tx, tr.QueueID)
					if err != nil {
						return nil, err
					}
					queueCache[tr.QueueID] = q
				}
				if q != nil {
					entry.QueueName = q.Name
					c := clusterCache[q.ClusterID]
					if c == nil {
						c, err = s.clusterRepo.GetClusterByID(ctx, tx, q.ClusterID)
						if err != nil {
							return nil, err
						}
						clusterCache[q.ClusterID] = c
					}
					if c != nil {
						entry.ClusterName = c.Name
					}
				}
			}
		}
		out = append(out, entry)
	}
	if err := s.attachAdjacency(ctx, tx, workflowID, tasks, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachAdjacency resolves each page task's dag edges into task ids so
// a resuming swarm can rebuild dependency order. Edges referencing
// tasks outside the page (typically finished upstreams the page
// excludes) still resolve; the builder counts missing ones as DONE.
func (s *WorkflowService) attachAdjacency(ctx context.Context, tx *gorm.DB, workflowID int64, tasks []*domain.Task, out []TaskPageEntry) error {
	if len(tasks) == 0 {
		return nil
	}
	wf, err := s.workflowRepo.GetByID(ctx, tx, workflowID)
	if err != nil || wf == nil {
		return err
	}
	edges, err := s.dagRepo.GetEdges(ctx, tx, wf.DagID)
	if err != nil || len(edges) == 0 {
		return err
	}
	byNode := make(map[int64]domain.Edge, len(edges))
	for _, e := range edges {
		byNode[e.NodeID] = e
	}
	nodeToTask, err := s.taskRepo.NodeMap(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	for i, t := range tasks {
		e, ok := byNode[t.NodeID]
		if !ok {
			continue
		}
		if out[i].UpstreamTaskIDs, err = resolveNodeIDs([]byte(e.UpstreamNodes), nodeToTask); err != nil {
			return err
		}
		if out[i].DownstreamTaskIDs, err = resolveNodeIDs([]byte(e.DownstreamNodes), nodeToTask); err != nil {
			return err
		}
	}
	return nil
}

func resolveNodeIDs(raw []byte, nodeToTask map[int64]int64) ([]int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var nodeIDs []int64
	if err := json.Unmarshal(raw, &nodeIDs); err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(nodeIDs))
	for _, n := range nodeIDs {
		if taskID, ok := nodeToTask[n]; ok {
			out = append(out, taskID)
		}
	}
	return out, nil
}

func (s *WorkflowService) GetMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, workflowID int64) (int, error) {
	return s.workflowRepo.GetMaxConcurrentlyRunning(ctx, tx, workflowID)
}

func (s *WorkflowService) UpdateMaxConcurrentlyRunning(ctx context.Context, tx *gorm.DB, workflowID int64, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: max_tasks must be positive", domain.ErrInvalidUsage)
	}
	return s.workflowRepo.UpdateMaxConcurrentlyRunning(ctx, tx, workflowID, max)
}

// TaskErrors maps each failed task to its newest error description.
func (s *WorkflowService) TaskErrors(ctx context.Context, tx *gorm.DB, workflowID int64) (map[int64]string, error) {
	return s.errorRepo.LatestPerFailedTask(ctx, tx, workflowID)
}
