package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/platform/logger"
	"github.com/jobmon/jobmon/internal/services"
)

// Client is the typed API surface of the state service, shared by the
// workflow client library, the swarm, the distributor, and the worker.
type Client struct {
	req *Requester
}

func New(baseURL string, log *logger.Logger, opts ...RequesterOption) *Client {
	return &Client{req: NewRequester(baseURL, log, opts...)}
}

// ---- bind surface ----

func (c *Client) BindDag(ctx context.Context, hash string) (*services.BindDagResponse, error) {
	var out services.BindDagResponse
	err := c.req.Post(ctx, "/api/v3/dag", map[string]string{"dag_hash": hash}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BindNodes(ctx context.Context, nodes []services.BindNodeSpec) (map[string]int64, error) {
	var out struct {
		Nodes map[string]int64 `json:"nodes"`
	}
	err := c.req.Post(ctx, "/api/v3/nodes", map[string]interface{}{"nodes": nodes}, &out)
	if err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) BindEdges(ctx context.Context, dagID int64, edges []services.BindEdgeSpec) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/dag/%d/edges", dagID),
		map[string]interface{}{"edges": edges}, nil)
}

func (c *Client) BindWorkflow(ctx context.Context, req services.BindWorkflowRequest) (*services.BindWorkflowResponse, error) {
	var out services.BindWorkflowResponse
	if err := c.req.Post(ctx, "/api/v3/workflow", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BindTasks(ctx context.Context, workflowID int64, markCreated bool, tasks map[string]services.BindTaskSpec) (map[string]services.BoundTask, error) {
	var out struct {
		Tasks map[string]services.BoundTask `json:"tasks"`
	}
	err := c.req.Put(ctx, "/api/v3/task/bind_tasks_no_args", map[string]interface{}{
		"workflow_id":  workflowID,
		"mark_created": markCreated,
		"tasks":        tasks,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) BindTaskArgs(ctx context.Context, args []domain.TaskArg) error {
	rows := make([][3]interface{}, 0, len(args))
	for _, a := range args {
		rows = append(rows, [3]interface{}{a.TaskID, a.ArgID, a.Val})
	}
	return c.req.Put(ctx, "/api/v3/task/bind_task_args",
		map[string]interface{}{"task_args": rows}, nil)
}

func (c *Client) BindTaskAttributes(ctx context.Context, attrs []domain.TaskAttribute) error {
	return c.req.Put(ctx, "/api/v3/task/bind_task_attributes",
		map[string]interface{}{"task_attributes": attrs}, nil)
}

func (c *Client) BindResources(ctx context.Context, queueID int64, typeID string, requested json.RawMessage) (int64, error) {
	var out struct {
		TaskResourcesID int64 `json:"task_resources_id"`
	}
	err := c.req.Post(ctx, "/api/v3/task/bind_resources", map[string]interface{}{
		"queue_id":               queueID,
		"task_resources_type_id": typeID,
		"requested_resources":    requested,
	}, &out)
	return out.TaskResourcesID, err
}

func (c *Client) CreateArray(ctx context.Context, workflowID, taskTemplateVersionID int64, maxConcurrentlyRunning int, name string) (int64, error) {
	var out struct {
		ArrayID int64 `json:"array_id"`
	}
	err := c.req.Post(ctx, "/api/v3/array", map[string]interface{}{
		"workflow_id":              workflowID,
		"task_template_version_id": taskTemplateVersionID,
		"max_concurrently_running": maxConcurrentlyRunning,
		"name":                     name,
	}, &out)
	return out.ArrayID, err
}

func (c *Client) SetWorkflowAttributes(ctx context.Context, workflowID int64, attrs map[string]string) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow/%d/workflow_attributes", workflowID),
		map[string]interface{}{"workflow_attributes": attrs}, nil)
}

// ---- workflow queries and resume ----

func (c *Client) TaskStatusUpdates(ctx context.Context, workflowID int64, lastSync *time.Time) (*services.TaskStatusUpdates, error) {
	var out services.TaskStatusUpdates
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow/%d/task_status_updates", workflowID),
		map[string]interface{}{"last_sync": lastSync}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTasks(ctx context.Context, workflowID, maxTaskID int64, chunkSize int) ([]services.TaskPageEntry, error) {
	var out struct {
		Tasks []services.TaskPageEntry `json:"tasks"`
	}
	path := fmt.Sprintf("/api/v3/workflow/get_tasks/%d?max_task_id=%d&chunk_size=%d",
		workflowID, maxTaskID, chunkSize)
	if err := c.req.Get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) GetMaxConcurrentlyRunning(ctx context.Context, workflowID int64) (int, error) {
	var out struct {
		Max int `json:"max_concurrently_running"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/workflow/%d/get_max_concurrently_running", workflowID), &out)
	return out.Max, err
}

func (c *Client) UpdateMaxConcurrentlyRunning(ctx context.Context, workflowID int64, maxTasks int) error {
	return c.req.Put(ctx, fmt.Sprintf("/api/v3/workflow/%d/update_max_concurrently_running", workflowID),
		map[string]interface{}{"max_tasks": maxTasks}, nil)
}

func (c *Client) TaskErrors(ctx context.Context, workflowID int64) (map[int64]string, error) {
	var out struct {
		TaskErrors map[int64]string `json:"task_errors"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/workflow/%d/task_errors", workflowID), &out)
	return out.TaskErrors, err
}

func (c *Client) SetResume(ctx context.Context, workflowID int64, resetRunningJobs bool) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow/%d/set_resume", workflowID),
		map[string]interface{}{"reset_running_jobs": resetRunningJobs}, nil)
}

func (c *Client) IsResumable(ctx context.Context, workflowID int64) (bool, int64, error) {
	var out struct {
		Resumable bool  `json:"workflow_is_resumable"`
		Pending   int64 `json:"pending_kill_self"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/workflow/%d/is_resumable", workflowID), &out)
	return out.Resumable, out.Pending, err
}

func (c *Client) ForceCleanup(ctx context.Context, workflowID int64) (int64, error) {
	var out struct {
		Cleaned int64 `json:"cleaned"`
	}
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow/%d/force_cleanup", workflowID), nil, &out)
	return out.Cleaned, err
}

// ---- workflow run lifecycle ----

func (c *Client) CreateWorkflowRun(ctx context.Context, workflowID int64, user, jobmonVersion string, nextReportIncrement time.Duration) (*services.CreateRunResponse, error) {
	var out services.CreateRunResponse
	err := c.req.Post(ctx, "/api/v3/workflow_run", map[string]interface{}{
		"workflow_id":           workflowID,
		"user":                  user,
		"jobmon_version":        jobmonVersion,
		"next_report_increment": nextReportIncrement.Seconds(),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LogRunHeartbeat(ctx context.Context, runID int64, status fsm.WorkflowRunStatus, nextReportIncrement time.Duration) (fsm.WorkflowRunStatus, error) {
	var out struct {
		Status fsm.WorkflowRunStatus `json:"status"`
	}
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/log_heartbeat", runID),
		map[string]interface{}{
			"status":                status,
			"next_report_increment": nextReportIncrement.Seconds(),
		}, &out)
	return out.Status, err
}

func (c *Client) UpdateRunStatus(ctx context.Context, runID int64, status fsm.WorkflowRunStatus) (fsm.WorkflowRunStatus, error) {
	var out struct {
		Status fsm.WorkflowRunStatus `json:"status"`
	}
	err := c.req.Put(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/update_status", runID),
		map[string]interface{}{"status": status}, &out)
	return out.Status, err
}

func (c *Client) TerminateTaskInstances(ctx context.Context, runID int64) error {
	return c.req.Put(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/terminate_task_instances", runID), nil, nil)
}

func (c *Client) SetStatusForTriaging(ctx context.Context, runID int64) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/set_status_for_triaging", runID), nil, nil)
}

func (c *Client) GetTriaging(ctx context.Context, runID int64) ([]int64, error) {
	var out struct {
		IDs []int64 `json:"task_instance_ids"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/get_triaging", runID), &out)
	return out.IDs, err
}

func (c *Client) RegisterDistributor(ctx context.Context, runID int64, nextReportIncrement time.Duration) (int64, error) {
	var out struct {
		ID int64 `json:"distributor_instance_id"`
	}
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/register_distributor", runID),
		map[string]interface{}{"next_report_increment": nextReportIncrement.Seconds()}, &out)
	return out.ID, err
}

func (c *Client) LogDistributorHeartbeat(ctx context.Context, distributorInstanceID int64, nextReportIncrement time.Duration) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/distributor_instance/%d/log_heartbeat", distributorInstanceID),
		map[string]interface{}{"next_report_increment": nextReportIncrement.Seconds()}, nil)
}

func (c *Client) IsAlive(ctx context.Context, runID int64) (bool, error) {
	var out struct {
		Alive bool `json:"alive"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/workflow_run/%d/is_alive", runID), &out)
	return out.Alive, err
}

// TaskInstanceRow is one instance in the distributor's polling feed.
type TaskInstanceRow struct {
	TaskInstanceID  int64                  `json:"task_instance_id"`
	TaskID          int64                  `json:"task_id"`
	ArrayID         int64                  `json:"array_id"`
	ArrayBatchNum   int                    `json:"array_batch_num"`
	ArrayStepID     int                    `json:"array_step_id"`
	Status          fsm.TaskInstanceStatus `json:"status"`
	DistributorID   *string                `json:"distributor_id"`
	TaskResourcesID *int64                 `json:"task_resources_id"`
}

func (c *Client) GetTaskInstances(ctx context.Context, runID int64, statuses []fsm.TaskInstanceStatus) ([]TaskInstanceRow, error) {
	path := fmt.Sprintf("/api/v3/workflow_run/%d/get_task_instances", runID)
	sep := "?"
	for _, s := range statuses {
		path += sep + "status=" + string(s)
		sep = "&"
	}
	var out struct {
		Rows []TaskInstanceRow `json:"task_instances"`
	}
	err := c.req.Get(ctx, path, &out)
	return out.Rows, err
}

// ---- scheduling ----

func (c *Client) QueueTaskBatch(ctx context.Context, arrayID int64, req services.QueueTaskBatchRequest) (*services.QueueTaskBatchResponse, error) {
	var out services.QueueTaskBatchResponse
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", arrayID), req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) InstantiateTaskInstances(ctx context.Context, ids []int64) (instantiated, skipped []int64, err error) {
	var out struct {
		Instantiated []int64 `json:"instantiated"`
		Skipped      []int64 `json:"skipped"`
	}
	err = c.req.Post(ctx, "/api/v3/task_instance/instantiate_task_instances",
		map[string]interface{}{"task_instance_ids": ids}, &out)
	return out.Instantiated, out.Skipped, err
}

// ---- worker runtime ----

func (c *Client) GetArrayTaskInstanceID(ctx context.Context, arrayID int64, batchNum, stepID int) (instanceID, taskID int64, err error) {
	var out struct {
		TaskInstanceID int64 `json:"task_instance_id"`
		TaskID         int64 `json:"task_id"`
	}
	err = c.req.Get(ctx, fmt.Sprintf("/api/v3/array/%d/get_array_task_instance_id/%d/%d",
		arrayID, batchNum, stepID), &out)
	return out.TaskInstanceID, out.TaskID, err
}

func (c *Client) TaskInstanceDetails(ctx context.Context, instanceID int64) (*services.InstanceDetails, error) {
	var out services.InstanceDetails
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/task_instance/%d/details", instanceID), &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LogRunning(ctx context.Context, instanceID int64, processGroupID int, nodename string, nextReportIncrement time.Duration) (*services.LogRunningResponse, error) {
	var out services.LogRunningResponse
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_running", instanceID),
		map[string]interface{}{
			"process_group_id":      processGroupID,
			"nodename":              nodename,
			"next_report_increment": nextReportIncrement.Seconds(),
		}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LogReportBy(ctx context.Context, instanceID int64, nextReportIncrement time.Duration) (fsm.TaskInstanceStatus, error) {
	var out struct {
		Status fsm.TaskInstanceStatus `json:"status"`
	}
	err := c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_report_by", instanceID),
		map[string]interface{}{"next_report_increment": nextReportIncrement.Seconds()}, &out)
	return out.Status, err
}

func (c *Client) LogDone(ctx context.Context, instanceID int64, usage *services.UsageStats) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_done", instanceID),
		map[string]interface{}{"usage": usage}, nil)
}

func (c *Client) LogTaskInstanceError(ctx context.Context, instanceID int64, errorState fsm.TaskInstanceStatus, message, stderrLog string, usage *services.UsageStats) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_error", instanceID),
		map[string]interface{}{
			"error_state":   errorState,
			"error_message": message,
			"stderr_log":    stderrLog,
			"usage":         usage,
		}, nil)
}

func (c *Client) LogTaskInstanceDistributorID(ctx context.Context, instanceID int64, distributorID string, nextReportIncrement time.Duration) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_distributor_id", instanceID),
		map[string]interface{}{
			"distributor_id":        distributorID,
			"next_report_increment": nextReportIncrement.Seconds(),
		}, nil)
}

func (c *Client) LogNoDistributorID(ctx context.Context, instanceID int64, message string) error {
	return c.req.Post(ctx, fmt.Sprintf("/api/v3/task_instance/%d/log_no_distributor_id", instanceID),
		map[string]interface{}{"error_message": message}, nil)
}

func (c *Client) KillSelf(ctx context.Context, instanceID int64) (bool, error) {
	var out struct {
		ShouldKill bool `json:"should_kill"`
	}
	err := c.req.Get(ctx, fmt.Sprintf("/api/v3/task_instance/%d/kill_self", instanceID), &out)
	return out.ShouldKill, err
}
