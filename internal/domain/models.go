package domain

import (
	"time"

	"gorm.io/datatypes"

	"github.com/jobmon/jobmon/internal/fsm"
)

type Dag struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Hash        string    `gorm:"column:hash;not null;uniqueIndex" json:"hash"`
	CreatedDate time.Time `gorm:"column:created_date;not null" json:"created_date"`
}

func (Dag) TableName() string { return "dag" }

type Node struct {
	ID                    int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskTemplateVersionID int64  `gorm:"column:task_template_version_id;not null;index:idx_node_identity,unique" json:"task_template_version_id"`
	NodeArgsHash          string `gorm:"column:node_args_hash;not null;index:idx_node_identity,unique" json:"node_args_hash"`
}

func (Node) TableName() string { return "node" }

// Edge stores DAG adjacency per node as JSON id arrays.
type Edge struct {
	DagID           int64          `gorm:"column:dag_id;primaryKey" json:"dag_id"`
	NodeID          int64          `gorm:"column:node_id;primaryKey" json:"node_id"`
	UpstreamNodes   datatypes.JSON `gorm:"column:upstream_node_ids" json:"upstream_node_ids"`
	DownstreamNodes datatypes.JSON `gorm:"column:downstream_node_ids" json:"downstream_node_ids"`
}

func (Edge) TableName() string { return "edge" }

type Workflow struct {
	ID                     int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	ToolVersionID          int64              `gorm:"column:tool_version_id;not null;index:idx_workflow_identity,unique" json:"tool_version_id"`
	DagID                  int64              `gorm:"column:dag_id;not null;index:idx_workflow_identity,unique" json:"dag_id"`
	WorkflowArgsHash       string             `gorm:"column:workflow_args_hash;not null;index:idx_workflow_identity,unique" json:"workflow_args_hash"`
	TaskHash               string             `gorm:"column:task_hash;not null;index:idx_workflow_identity,unique" json:"task_hash"`
	Name                   string             `gorm:"column:name" json:"name"`
	Description            string             `gorm:"column:description" json:"description"`
	WorkflowArgs           string             `gorm:"column:workflow_args" json:"workflow_args"`
	MaxConcurrentlyRunning int                `gorm:"column:max_concurrently_running;not null;default:10000" json:"max_concurrently_running"`
	Status                 fsm.WorkflowStatus `gorm:"column:status;not null;index" json:"status"`
	StatusDate             time.Time          `gorm:"column:status_date;not null" json:"status_date"`
	CreatedDate            *time.Time         `gorm:"column:created_date" json:"created_date,omitempty"`
}

func (Workflow) TableName() string { return "workflow" }

type WorkflowAttribute struct {
	WorkflowID int64  `gorm:"column:workflow_id;primaryKey" json:"workflow_id"`
	Name       string `gorm:"column:name;primaryKey" json:"name"`
	Value      string `gorm:"column:value" json:"value"`
}

func (WorkflowAttribute) TableName() string { return "workflow_attribute" }

type WorkflowRun struct {
	ID            int64                 `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowID    int64                 `gorm:"column:workflow_id;not null;index" json:"workflow_id"`
	User          string                `gorm:"column:user" json:"user"`
	JobmonVersion string                `gorm:"column:jobmon_version" json:"jobmon_version"`
	Status        fsm.WorkflowRunStatus `gorm:"column:status;not null;index" json:"status"`
	StatusDate    time.Time             `gorm:"column:status_date;not null" json:"status_date"`
	HeartbeatDate time.Time             `gorm:"column:heartbeat_date;not null;index" json:"heartbeat_date"`
	CreatedDate   time.Time             `gorm:"column:created_date;not null" json:"created_date"`
}

func (WorkflowRun) TableName() string { return "workflow_run" }

type Array struct {
	ID                     int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowID             int64     `gorm:"column:workflow_id;not null;index:idx_array_identity,unique" json:"workflow_id"`
	TaskTemplateVersionID  int64     `gorm:"column:task_template_version_id;not null;index:idx_array_identity,unique" json:"task_template_version_id"`
	Name                   string    `gorm:"column:name" json:"name"`
	MaxConcurrentlyRunning int       `gorm:"column:max_concurrently_running;not null;default:10000" json:"max_concurrently_running"`
	CreatedDate            time.Time `gorm:"column:created_date;not null" json:"created_date"`
}

func (Array) TableName() string { return "array" }

type Task struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowID      int64          `gorm:"column:workflow_id;not null;index;index:idx_task_identity,unique" json:"workflow_id"`
	ArrayID         int64          `gorm:"column:array_id;not null;index" json:"array_id"`
	NodeID          int64          `gorm:"column:node_id;not null;index:idx_task_identity,unique" json:"node_id"`
	TaskArgsHash    string         `gorm:"column:task_args_hash;not null;index:idx_task_identity,unique" json:"task_args_hash"`
	Name            string         `gorm:"column:name" json:"name"`
	Command         string         `gorm:"column:command;not null" json:"command"`
	Status          fsm.TaskStatus `gorm:"column:status;not null;index" json:"status"`
	StatusDate      time.Time      `gorm:"column:status_date;not null" json:"status_date"`
	NumAttempts     int            `gorm:"column:num_attempts;not null;default:0" json:"num_attempts"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	ResetIfRunning  bool           `gorm:"column:reset_if_running;not null;default:true" json:"reset_if_running"`
	ResourceScales  datatypes.JSON `gorm:"column:resource_scales" json:"resource_scales"`
	FallbackQueues  datatypes.JSON `gorm:"column:fallback_queues" json:"fallback_queues"`
	TaskResourcesID *int64         `gorm:"column:task_resources_id" json:"task_resources_id,omitempty"`
}

func (Task) TableName() string { return "task" }

type TaskArg struct {
	TaskID int64  `gorm:"column:task_id;primaryKey" json:"task_id"`
	ArgID  int64  `gorm:"column:arg_id;primaryKey" json:"arg_id"`
	Val    string `gorm:"column:val" json:"val"`
}

func (TaskArg) TableName() string { return "task_arg" }

type TaskAttribute struct {
	TaskID int64  `gorm:"column:task_id;primaryKey" json:"task_id"`
	Name   string `gorm:"column:name;primaryKey" json:"name"`
	Value  string `gorm:"column:value" json:"value"`
}

func (TaskAttribute) TableName() string { return "task_attribute" }

type TaskInstance struct {
	ID              int64                  `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID          int64                  `gorm:"column:task_id;not null;index" json:"task_id"`
	WorkflowRunID   int64                  `gorm:"column:workflow_run_id;not null;index" json:"workflow_run_id"`
	ArrayID         int64                  `gorm:"column:array_id;not null;index" json:"array_id"`
	ArrayBatchNum   int                    `gorm:"column:array_batch_num;not null;default:0" json:"array_batch_num"`
	ArrayStepID     int                    `gorm:"column:array_step_id;not null;default:0" json:"array_step_id"`
	ClusterID       int64                  `gorm:"column:cluster_id" json:"cluster_id"`
	TaskResourcesID *int64                 `gorm:"column:task_resources_id" json:"task_resources_id,omitempty"`
	DistributorID   *string                `gorm:"column:distributor_id;index" json:"distributor_id,omitempty"`
	Nodename        string                 `gorm:"column:nodename" json:"nodename"`
	ProcessGroupID  int                    `gorm:"column:process_group_id" json:"process_group_id"`
	Status          fsm.TaskInstanceStatus `gorm:"column:status;not null;index" json:"status"`
	StatusDate      time.Time              `gorm:"column:status_date;not null" json:"status_date"`
	ReportByDate    *time.Time             `gorm:"column:report_by_date;index" json:"report_by_date,omitempty"`
	Stdout          string                 `gorm:"column:stdout" json:"stdout"`
	Stderr          string                 `gorm:"column:stderr" json:"stderr"`
	StderrLog       string                 `gorm:"column:stderr_log;type:text" json:"stderr_log"`
	MaxRSS          int64                  `gorm:"column:maxrss" json:"maxrss"`
	UserTimeSec     float64                `gorm:"column:usage_utime" json:"usage_utime"`
	SystemTimeSec   float64                `gorm:"column:usage_stime" json:"usage_stime"`
}

func (TaskInstance) TableName() string { return "task_instance" }

/// TaskResources is content-addressed: equal (queue, resources) requests
// share one row.
type TaskResources struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	QueueID             int64          `gorm:"column:queue_id;not null" json:"queue_id"`
	TaskResourcesTypeID string         `gorm:"column:task_resources_type_id;not null" json:"task_resources_type_id"`
	RequestedResources  datatypes.JSON `gorm:"column:requested_resources" json:"requested_resources"`
	ResourcesHash       string         `gorm:"column:resources_hash;not null;uniqueIndex" json:"resources_hash"`
}

func (TaskResources) TableName() string { return "task_resources" }

type TaskInstanceErrorLog struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskInstanceID int64     `gorm:"column:task_instance_id;not null;index" json:"task_instance_id"`
	ErrorTime      time.Time `gorm:"column:error_time;not null" json:"error_time"`
	Description    string    `gorm:"column:description;type:text" json:"description"`
}

func (TaskInstanceErrorLog) TableName() string { return "task_instance_error_log" }

// TaskStatusAudit is append-only; exited_at is backfilled when the next
// audit row for the same task is inserted.
type TaskStatusAudit struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID         int64          `gorm:"column:task_id;not null;index" json:"task_id"`
	PreviousStatus fsm.TaskStatus `gorm:"column:previous_status" json:"previous_status"`
	NewStatus      fsm.TaskStatus `gorm:"column:new_status;not null" json:"new_status"`
	EnteredAt      time.Time      `gorm:"column:entered_at;not null;index" json:"entered_at"`
	ExitedAt       *time.Time     `gorm:"column:exited_at" json:"exited_at,omitempty"`
}

func (TaskStatusAudit) TableName() string { return "task_status_audit" }

// DistributorInstance tracks the liveness of the distributor process
// bound to a workflow run, separately from the swarm's run heartbeat.
type DistributorInstance struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowRunID int64     `gorm:"column:workflow_run_id;not null;index" json:"workflow_run_id"`
	ReportByDate  time.Time `gorm:"column:report_by_date;not null" json:"report_by_date"`
	CreatedDate   time.Time `gorm:"column:created_date;not null" json:"created_date"`
}

func (DistributorInstance) TableName() string { return "distributor_instance" }

type Cluster struct {
	ID   int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"column:name;not null;uniqueIndex" json:"name"`
}

func (Cluster) TableName() string { return "cluster" }

type Queue struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ClusterID    int64          `gorm:"column:cluster_id;not null;index:idx_queue_identity,unique" json:"cluster_id"`
	Name         string         `gorm:"column:name;not null;index:idx_queue_identity,unique" json:"name"`
	MinResources datatypes.JSON `gorm:"column:min_resources" json:"min_resources"`
	MaxResources datatypes.JSON `gorm:"column:max_resources" json:"max_resources"`
}

func (Queue) TableName() string { return "queue" }
