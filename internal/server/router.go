package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobmon/jobmon/internal/handlers"
)

type RouterConfig struct {
	WorkflowHandler *handlers.WorkflowHandler
	RunHandler      *handlers.RunHandler
	InstanceHandler *handlers.InstanceHandler
}

// NewRouter mounts the FSM API under /api/v3. Older clients speak v1
// and v2 paths with identical payloads, so those prefixes alias the
// same handlers.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, version := range []string{"/api/v1", "/api/v2", "/api/v3"} {
		api := router.Group(version)
		mount(api, cfg)
	}
	return router
}

func mount(api *gin.RouterGroup, cfg RouterConfig) {
	// Client bind surface
	api.POST("/dag", cfg.WorkflowHandler.BindDag)
	api.POST("/nodes", cfg.WorkflowHandler.BindNodes)
	api.POST("/dag/:dag_id/edges", cfg.WorkflowHandler.BindEdges)
	api.POST("/workflow", cfg.WorkflowHandler.BindWorkflow)
	api.POST("/workflow/:workflow_id/workflow_attributes", cfg.WorkflowHandler.SetWorkflowAttributes)
	api.PUT("/task/bind_tasks_no_args", cfg.WorkflowHandler.BindTasks)
	api.PUT("/task/bind_task_args", cfg.WorkflowHandler.BindTaskArgs)
	api.PUT("/task/bind_task_attributes", cfg.WorkflowHandler.BindTaskAttributes)
	api.POST("/task/bind_resources", cfg.WorkflowHandler.BindResources)
	api.POST("/array", cfg.WorkflowHandler.CreateArray)

	// Workflow queries and resume
	api.POST("/workflow/:workflow_id/task_status_updates", cfg.WorkflowHandler.TaskStatusUpdates)
	api.GET("/workflow/get_tasks/:workflow_id", cfg.WorkflowHandler.GetTasks)
	api.GET("/workflow/:workflow_id/get_max_concurrently_running", cfg.WorkflowHandler.GetMaxConcurrentlyRunning)
	api.PUT("/workflow/:workflow_id/update_max_concurrently_running", cfg.WorkflowHandler.UpdateMaxConcurrentlyRunning)
	api.GET("/workflow/:workflow_id/task_errors", cfg.WorkflowHandler.TaskErrors)
	api.POST("/workflow/:workflow_id/set_resume", cfg.WorkflowHandler.SetResume)
	api.GET("/workflow/:workflow_id/is_resumable", cfg.WorkflowHandler.IsResumable)
	api.POST("/workflow/:workflow_id/force_cleanup", cfg.WorkflowHandler.ForceCleanup)

	// Workflow run lifecycle
	api.POST("/workflow_run", cfg.RunHandler.CreateWorkflowRun)
	api.POST("/workflow_run/:workflow_run_id/log_heartbeat", cfg.RunHandler.LogHeartbeat)
	api.PUT("/workflow_run/:workflow_run_id/update_status", cfg.RunHandler.UpdateStatus)
	api.PUT("/workflow_run/:workflow_run_id/terminate_task_instances", cfg.RunHandler.TerminateTaskInstances)
	api.POST("/workflow_run/:workflow_run_id/set_status_for_triaging", cfg.RunHandler.SetStatusForTriaging)
	api.GET("/workflow_run/:workflow_run_id/get_triaging", cfg.RunHandler.GetTriaging)
	api.POST("/workflow_run/:workflow_run_id/register_distributor", cfg.RunHandler.RegisterDistributor)
	api.POST("/distributor_instance/:distributor_instance_id/log_heartbeat", cfg.RunHandler.DistributorHeartbeat)
	api.GET("/workflow_run/:workflow_run_id/is_alive", cfg.RunHandler.IsAlive)
	api.GET("/workflow_run/:workflow_run_id/get_task_instances", cfg.InstanceHandler.GetTaskInstances)

	// Scheduling
	api.POST("/array/:array_id/queue_task_batch", cfg.RunHandler.QueueTaskBatch)
	api.POST("/task_instance/instantiate_task_instances", cfg.InstanceHandler.InstantiateTaskInstances)

	// Worker runtime
	api.GET("/array/:array_id/get_array_task_instance_id/:batch_num/:step_id", cfg.InstanceHandler.GetArrayTaskInstanceID)
	api.GET("/task_instance/:task_instance_id/details", cfg.InstanceHandler.GetDetails)
	api.POST("/task_instance/:task_instance_id/log_running", cfg.InstanceHandler.LogRunning)
	api.POST("/task_instance/:task_instance_id/log_report_by", cfg.InstanceHandler.LogReportBy)
	api.POST("/task_instance/:task_instance_id/log_done", cfg.InstanceHandler.LogDone)
	api.POST("/task_instance/:task_instance_id/log_error", cfg.InstanceHandler.LogError)
	api.POST("/task_instance/:task_instance_id/log_distributor_id", cfg.InstanceHandler.LogDistributorID)
	api.POST("/task_instance/:task_instance_id/log_no_distributor_id", cfg.InstanceHandler.LogNoDistributorID)
	api.GET("/task_instance/:task_instance_id/kill_self", cfg.InstanceHandler.KillSelf)
}
