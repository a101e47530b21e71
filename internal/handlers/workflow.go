package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/domain"
	"github.com/jobmon/jobmon/internal/services"
)

// WorkflowHandler serves the client-side bind surface: dags, nodes,
// edges, workflows, tasks, arrays, resources, and the workflow-level
// queries and resume controls. Every handler runs in exactly one
// transaction.
type WorkflowHandler struct {
	txn       *services.TxRunner
	workflows *services.WorkflowService
	resume    *services.ResumeService
}

func NewWorkflowHandler(txn *services.TxRunner, workflows *services.WorkflowService, resume *services.ResumeService) *WorkflowHandler {
	return &WorkflowHandler{txn: txn, workflows: workflows, resume: resume}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		RespondError(c, http.StatusBadRequest, "invalid_"+name, err)
		return 0, false
	}
	return id, true
}

// POST /dag
func (h *WorkflowHandler) BindDag(c *gin.Context) {
	var req struct {
		DagHash string `json:"dag_hash"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var resp *services.BindDagResponse
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resp, err = h.workflows.BindDag(c.Request.Context(), tx, req.DagHash)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, resp)
}

// POST /nodes
func (h *WorkflowHandler) BindNodes(c *gin.Context) {
	var req struct {
		Nodes []services.BindNodeSpec `json:"nodes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var ids map[string]int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		ids, err = h.workflows.BindNodes(c.Request.Context(), tx, req.Nodes)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"nodes": ids})
}

// POST /dag/:dag_id/edges
func (h *WorkflowHandler) BindEdges(c *gin.Context) {
	dagID, ok := pathID(c, "dag_id")
	if !ok {
		return
	}
	var req struct {
		Edges []services.BindEdgeSpec `json:"edges"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.workflows.BindEdges(c.Request.Context(), tx, dagID, req.Edges)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// POST /workflow
func (h *WorkflowHandler) BindWorkflow(c *gin.Context) {
	var req services.BindWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var resp *services.BindWorkflowResponse
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resp, err = h.workflows.BindWorkflow(c.Request.Context(), tx, req)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, resp)
}

// POST /workflow/:workflow_id/workflow_attributes
func (h *WorkflowHandler) SetWorkflowAttributes(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		WorkflowAttributes map[string]string `json:"workflow_attributes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.workflows.SetAttributes(c.Request.Context(), tx, workflowID, req.WorkflowAttributes)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// PUT /task/bind_tasks_no_args
func (h *WorkflowHandler) BindTasks(c *gin.Context) {
	var req struct {
		WorkflowID  int64                            `json:"workflow_id"`
		MarkCreated bool                             `json:"mark_created"`
		Tasks       map[string]services.BindTaskSpec `json:"tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var bound map[string]services.BoundTask
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		bound, err = h.workflows.BindTasks(c.Request.Context(), tx, req.WorkflowID, req.MarkCreated, req.Tasks)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"tasks": bound})
}

// PUT /task/bind_task_args
func (h *WorkflowHandler) BindTaskArgs(c *gin.Context) {
	var req struct {
		TaskArgs [][3]json.RawMessage `json:"task_args"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	args := make([]domain.TaskArg, 0, len(req.TaskArgs))
	for _, row := range req.TaskArgs {
		var arg domain.TaskArg
		if err := json.Unmarshal(row[0], &arg.TaskID); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_task_args", err)
			return
		}
		if err := json.Unmarshal(row[1], &arg.ArgID); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_task_args", err)
			return
		}
		if err := json.Unmarshal(row[2], &arg.Val); err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_task_args", err)
			return
		}
		args = append(args, arg)
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.workflows.BindTaskArgs(c.Request.Context(), tx, args)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// PUT /task/bind_task_attributes
func (h *WorkflowHandler) BindTaskAttributes(c *gin.Context) {
	var req struct {
		TaskAttributes []domain.TaskAttribute `json:"task_attributes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.workflows.BindTaskAttributes(c.Request.Context(), tx, req.TaskAttributes)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// POST /task/bind_resources
func (h *WorkflowHandler) BindResources(c *gin.Context) {
	var req struct {
		QueueID             int64           `json:"queue_id"`
		TaskResourcesTypeID string          `json:"task_resources_type_id"`
		RequestedResources  json.RawMessage `json:"requested_resources"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var id int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		id, err = h.workflows.BindResources(c.Request.Context(), tx, req.QueueID, req.TaskResourcesTypeID, req.RequestedResources)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"task_resources_id": id})
}

// POST /array
func (h *WorkflowHandler) CreateArray(c *gin.Context) {
	var req struct {
		WorkflowID             int64  `json:"workflow_id"`
		TaskTemplateVersionID  int64  `json:"task_template_version_id"`
		MaxConcurrentlyRunning int    `json:"max_concurrently_running"`
		Name                   string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var id int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		id, err = h.workflows.CreateArray(c.Request.Context(), tx, req.WorkflowID, req.TaskTemplateVersionID, req.MaxConcurrentlyRunning, req.Name)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"array_id": id})
}

// POST /workflow/:workflow_id/task_status_updates
func (h *WorkflowHandler) TaskStatusUpdates(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		LastSync *time.Time `json:"last_sync"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var updates *services.TaskStatusUpdates
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		updates, err = h.workflows.TaskStatusSince(c.Request.Context(), tx, workflowID, req.LastSync)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, updates)
}

// GET /workflow/get_tasks/:workflow_id?max_task_id=&chunk_size=
func (h *WorkflowHandler) GetTasks(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	maxTaskID, _ := strconv.ParseInt(c.Query("max_task_id"), 10, 64)
	chunkSize, _ := strconv.Atoi(c.Query("chunk_size"))
	var tasks []services.TaskPageEntry
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		tasks, err = h.workflows.GetTasksPage(c.Request.Context(), tx, workflowID, maxTaskID, chunkSize)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"tasks": tasks})
}

// GET /workflow/:workflow_id/get_max_concurrently_running
func (h *WorkflowHandler) GetMaxConcurrentlyRunning(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var max int
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		max, err = h.workflows.GetMaxConcurrentlyRunning(c.Request.Context(), tx, workflowID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"max_concurrently_running": max})
}

// PUT /workflow/:workflow_id/update_max_concurrently_running
func (h *WorkflowHandler) UpdateMaxConcurrentlyRunning(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		MaxTasks int `json:"max_tasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.workflows.UpdateMaxConcurrentlyRunning(c.Request.Context(), tx, workflowID, req.MaxTasks)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"message": "max_concurrently_running updated"})
}

// GET /workflow/:workflow_id/task_errors
func (h *WorkflowHandler) TaskErrors(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var errs map[int64]string
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		errs, err = h.workflows.TaskErrors(c.Request.Context(), tx, workflowID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"task_errors": errs})
}

// POST /workflow/:workflow_id/set_resume
func (h *WorkflowHandler) SetResume(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var req struct {
		ResetRunningJobs bool `json:"reset_running_jobs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.resume.SetResume(c.Request.Context(), tx, workflowID, req.ResetRunningJobs)
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// GET /workflow/:workflow_id/is_resumable
func (h *WorkflowHandler) IsResumable(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var (
		resumable bool
		pending   int64
	)
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resumable, pending, err = h.resume.IsResumable(c.Request.Context(), tx, workflowID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"workflow_is_resumable": resumable, "pending_kill_self": pending})
}

// POST /workflow/:workflow_id/force_cleanup
func (h *WorkflowHandler) ForceCleanup(c *gin.Context) {
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	var cleaned int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		cleaned, err = h.resume.ForceCleanup(c.Request.Context(), tx, workflowID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"cleaned": cleaned})
}
