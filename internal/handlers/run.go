package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/services"
)

// RunHandler serves the workflow-run surface used by the swarm and the
// distributor: run creation, heartbeats, status updates, triage, and
// distributor liveness.
type RunHandler struct {
	txn    *services.TxRunner
	runs   *services.RunService
	queue  *services.QueueService
	triage *services.TriageService
}

func NewRunHandler(txn *services.TxRunner, runs *services.RunService, queue *services.QueueService, triage *services.TriageService) *RunHandler {
	return &RunHandler{txn: txn, runs: runs, queue: queue, triage: triage}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// POST /workflow_run
func (h *RunHandler) CreateWorkflowRun(c *gin.Context) {
	var req struct {
		WorkflowID          int64   `json:"workflow_id"`
		User                string  `json:"user"`
		JobmonVersion       string  `json:"jobmon_version"`
		NextReportIncrement float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var resp *services.CreateRunResponse
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resp, err = h.runs.CreateRun(c.Request.Context(), tx, req.WorkflowID, req.User, req.JobmonVersion, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, resp)
}

// POST /workflow_run/:workflow_run_id/log_heartbeat
func (h *RunHandler) LogHeartbeat(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var req struct {
		Status              fsm.WorkflowRunStatus `json:"status"`
		NextReportIncrement float64               `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.WorkflowRunStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.runs.Heartbeat(c.Request.Context(), tx, runID, req.Status, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// PUT /workflow_run/:workflow_run_id/update_status
func (h *RunHandler) UpdateStatus(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var req struct {
		Status fsm.WorkflowRunStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.WorkflowRunStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.runs.UpdateStatus(c.Request.Context(), tx, runID, req.Status)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// PUT /workflow_run/:workflow_run_id/terminate_task_instances
func (h *RunHandler) TerminateTaskInstances(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var terminated int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		terminated, err = h.runs.TerminateTaskInstances(c.Request.Context(), tx, runID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"terminated": terminated})
}

// POST /workflow_run/:workflow_run_id/set_status_for_triaging
func (h *RunHandler) SetStatusForTriaging(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var res *services.TriageResult
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		res, err = h.triage.Sweep(c.Request.Context(), tx, runID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, res)
}

// GET /workflow_run/:workflow_run_id/get_triaging
func (h *RunHandler) GetTriaging(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var ids []int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		ids, err = h.triage.GetTriaging(c.Request.Context(), tx, runID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"task_instance_ids": ids})
}

// POST /workflow_run/:workflow_run_id/register_distributor
func (h *RunHandler) RegisterDistributor(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var req struct {
		NextReportIncrement float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var id int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		id, err = h.runs.RegisterDistributor(c.Request.Context(), tx, runID, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"distributor_instance_id": id})
}

// POST /distributor_instance/:distributor_instance_id/log_heartbeat
func (h *RunHandler) DistributorHeartbeat(c *gin.Context) {
	id, ok := pathID(c, "distributor_instance_id")
	if !ok {
		return
	}
	var req struct {
		NextReportIncrement float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		return h.runs.DistributorHeartbeat(c.Request.Context(), tx, id, secondsToDuration(req.NextReportIncrement))
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{})
}

// GET /workflow_run/:workflow_run_id/is_alive
func (h *RunHandler) IsAlive(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	var alive bool
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		alive, err = h.runs.DistributorAlive(c.Request.Context(), tx, runID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"alive": alive})
}

// POST /array/:array_id/queue_task_batch
func (h *RunHandler) QueueTaskBatch(c *gin.Context) {
	arrayID, ok := pathID(c, "array_id")
	if !ok {
		return
	}
	var req services.QueueTaskBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var resp *services.QueueTaskBatchResponse
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resp, err = h.queue.QueueTaskBatch(c.Request.Context(), tx, arrayID, req)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, resp)
}
