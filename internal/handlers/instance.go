package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jobmon/jobmon/internal/fsm"
	"github.com/jobmon/jobmon/internal/services"
)

// InstanceHandler serves the worker runtime surface.
type InstanceHandler struct {
	txn       *services.TxRunner
	instances *services.InstanceService
}

func NewInstanceHandler(txn *services.TxRunner, instances *services.InstanceService) *InstanceHandler {
	return &InstanceHandler{txn: txn, instances: instances}
}

// GET /array/:array_id/get_array_task_instance_id/:batch_num/:step_id
func (h *InstanceHandler) GetArrayTaskInstanceID(c *gin.Context) {
	arrayID, ok := pathID(c, "array_id")
	if !ok {
		return
	}
	batchNum, err := strconv.Atoi(c.Param("batch_num"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_num", err)
		return
	}
	stepID, err := strconv.Atoi(c.Param("step_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_step_id", err)
		return
	}
	var instanceID, taskID int64
	err = h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		ti, err := h.instances.ResolveArrayStep(c.Request.Context(), tx, arrayID, batchNum, stepID)
		if err != nil {
			return err
		}
		instanceID, taskID = ti.ID, ti.TaskID
		return nil
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"task_instance_id": instanceID, "task_id": taskID})
}

// GET /task_instance/:task_instance_id/details
func (h *InstanceHandler) GetDetails(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var details *services.InstanceDetails
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		details, err = h.instances.Details(c.Request.Context(), tx, instanceID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, details)
}

// POST /task_instance/:task_instance_id/log_running
func (h *InstanceHandler) LogRunning(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var req struct {
		ProcessGroupID      int     `json:"process_group_id"`
		Nodename            string  `json:"nodename"`
		NextReportIncrement float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var resp *services.LogRunningResponse
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		resp, err = h.instances.LogRunning(c.Request.Context(), tx, instanceID, req.ProcessGroupID, req.Nodename, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, resp)
}

// POST /task_instance/:task_instance_id/log_report_by
func (h *InstanceHandler) LogReportBy(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
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
	var status fsm.TaskInstanceStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.instances.Heartbeat(c.Request.Context(), tx, instanceID, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// POST /task_instance/:task_instance_id/log_done
func (h *InstanceHandler) LogDone(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var req struct {
		Usage *services.UsageStats `json:"usage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.TaskInstanceStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.instances.LogDone(c.Request.Context(), tx, instanceID, req.Usage)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// POST /task_instance/:task_instance_id/log_error
func (h *InstanceHandler) LogError(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var req struct {
		ErrorState   fsm.TaskInstanceStatus `json:"error_state"`
		ErrorMessage string                 `json:"error_message"`
		StderrLog    string                 `json:"stderr_log"`
		Usage        *services.UsageStats   `json:"usage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.TaskInstanceStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.instances.LogError(c.Request.Context(), tx, instanceID, req.ErrorState, req.ErrorMessage, req.StderrLog, req.Usage)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// POST /task_instance/:task_instance_id/log_distributor_id
func (h *InstanceHandler) LogDistributorID(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var req struct {
		DistributorID       string  `json:"distributor_id"`
		NextReportIncrement float64 `json:"next_report_increment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.TaskInstanceStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.instances.LogDistributorID(c.Request.Context(), tx, instanceID, req.DistributorID, secondsToDuration(req.NextReportIncrement))
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// POST /task_instance/:task_instance_id/log_no_distributor_id
func (h *InstanceHandler) LogNoDistributorID(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var req struct {
		ErrorMessage string `json:"error_message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var status fsm.TaskInstanceStatus
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		status, err = h.instances.LogNoDistributorID(c.Request.Context(), tx, instanceID, req.ErrorMessage)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"status": status})
}

// GET /workflow_run/:workflow_run_id/get_task_instances?status=QUEUED&status=LAUNCHED
func (h *InstanceHandler) GetTaskInstances(c *gin.Context) {
	runID, ok := pathID(c, "workflow_run_id")
	if !ok {
		return
	}
	raw := c.QueryArray("status")
	statuses := make([]fsm.TaskInstanceStatus, 0, len(raw))
	for _, s := range raw {
		statuses = append(statuses, fsm.TaskInstanceStatus(s))
	}
	type instanceRow struct {
		TaskInstanceID  int64                  `json:"task_instance_id"`
		TaskID          int64                  `json:"task_id"`
		ArrayID         int64                  `json:"array_id"`
		ArrayBatchNum   int                    `json:"array_batch_num"`
		ArrayStepID     int                    `json:"array_step_id"`
		Status          fsm.TaskInstanceStatus `json:"status"`
		DistributorID   *string                `json:"distributor_id"`
		TaskResourcesID *int64                 `json:"task_resources_id"`
	}
	var rows []instanceRow
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		instances, err := h.instances.ListForRunByStatus(c.Request.Context(), tx, runID, statuses)
		if err != nil {
			return err
		}
		rows = make([]instanceRow, 0, len(instances))
		for _, ti := range instances {
			rows = append(rows, instanceRow{
				TaskInstanceID:  ti.ID,
				TaskID:          ti.TaskID,
				ArrayID:         ti.ArrayID,
				ArrayBatchNum:   ti.ArrayBatchNum,
				ArrayStepID:     ti.ArrayStepID,
				Status:          ti.Status,
				DistributorID:   ti.DistributorID,
				TaskResourcesID: ti.TaskResourcesID,
			})
		}
		return nil
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"task_instances": rows})
}

// POST /task_instance/instantiate_task_instances
func (h *InstanceHandler) InstantiateTaskInstances(c *gin.Context) {
	var req struct {
		TaskInstanceIDs []int64 `json:"task_instance_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	var instantiated, skipped []int64
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		instantiated, skipped, err = h.instances.InstantiateBatch(c.Request.Context(), tx, req.TaskInstanceIDs)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"instantiated": instantiated, "skipped": skipped})
}

// GET /task_instance/:task_instance_id/kill_self
func (h *InstanceHandler) KillSelf(c *gin.Context) {
	instanceID, ok := pathID(c, "task_instance_id")
	if !ok {
		return
	}
	var kill bool
	err := h.txn.Run(c.Request.Context(), func(tx *gorm.DB) error {
		var err error
		kill, err = h.instances.KillSelf(c.Request.Context(), tx, instanceID)
		return err
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"should_kill": kill})
}
