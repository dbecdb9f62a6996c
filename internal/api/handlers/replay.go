package handlers

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"
	"webreplay/backend/internal/executor"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/router"
	"webreplay/backend/pkg/database"
	"webreplay/backend/pkg/response"
	"webreplay/backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ExecuteRecording starts a replay of a saved recording. The optional forced
// mode pins every step of this execution to one family; headed mode runs the
// replay in a visible browser window.
func ExecuteRecording(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的录制ID")
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "用户未登录")
		return
	}

	var req struct {
		Headed     *bool  `json:"headed"`
		ForcedMode string `json:"forced_mode" binding:"omitempty,oneof=dom vision"`
	}
	c.ShouldBindJSON(&req)

	var recording models.Recording
	err = database.DB.Where("id = ? AND status = ?", id, 1).First(&recording).Error
	if err != nil {
		response.NotFound(c, "录制不存在")
		return
	}

	if !utils.HasPermissionOnRecording(userID.(uint), uint(id)) {
		response.Forbidden(c, "无权限回放该录制")
		return
	}

	steps, err := recording.GetSteps()
	if err != nil || len(steps) == 0 {
		response.BadRequest(c, "录制没有可回放的步骤")
		return
	}

	// Check if executor is available
	if executor.GlobalExecutor == nil {
		response.InternalServerError(c, "回放引擎未初始化")
		return
	}

	runningCount := executor.GlobalExecutor.GetRunningCount()
	if runningCount >= 10 { // Max concurrent executions
		response.BadRequest(c, "当前并发回放数已达上限，请稍后再试")
		return
	}

	headed := req.Headed != nil && *req.Headed

	// Create execution record
	execution := models.ReplayExecution{
		RecordingID:   recording.ID,
		Status:        "pending",
		TriggerType:   "manual",
		ForcedMode:    req.ForcedMode,
		StartTime:     time.Now(),
		TotalSteps:    len(steps),
		UserID:        userID.(uint),
		ErrorMessage:  "",
		ExecutionLogs: "[]",
		Screenshots:   "[]",
	}

	err = database.DB.Create(&execution).Error
	if err != nil {
		response.InternalServerError(c, "创建回放记录失败")
		return
	}

	// Update status to running
	execution.Status = "running"
	database.DB.Save(&execution)

	// Run the replay asynchronously
	go runReplay(&execution, &recording, headed)

	// Load execution with relations for response
	database.DB.Preload("Recording").Preload("User").First(&execution, execution.ID)
	execution.User.Password = ""

	response.SuccessWithMessage(c, "回放已启动", execution)
}

// runReplay waits for the executor result and persists it. The completion
// handshake mirrors the executor's: the database row is updated before the
// browser cleanup is released.
func runReplay(execution *models.ReplayExecution, recording *models.Recording, headed bool) {
	var executionCompleted bool = false
	var completionMutex sync.Mutex

	defer func() {
		completionMutex.Lock()
		defer completionMutex.Unlock()

		// Only check for stuck executions if normal completion didn't happen
		if !executionCompleted {
			var finalExecution models.ReplayExecution
			if err := database.DB.First(&finalExecution, execution.ID).Error; err == nil {
				if finalExecution.Status == "running" {
					finalExecution.Status = "failed"
					finalExecution.ErrorMessage = "Execution did not complete properly"
					now := time.Now()
					finalExecution.EndTime = &now
					finalExecution.Duration = int(now.Sub(finalExecution.StartTime).Milliseconds())
					database.DB.Save(&finalExecution)
					log.Printf("Fixed stuck execution %d status from 'running' to 'failed'", execution.ID)
				}
			}
		}
	}()

	// Safety net for the rare case the result channel handoff is lost
	go func() {
		time.Sleep(15 * time.Minute)
		completionMutex.Lock()
		defer completionMutex.Unlock()

		if !executionCompleted {
			// Only repair rows the executor no longer considers running
			if !executor.GlobalExecutor.IsRunning(execution.ID) {
				var finalExecution models.ReplayExecution
				if err := database.DB.First(&finalExecution, execution.ID).Error; err == nil {
					if finalExecution.Status == "running" {
						log.Printf("⚠️ Safety timeout: Execution %d completed in executor but handler didn't receive result", execution.ID)

						now := time.Now()
						finalExecution.Status = "failed"
						finalExecution.ErrorMessage = "Execution completed but result communication failed"
						finalExecution.EndTime = &now
						finalExecution.Duration = int(now.Sub(finalExecution.StartTime).Milliseconds())
						database.DB.Save(&finalExecution)
						executionCompleted = true
					}
				}
			}
		}
	}()

	resultChan := executor.GlobalExecutor.ExecuteRecording(execution, recording, headed)
	result := <-resultChan

	completionMutex.Lock()
	defer completionMutex.Unlock()

	// Double-check we haven't already been marked complete by timeout handler
	if executionCompleted {
		log.Printf("Execution %d already marked complete by timeout handler", execution.ID)
		return
	}

	// Update execution with result IMMEDIATELY after receiving it so the
	// database reflects the outcome before browser cleanup proceeds
	if result.Success {
		execution.Status = "passed"
	} else {
		execution.Status = "failed"
		execution.ErrorMessage = result.ErrorMessage
	}
	execution.TotalSteps = result.TotalSteps
	execution.PassedSteps = result.PassedSteps
	execution.FailedSteps = result.FailedSteps
	execution.FallbackCount = result.FallbackCount

	now := time.Now()
	execution.EndTime = &now
	execution.Duration = int(now.Sub(execution.StartTime).Milliseconds())

	// Save logs and screenshots
	if logsJSON, err := json.Marshal(result.Logs); err == nil {
		execution.ExecutionLogs = string(logsJSON)
	}
	if screenshotsJSON, err := json.Marshal(result.Screenshots); err == nil {
		execution.Screenshots = string(screenshotsJSON)
	}

	err := database.DB.Save(&execution).Error
	if err != nil {
		log.Printf("CRITICAL: Failed to save execution %d result: %v", execution.ID, err)
		// Even if save fails, notify executor and mark as completed to prevent hanging
		executor.GlobalExecutor.NotifyExecutionComplete(execution.ID)
		executionCompleted = true
		return
	}

	log.Printf("✅ Execution %d status successfully updated to: %s (before browser cleanup)", execution.ID, execution.Status)

	// Notify executor that database update is complete
	executor.GlobalExecutor.NotifyExecutionComplete(execution.ID)

	executionCompleted = true
}

func GetReplayExecutions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	status := c.Query("status")
	recordingID := c.Query("recording_id")

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}

	var executions []models.ReplayExecution
	var total int64

	query := database.DB.Model(&models.ReplayExecution{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if recordingID != "" {
		query = query.Where("recording_id = ?", recordingID)
	}

	// Count total
	query.Count(&total)

	// Get paginated executions with relations
	offset := (page - 1) * pageSize
	err := query.Preload("Recording").Preload("User").
		Order("created_at DESC").
		Offset(offset).Limit(pageSize).Find(&executions).Error
	if err != nil {
		response.InternalServerError(c, "获取回放记录失败")
		return
	}

	// Clear user passwords
	for i := range executions {
		executions[i].User.Password = ""
	}

	response.Page(c, executions, total, page, pageSize)
}

func GetReplayStatistics(c *gin.Context) {
	recordingID := c.Query("recording_id")
	startDate := c.Query("start_date")
	endDate := c.Query("end_date")

	filtered := func() *gorm.DB {
		query := database.DB.Model(&models.ReplayExecution{})
		if recordingID != "" {
			query = query.Where("recording_id = ?", recordingID)
		}
		if startDate != "" && endDate != "" {
			query = query.Where("created_at BETWEEN ? AND ?", startDate+" 00:00:00", endDate+" 23:59:59")
		}
		return query
	}

	var totalExecutions int64
	filtered().Count(&totalExecutions)

	var passedCount, failedCount, runningCount, cancelledCount int64
	filtered().Where("status = ?", "passed").Count(&passedCount)
	filtered().Where("status = ?", "failed").Count(&failedCount)
	filtered().Where("status = ?", "running").Count(&runningCount)
	filtered().Where("status = ?", "cancelled").Count(&cancelledCount)

	var successRate float64
	if totalExecutions > 0 {
		successRate = float64(passedCount) / float64(totalExecutions) * 100
	}

	var avgDuration float64
	filtered().Where("duration > 0").
		Select("AVG(duration) as avg_duration").
		Pluck("avg_duration", &avgDuration)

	// Fallback pressure shows how often replays had to change family
	var fallbackTotal int64
	filtered().
		Select("COALESCE(SUM(fallback_count), 0) as fallback_total").
		Pluck("fallback_total", &fallbackTotal)

	response.Success(c, gin.H{
		"total_executions": totalExecutions,
		"passed_count":     passedCount,
		"failed_count":     failedCount,
		"running_count":    runningCount,
		"cancelled_count":  cancelledCount,
		"success_rate":     successRate,
		"avg_duration":     avgDuration,
		"fallback_total":   fallbackTotal,
	})
}

func GetReplayExecution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Preload("Recording").Preload("User").First(&execution, id).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在")
		return
	}

	execution.User.Password = ""
	response.Success(c, execution)
}

func DeleteReplayExecution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "用户未登录")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Where("id = ? AND user_id = ?", id, userID).First(&execution).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在或无权限")
		return
	}

	// Don't allow deleting running executions
	if execution.Status == "running" || execution.Status == "pending" {
		response.BadRequest(c, "不能删除正在运行的回放记录")
		return
	}

	// Delete related telemetry rows first
	database.DB.Where("execution_id = ?", id).Delete(&models.StrategyTelemetry{})

	// Delete execution record
	err = database.DB.Delete(&execution).Error
	if err != nil {
		response.InternalServerError(c, "删除回放记录失败")
		return
	}

	response.SuccessWithMessage(c, "删除成功", nil)
}

func GetReplayExecutionLogs(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Select("execution_logs").First(&execution, id).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在")
		return
	}

	// Parse logs JSON
	var logs []map[string]interface{}
	if execution.ExecutionLogs != "" && execution.ExecutionLogs != "[]" {
		err = json.Unmarshal([]byte(execution.ExecutionLogs), &logs)
		if err != nil {
			response.InternalServerError(c, "解析回放日志失败")
			return
		}
	}

	response.Success(c, gin.H{
		"logs": logs,
	})
}

func GetReplayExecutionScreenshots(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Select("screenshots").First(&execution, id).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在")
		return
	}

	screenshots, err := execution.GetScreenshots()
	if err != nil {
		response.InternalServerError(c, "解析截图数据失败")
		return
	}

	response.Success(c, gin.H{
		"screenshots":      screenshots,
		"screenshot_count": len(screenshots),
	})
}

func GetReplayExecutionStatus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Select("id, status, start_time, end_time").First(&execution, id).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在")
		return
	}

	// Check executor status
	executorRunning := false
	if executor.GlobalExecutor != nil {
		executorRunning = executor.GlobalExecutor.IsRunning(execution.ID)
	}

	response.Success(c, gin.H{
		"id":               execution.ID,
		"database_status":  execution.Status,
		"executor_running": executorRunning,
		"start_time":       execution.StartTime,
		"end_time":         execution.EndTime,
		"consistent":       (execution.Status == "running") == executorRunning,
	})
}

func StopReplayExecution(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "用户未登录")
		return
	}

	var execution models.ReplayExecution
	err = database.DB.Where("id = ? AND user_id = ?", id, userID).First(&execution).Error
	if err != nil {
		response.NotFound(c, "回放记录不存在或无权限")
		return
	}

	// Only allow stopping running or pending executions
	if execution.Status != "running" && execution.Status != "pending" {
		response.BadRequest(c, "只能停止运行中或等待中的回放记录")
		return
	}

	// Cancel the actual execution and close browser
	if executor.GlobalExecutor != nil {
		if execution.Status == "running" {
			executor.GlobalExecutor.CancelExecution(execution.ID)
		}
	}

	// Update execution status to cancelled
	now := time.Now()
	err = database.DB.Model(&execution).Updates(map[string]interface{}{
		"status":   "cancelled",
		"end_time": &now,
		"duration": int(now.Sub(execution.StartTime).Milliseconds()),
	}).Error
	if err != nil {
		response.InternalServerError(c, "停止回放失败")
		return
	}

	response.SuccessWithMessage(c, "停止回放成功", nil)
}

// RerouteReplayStep re-dispatches one step of a running replay in the family
// opposite the one that visibly failed. Used when an external check sees a
// step report success without producing its effect.
func RerouteReplayStep(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "用户未登录")
		return
	}

	if !utils.HasPermissionOnExecution(userID.(uint), uint(id)) {
		response.Forbidden(c, "无权限操作该回放")
		return
	}

	var req struct {
		Step       models.ReplayStep `json:"step" binding:"required"`
		FailedMode string            `json:"failed_mode" binding:"required,oneof=dom vision"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if executor.GlobalExecutor == nil {
		response.InternalServerError(c, "回放引擎未初始化")
		return
	}

	result, err := executor.GlobalExecutor.RerouteStep(uint(id), req.Step, router.Mode(req.FailedMode))
	if err != nil {
		response.BadRequest(c, "重路由失败: "+err.Error())
		return
	}

	response.SuccessWithMessage(c, "步骤已重路由", result)
}
