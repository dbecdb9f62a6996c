package handlers

import (
	"encoding/json"
	"strconv"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/services"
	"webreplay/backend/pkg/database"
	"webreplay/backend/pkg/response"
	"webreplay/backend/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
)

func GetRecordings(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	keyword := c.Query("keyword")

	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 10
	}

	var recordings []models.Recording
	var total int64

	query := database.DB.Model(&models.Recording{}).Where("status = ?", 1)
	if keyword != "" {
		query = query.Where("name LIKE ? OR tags LIKE ?", "%"+keyword+"%", "%"+keyword+"%")
	}

	// Count total
	query.Count(&total)

	// Get paginated recordings with relations
	offset := (page - 1) * pageSize
	err := query.Preload("User").Order("created_at DESC").
		Offset(offset).Limit(pageSize).Find(&recordings).Error
	if err != nil {
		response.InternalServerError(c, "获取录制列表失败")
		return
	}

	// Clear user passwords and fill step counts
	for i := range recordings {
		recordings[i].User.Password = ""
		if steps, err := recordings[i].GetSteps(); err == nil {
			recordings[i].StepCount = len(steps)
		}
	}

	response.Page(c, recordings, total, page, pageSize)
}

func GetRecording(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的录制ID")
		return
	}

	var recording models.Recording
	err = database.DB.Preload("User").Where("status = ?", 1).First(&recording, id).Error
	if err != nil {
		response.NotFound(c, "录制不存在")
		return
	}

	recording.User.Password = ""
	if steps, err := recording.GetSteps(); err == nil {
		recording.StepCount = len(steps)
	}
	response.Success(c, recording)
}

func UpdateRecording(c *gin.Context) {
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
		Name           string              `json:"name" binding:"omitempty,min=1,max=200"`
		Description    string              `json:"description" binding:"max=1000"`
		Steps          []models.ReplayStep `json:"steps"`
		Tags           string              `json:"tags" binding:"max=500"`
		CronExpression *string             `json:"cron_expression" binding:"omitempty,max=100"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if !utils.HasPermissionOnRecording(userID.(uint), uint(id)) {
		response.NotFound(c, "录制不存在或无权限")
		return
	}

	var recording models.Recording
	err = database.DB.Where("id = ? AND status = ?", id, 1).First(&recording).Error
	if err != nil {
		response.NotFound(c, "录制不存在")
		return
	}

	// Check name uniqueness if updating
	if req.Name != "" && req.Name != recording.Name {
		var existingRecording models.Recording
		err := database.DB.Where("name = ? AND id != ? AND status = ?", req.Name, id, 1).
			First(&existingRecording).Error
		if err == nil {
			response.BadRequest(c, "录制名称已存在")
			return
		}
		recording.Name = req.Name
	}

	if req.Description != "" {
		recording.Description = req.Description
	}
	if req.Tags != "" {
		recording.Tags = req.Tags
	}

	// Update steps if provided
	if req.Steps != nil {
		if data, err := json.Marshal(req.Steps); err == nil {
			recording.Steps = string(data)
		}
	}

	scheduleChanged := false
	if req.CronExpression != nil && *req.CronExpression != recording.CronExpression {
		if *req.CronExpression != "" {
			if _, err := cron.ParseStandard(*req.CronExpression); err != nil {
				response.BadRequest(c, "无效的定时表达式: "+err.Error())
				return
			}
		}
		recording.CronExpression = *req.CronExpression
		scheduleChanged = true
	}

	err = database.DB.Save(&recording).Error
	if err != nil {
		response.InternalServerError(c, "更新录制失败")
		return
	}

	if scheduleChanged && services.GlobalScheduler != nil {
		services.GlobalScheduler.RemoveRecordingSchedule(recording.ID)
		if recording.CronExpression != "" {
			services.GlobalScheduler.AddRecordingSchedule(recording)
		}
	}

	// Load relations for response
	database.DB.Preload("User").First(&recording, recording.ID)
	recording.User.Password = ""
	if steps, err := recording.GetSteps(); err == nil {
		recording.StepCount = len(steps)
	}

	response.SuccessWithMessage(c, "更新成功", recording)
}

func DeleteRecording(c *gin.Context) {
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

	if !utils.HasPermissionOnRecording(userID.(uint), uint(id)) {
		response.NotFound(c, "录制不存在或无权限")
		return
	}

	var recording models.Recording
	err = database.DB.Where("id = ? AND status = ?", id, 1).First(&recording).Error
	if err != nil {
		response.NotFound(c, "录制不存在")
		return
	}

	// Block deletion while a replay of this recording is running
	var runningCount int64
	database.DB.Model(&models.ReplayExecution{}).
		Where("recording_id = ? AND status IN ?", id, []string{"pending", "running"}).
		Count(&runningCount)
	if runningCount > 0 {
		response.BadRequest(c, "该录制正在回放中，无法删除")
		return
	}

	// Soft delete
	recording.Status = 0
	err = database.DB.Save(&recording).Error
	if err != nil {
		response.InternalServerError(c, "删除录制失败")
		return
	}

	if services.GlobalScheduler != nil {
		services.GlobalScheduler.RemoveRecordingSchedule(recording.ID)
	}

	response.SuccessWithMessage(c, "删除成功", nil)
}
