package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"webreplay/backend/internal/locator"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/recorder"
	"webreplay/backend/internal/services"
	"webreplay/backend/pkg/database"
	"webreplay/backend/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func StartRecording(c *gin.Context) {
	var req struct {
		StartURL       string `json:"start_url" binding:"required,url"`
		ViewportWidth  int64  `json:"viewport_width"`
		ViewportHeight int64  `json:"viewport_height"`
		UserAgent      string `json:"user_agent" binding:"max=500"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	viewport := locator.Viewport{Width: req.ViewportWidth, Height: req.ViewportHeight}
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = locator.Viewport{Width: 1280, Height: 800}
	}

	// Generate session ID
	sessionID := uuid.New().String()

	err := recorder.Manager.Start(sessionID, req.StartURL, viewport, req.UserAgent)
	if err != nil {
		response.InternalServerError(c, "启动录制失败: "+err.Error())
		return
	}

	response.SuccessWithMessage(c, "录制已启动", gin.H{
		"session_id": sessionID,
	})
}

func StopRecording(c *gin.Context) {
	var req struct {
		SessionID string `json:"session_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	err := recorder.Manager.Stop(req.SessionID)
	if err != nil {
		response.InternalServerError(c, "停止录制失败: "+err.Error())
		return
	}

	response.SuccessWithMessage(c, "录制已停止", nil)
}

func GetRecordingStatus(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		response.BadRequest(c, "session_id is required")
		return
	}

	isRecording, steps, err := recorder.Manager.Status(sessionID)
	if err != nil {
		response.NotFound(c, "录制会话不存在")
		return
	}

	// Ensure steps is never nil
	if steps == nil {
		steps = make([]recorder.RecordedStep, 0)
	}

	response.Success(c, gin.H{
		"is_recording": isRecording,
		"steps":        steps,
	})
}

func SaveRecording(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "用户未登录")
		return
	}

	var req struct {
		SessionID      string `json:"session_id" binding:"required"`
		Name           string `json:"name" binding:"required,min=1,max=200"`
		Description    string `json:"description" binding:"max=1000"`
		Tags           string `json:"tags" binding:"max=500"`
		CronExpression string `json:"cron_expression" binding:"max=100"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if req.CronExpression != "" {
		if _, err := cron.ParseStandard(req.CronExpression); err != nil {
			response.BadRequest(c, "无效的定时表达式: "+err.Error())
			return
		}
	}

	// Get recording steps
	isRecording, steps, err := recorder.Manager.Status(req.SessionID)
	if err != nil {
		response.NotFound(c, "录制会话不存在")
		return
	}

	if isRecording {
		response.BadRequest(c, "请先停止录制")
		return
	}

	if len(steps) == 0 {
		response.BadRequest(c, "没有录制到任何操作步骤")
		return
	}

	session, exists := recorder.Manager.Get(req.SessionID)
	if !exists {
		response.NotFound(c, "录制会话不存在")
		return
	}

	// Saving pins every step's evidence so buffer pressure cannot evict it
	approved := session.ApproveEvidence()
	log.Printf("📌 Approved evidence for %d steps of session %s", approved, req.SessionID)

	// Check if recording name exists
	var existingRecording models.Recording
	err = database.DB.Where("name = ? AND status = ?", req.Name, 1).First(&existingRecording).Error
	if err == nil {
		response.BadRequest(c, "录制名称已存在")
		return
	}

	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		response.InternalServerError(c, "保存步骤数据失败")
		return
	}

	viewport := session.Viewport()
	recording := models.Recording{
		Name:           req.Name,
		Description:    req.Description,
		StartURL:       session.TargetURL(),
		ViewportWidth:  viewport.Width,
		ViewportHeight: viewport.Height,
		UserAgent:      session.UserAgent(),
		Steps:          string(stepsJSON),
		CronExpression: req.CronExpression,
		Tags:           req.Tags,
		Status:         1,
		UserID:         userID.(uint),
	}

	err = database.DB.Create(&recording).Error
	if err != nil {
		response.InternalServerError(c, "保存录制失败")
		return
	}

	// Register schedule for recordings saved with a cron expression
	if recording.CronExpression != "" && services.GlobalScheduler != nil {
		if err := services.GlobalScheduler.AddRecordingSchedule(recording); err != nil {
			log.Printf("Failed to schedule recording %d: %v", recording.ID, err)
		}
	}

	// Load relations for response
	database.DB.Preload("User").First(&recording, recording.ID)
	recording.User.Password = ""
	recording.StepCount = len(steps)

	// Clean up recording session
	recorder.Manager.Cleanup(req.SessionID)

	response.SuccessWithMessage(c, "录制保存成功", recording)
}

func RecordingWebSocket(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	// For WebSocket connections, we can skip authentication since the session itself
	// is created by authenticated users and serves as implicit authorization

	// Upgrade connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Get session for live step streaming
	session, exists := recorder.Manager.Get(sessionID)
	if !exists {
		conn.WriteJSON(gin.H{"error": "Recording session not found"})
		return
	}

	// Set WebSocket connection
	session.SetWebSocket(conn)

	// Keep connection alive and handle messages
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			break
		}
	}
}
