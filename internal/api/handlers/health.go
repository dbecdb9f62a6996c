package handlers

import (
	"net/http"
	"strconv"
	"time"
	"webreplay/backend/internal/executor"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/router"
	"webreplay/backend/internal/telemetry"
	"webreplay/backend/pkg/chrome"
	"webreplay/backend/pkg/database"
	"webreplay/backend/pkg/response"
	"webreplay/backend/pkg/vision"

	"github.com/gin-gonic/gin"
)

// Monitoring handles are wired once at boot; handlers read them directly the
// way the executor and recorder globals are read.
var (
	telemetryLogger *telemetry.Logger
	modeRouter      *router.Router
	visionClient    *vision.Client
	tabSessions     *chrome.SessionRegistry
)

// InitMonitoring hands the health and telemetry endpoints their data sources.
func InitMonitoring(tlog *telemetry.Logger, rt *router.Router, vc *vision.Client, sessions *chrome.SessionRegistry) {
	telemetryLogger = tlog
	modeRouter = rt
	visionClient = vc
	tabSessions = sessions
}

func HealthCheck(c *gin.Context) {
	visionReady := false
	visionURL := ""
	if visionClient != nil {
		visionReady = visionClient.Ready()
		visionURL = visionClient.ServiceURL()
	}

	runningReplays := 0
	if executor.GlobalExecutor != nil {
		runningReplays = executor.GlobalExecutor.GetRunningCount()
	}

	attachedSessions := 0
	if tabSessions != nil {
		attachedSessions = tabSessions.Count()
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"message": "success",
		"data": gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"vision": gin.H{
				"ready":       visionReady,
				"service_url": visionURL,
			},
			"running_replays":   runningReplays,
			"attached_sessions": attachedSessions,
		},
	})
}

// GetStrategyHealth reports the in-memory counters: per-strategy wins and
// failures since boot plus the router's per-mode tallies.
func GetStrategyHealth(c *gin.Context) {
	if telemetryLogger == nil || modeRouter == nil {
		response.InternalServerError(c, "遥测服务未初始化")
		return
	}

	snapshot := telemetryLogger.Health()
	modes := modeRouter.Stats().Snapshot()

	response.Success(c, gin.H{
		"strategies": snapshot,
		"modes":      modes,
	})
}

// GetStrategyStatistics aggregates the persisted telemetry rows, optionally
// scoped to one execution.
func GetStrategyStatistics(c *gin.Context) {
	executionID := c.Query("execution_id")

	type strategyRow struct {
		StrategyUsed string  `json:"strategy_used"`
		Total        int64   `json:"total"`
		Passed       int64   `json:"passed"`
		Fallbacks    int64   `json:"fallbacks"`
		AvgDuration  float64 `json:"avg_duration_ms"`
	}

	query := database.DB.Model(&models.StrategyTelemetry{})
	if executionID != "" {
		if _, err := strconv.ParseUint(executionID, 10, 32); err != nil {
			response.BadRequest(c, "无效的回放记录ID")
			return
		}
		query = query.Where("execution_id = ?", executionID)
	}

	var rows []strategyRow
	err := query.
		Select("strategy_used, COUNT(*) as total, SUM(success) as passed, SUM(fallback_triggered) as fallbacks, AVG(duration_ms) as avg_duration").
		Group("strategy_used").
		Order("total DESC").
		Scan(&rows).Error
	if err != nil {
		response.InternalServerError(c, "获取策略统计失败")
		return
	}

	var outcomeRows []struct {
		Outcome string `json:"outcome"`
		Total   int64  `json:"total"`
	}
	outcomeQuery := database.DB.Model(&models.StrategyTelemetry{})
	if executionID != "" {
		outcomeQuery = outcomeQuery.Where("execution_id = ?", executionID)
	}
	outcomeQuery.Select("outcome, COUNT(*) as total").Group("outcome").Scan(&outcomeRows)

	response.Success(c, gin.H{
		"strategies": rows,
		"outcomes":   outcomeRows,
	})
}

// GetExecutionTelemetry lists the raw telemetry rows of one execution in step
// order.
func GetExecutionTelemetry(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "无效的回放记录ID")
		return
	}

	var records []models.StrategyTelemetry
	err = database.DB.Where("execution_id = ?", id).Order("recorded_at ASC").Find(&records).Error
	if err != nil {
		response.InternalServerError(c, "获取遥测记录失败")
		return
	}

	response.Success(c, gin.H{
		"records": records,
	})
}
