package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"webreplay/backend/internal/generator"
	"webreplay/backend/internal/locator"
)

type BaseModel struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

type User struct {
	BaseModel
	Username string `json:"username" gorm:"uniqueIndex;size:100;not null"`
	Email    string `json:"email" gorm:"uniqueIndex;size:100;not null"`
	Password string `json:"-" gorm:"size:255;not null"`
	Avatar   string `json:"avatar" gorm:"size:255"`
	Status   int    `json:"status" gorm:"default:1"` // 1:active, 0:inactive
}

// ReplayStep is one recorded action together with its generated fallback
// chain. The JSON layout matches what the recorder emits, so steps round-trip
// between capture, storage and replay without conversion.
type ReplayStep struct {
	ID          string                     `json:"id"`
	ActionID    string                     `json:"action_id"`
	Action      string                     `json:"action"` // click, input, keydown, scroll, change, submit, navigate, delay, wait_click
	Value       string                     `json:"value,omitempty"`
	Timestamp   int64                      `json:"timestamp"`
	RecordedVia string                     `json:"recorded_via"` // dom, vision
	Chain       locator.FallbackChain      `json:"chain"`
	Network     *generator.NetworkEvidence `json:"network,omitempty"`
}

type Recording struct {
	BaseModel
	Name           string `json:"name" gorm:"size:200;not null"`
	Description    string `json:"description" gorm:"size:1000"`
	StartURL       string `json:"start_url" gorm:"size:500;not null"`
	ViewportWidth  int64  `json:"viewport_width" gorm:"default:1280"`
	ViewportHeight int64  `json:"viewport_height" gorm:"default:800"`
	UserAgent      string `json:"user_agent" gorm:"size:500"`
	Steps          string `json:"steps" gorm:"type:longtext"` // JSON format ReplayStep array
	StepCount      int    `json:"step_count" gorm:"-"`        // Virtual field for count
	CronExpression string `json:"cron_expression" gorm:"size:100"`
	Tags           string `json:"tags" gorm:"size:500"`
	Status         int    `json:"status" gorm:"default:1"` // 1:active, 0:inactive
	UserID         uint   `json:"user_id" gorm:"not null"`
	User           User   `json:"user" gorm:"foreignKey:UserID"`
}

func (r *Recording) GetSteps() ([]ReplayStep, error) {
	var steps []ReplayStep
	if r.Steps == "" {
		return steps, nil
	}
	err := json.Unmarshal([]byte(r.Steps), &steps)
	return steps, err
}

func (r *Recording) SetSteps(steps []ReplayStep) error {
	data, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	r.Steps = string(data)
	return nil
}

// Viewport returns the viewport the recording was captured under, falling
// back to the recorder default when the row predates viewport tracking.
func (r *Recording) Viewport() locator.Viewport {
	vp := locator.Viewport{Width: r.ViewportWidth, Height: r.ViewportHeight}
	if vp.Width <= 0 || vp.Height <= 0 {
		vp = locator.Viewport{Width: 1280, Height: 800}
	}
	return vp
}

type ReplayExecution struct {
	BaseModel
	RecordingID   uint       `json:"recording_id" gorm:"not null"`
	Recording     Recording  `json:"recording" gorm:"foreignKey:RecordingID"`
	Status        string     `json:"status"`                     // pending, running, passed, failed, cancelled
	TriggerType   string     `json:"trigger_type"`               // manual, scheduled
	ForcedMode    string     `json:"forced_mode" gorm:"size:20"` // dom, vision, empty for automatic routing
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Duration      int        `json:"duration"` // in milliseconds
	TotalSteps    int        `json:"total_steps"`
	PassedSteps   int        `json:"passed_steps"`
	FailedSteps   int        `json:"failed_steps"`
	FallbackCount int        `json:"fallback_count"`
	ErrorMessage  string     `json:"error_message" gorm:"type:text"`
	ExecutionLogs string     `json:"execution_logs" gorm:"type:longtext"` // JSON format
	Screenshots   string     `json:"screenshots" gorm:"type:text"`        // JSON array of screenshot paths
	UserID        uint       `json:"user_id" gorm:"not null"`
	User          User       `json:"user" gorm:"foreignKey:UserID"`
}

func (e *ReplayExecution) GetScreenshots() ([]string, error) {
	var paths []string
	if e.Screenshots == "" {
		return paths, nil
	}
	err := json.Unmarshal([]byte(e.Screenshots), &paths)
	return paths, err
}

// StrategyTelemetry rows are append-only: one row per replayed step, flushed
// in batches from the in-memory telemetry buffer. They are never updated.
type StrategyTelemetry struct {
	BaseModel
	ExecutionID       uint            `json:"execution_id" gorm:"not null;index"`
	Execution         ReplayExecution `json:"execution" gorm:"foreignKey:ExecutionID"`
	StepID            string          `json:"step_id" gorm:"size:100"`
	StrategyUsed      string          `json:"strategy_used" gorm:"size:50;index"`
	Success           bool            `json:"success"`
	FallbackTriggered bool            `json:"fallback_triggered"`
	Outcome           string          `json:"outcome" gorm:"size:50"`
	DurationMs        int64           `json:"duration_ms"`
	RecordedAt        time.Time       `json:"recorded_at"`
}
