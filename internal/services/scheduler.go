package services

import (
	"encoding/json"
	"log"
	"sync"
	"time"
	"webreplay/backend/internal/executor"
	"webreplay/backend/internal/models"
	"webreplay/backend/pkg/database"

	"github.com/robfig/cron/v3"
)

// SchedulerService replays recordings on their saved cron expressions.
type SchedulerService struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[uint]cron.EntryID
}

var GlobalScheduler *SchedulerService

func InitScheduler() error {
	GlobalScheduler = &SchedulerService{
		cron:    cron.New(),
		entries: make(map[uint]cron.EntryID),
	}

	// Load recordings saved with a schedule
	err := GlobalScheduler.loadScheduledRecordings()
	if err != nil {
		return err
	}

	// Start the cron scheduler
	GlobalScheduler.cron.Start()
	log.Println("Scheduler service initialized")

	return nil
}

func (s *SchedulerService) loadScheduledRecordings() error {
	var recordings []models.Recording
	err := database.DB.
		Where("cron_expression != '' AND cron_expression IS NOT NULL AND status = ?", 1).
		Find(&recordings).Error
	if err != nil {
		return err
	}

	for _, recording := range recordings {
		err := s.AddRecordingSchedule(recording)
		if err != nil {
			log.Printf("Failed to add schedule for recording %d: %v", recording.ID, err)
		}
	}

	log.Printf("Loaded %d scheduled recordings", len(recordings))
	return nil
}

func (s *SchedulerService) AddRecordingSchedule(recording models.Recording) error {
	if recording.CronExpression == "" {
		return nil
	}

	// Remove existing schedule if any
	s.RemoveRecordingSchedule(recording.ID)

	recordingID := recording.ID
	entryID, err := s.cron.AddFunc(recording.CronExpression, func() {
		s.executeScheduledRecording(recordingID)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[recording.ID] = entryID
	s.mu.Unlock()

	log.Printf("Added schedule for recording %d (entry %d): %s", recording.ID, entryID, recording.CronExpression)
	return nil
}

func (s *SchedulerService) RemoveRecordingSchedule(recordingID uint) {
	s.mu.Lock()
	entryID, exists := s.entries[recordingID]
	if exists {
		delete(s.entries, recordingID)
	}
	s.mu.Unlock()

	if exists {
		s.cron.Remove(entryID)
		log.Printf("Removed schedule for recording %d (entry %d)", recordingID, entryID)
	}
}

func (s *SchedulerService) executeScheduledRecording(recordingID uint) {
	log.Printf("Executing scheduled recording %d", recordingID)

	var recording models.Recording
	err := database.DB.Where("id = ? AND status = ?", recordingID, 1).First(&recording).Error
	if err != nil {
		log.Printf("Failed to load recording %d: %v", recordingID, err)
		return
	}

	steps, err := recording.GetSteps()
	if err != nil || len(steps) == 0 {
		log.Printf("Recording %d has no replayable steps", recordingID)
		return
	}

	// Check if executor is available
	if executor.GlobalExecutor == nil {
		log.Printf("Replay executor not available for scheduled execution")
		return
	}

	runningCount := executor.GlobalExecutor.GetRunningCount()
	if runningCount >= 10 {
		log.Printf("Insufficient capacity for scheduled recording %d (%d replays running)", recordingID, runningCount)
		return
	}

	execution := models.ReplayExecution{
		RecordingID:   recording.ID,
		Status:        "pending",
		TriggerType:   "scheduled",
		StartTime:     time.Now(),
		TotalSteps:    len(steps),
		UserID:        recording.UserID, // Use recording owner as executor
		ErrorMessage:  "",
		ExecutionLogs: "[]",
		Screenshots:   "[]",
	}

	err = database.DB.Create(&execution).Error
	if err != nil {
		log.Printf("Failed to create execution record for recording %d: %v", recordingID, err)
		return
	}

	execution.Status = "running"
	database.DB.Save(&execution)

	// Scheduled replays always run headless
	go func() {
		resultChan := executor.GlobalExecutor.ExecuteRecording(&execution, &recording, false)
		result := <-resultChan

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

		database.DB.Save(&execution)

		// Notify executor that database update is complete
		executor.GlobalExecutor.NotifyExecutionComplete(execution.ID)

		log.Printf("Scheduled replay of recording %d finished: %s (%d/%d steps passed)",
			recordingID, execution.Status, execution.PassedSteps, execution.TotalSteps)
	}()

	log.Printf("Started scheduled replay for recording %d (execution %d)", recordingID, execution.ID)
}

func (s *SchedulerService) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		log.Println("Scheduler service stopped")
	}
}
