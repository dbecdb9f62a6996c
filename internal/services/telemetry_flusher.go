package services

import (
	"log"
	"time"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/telemetry"
	"webreplay/backend/pkg/database"
)

// TelemetryFlusher periodically persists buffered step telemetry. Replay
// workers only append to the in-memory logger; this service owns the database
// writes so a slow insert can never stall a running step.
type TelemetryFlusher struct {
	logger  *telemetry.Logger
	running bool
	ticker  *time.Ticker
	done    chan struct{}
}

var GlobalTelemetryFlusher *TelemetryFlusher

const telemetryFlushInterval = 10 * time.Second

func InitTelemetryFlusher(logger *telemetry.Logger) {
	GlobalTelemetryFlusher = &TelemetryFlusher{
		logger: logger,
		done:   make(chan struct{}),
	}
	GlobalTelemetryFlusher.Start()
}

func (f *TelemetryFlusher) Start() {
	if f.running || f.logger == nil {
		return
	}

	f.running = true
	f.ticker = time.NewTicker(telemetryFlushInterval)

	go f.flushLoop()
	log.Println("Telemetry flusher started")
}

// Stop halts the loop and flushes whatever is still buffered.
func (f *TelemetryFlusher) Stop() {
	if !f.running {
		return
	}

	f.running = false
	f.ticker.Stop()
	close(f.done)

	f.Flush()
	log.Println("Telemetry flusher stopped")
}

func (f *TelemetryFlusher) flushLoop() {
	for {
		select {
		case <-f.ticker.C:
			f.Flush()
		case <-f.done:
			return
		}
	}
}

// Flush drains the logger and writes the records in one batch insert.
func (f *TelemetryFlusher) Flush() {
	records := f.logger.Drain()
	if len(records) == 0 {
		return
	}

	rows := make([]models.StrategyTelemetry, 0, len(records))
	for _, rec := range records {
		rows = append(rows, models.StrategyTelemetry{
			ExecutionID:       rec.ExecutionID,
			StepID:            rec.StepID,
			StrategyUsed:      string(rec.StrategyUsed),
			Success:           rec.Success,
			FallbackTriggered: rec.FallbackTriggered,
			Outcome:           rec.Outcome,
			DurationMs:        rec.DurationMs,
			RecordedAt:        rec.RecordedAt,
		})
	}

	err := database.DB.CreateInBatches(rows, 100).Error
	if err != nil {
		log.Printf("Failed to persist %d telemetry records: %v", len(rows), err)
		return
	}

	log.Printf("Persisted %d telemetry records", len(rows))
}
