package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/generator"
	"webreplay/backend/internal/locator"
	"webreplay/backend/pkg/chrome"
)

// RecordedStep is one captured action with its generated fallback chain,
// ready to be persisted on the recording.
type RecordedStep struct {
	ID          string                     `json:"id"`
	ActionID    string                     `json:"action_id"`
	Action      string                     `json:"action"`
	Value       string                     `json:"value,omitempty"`
	Timestamp   int64                      `json:"timestamp"`
	RecordedVia string                     `json:"recorded_via"`
	Chain       locator.FallbackChain      `json:"chain"`
	Network     *generator.NetworkEvidence `json:"network,omitempty"`
}

// rawEvent is the payload the injected script emits per user action.
type rawEvent struct {
	Type      string                 `json:"type"`
	Value     string                 `json:"value"`
	Timestamp int64                  `json:"timestamp"`
	Viewport  locator.Viewport       `json:"viewport"`
	Point     *locator.Point         `json:"point,omitempty"`
	DOM       *generator.DOMEvidence `json:"dom,omitempty"`
}

type drainPayload struct {
	Events []rawEvent           `json:"events"`
	Trail  []locator.TrailPoint `json:"trail"`
}

// Session drives one recording: a dedicated Chrome instance with the capture
// script injected, the four evidence layers, and chain generation per action.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionID string
	targetURL string
	viewport  locator.Viewport
	userAgent string

	recording bool
	steps     []RecordedStep
	mu        sync.RWMutex
	wsConn    *websocket.Conn

	gen     *generator.Generator
	buffer  *EvidenceBuffer
	mouse   *MouseTrail
	vision  *VisionLayer
	network *NetworkMonitor
}

// Options configures new recording sessions.
type Options struct {
	BufferCeiling      int
	ScreenshotInterval time.Duration
}

// SessionManager tracks active recording sessions by id.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	recognizer engine.TextRecognizer
	opts       Options
}

var Manager = NewSessionManager()

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Init wires the OCR capability and session options; called once at boot.
func (m *SessionManager) Init(recognizer engine.TextRecognizer, opts Options) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recognizer = recognizer
	m.opts = opts
}

// Start launches a new recording session.
func (m *SessionManager) Start(sessionID, targetURL string, viewport locator.Viewport, userAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return fmt.Errorf("recording session %s already exists", sessionID)
	}

	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = locator.Viewport{Width: 1280, Height: 800}
	}
	s := &Session{
		sessionID: sessionID,
		targetURL: targetURL,
		viewport:  viewport,
		userAgent: userAgent,
		gen:       generator.New(),
		buffer:    NewEvidenceBuffer(m.opts.BufferCeiling),
		mouse:     NewMouseTrail(),
		vision:    NewVisionLayer(m.recognizer, m.opts.ScreenshotInterval),
		network:   NewNetworkMonitor(),
	}
	if err := s.Start(); err != nil {
		return err
	}
	m.sessions[sessionID] = s
	return nil
}

// Stop ends a session's capture. The session stays registered so its steps
// can still be saved; Cleanup removes it.
func (m *SessionManager) Stop(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return fmt.Errorf("recording session %s not found", sessionID)
	}
	return s.Stop()
}

// Get returns a session by id.
func (m *SessionManager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[sessionID]
	return s, exists
}

// Status reports whether a session is recording and its captured steps.
func (m *SessionManager) Status(sessionID string) (bool, []RecordedStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return false, nil, fmt.Errorf("recording session %s not found", sessionID)
	}
	return s.IsRecording(), s.Steps(), nil
}

// Cleanup stops a session if needed and discards it with its evidence buffer.
func (m *SessionManager) Cleanup(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists := m.sessions[sessionID]; exists {
		if s.IsRecording() {
			_ = s.Stop()
		}
		delete(m.sessions, sessionID)
	}
	return nil
}

// Start launches Chrome, injects the capture script and begins the evidence
// layers and the event poll loop.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return fmt.Errorf("recording is already in progress")
	}

	chromePath := chrome.GetChromePath()
	if chromePath == "" {
		chromePath = chrome.GetFlatpakChromePath()
		if chromePath == "" {
			return fmt.Errorf("Chrome browser not found. Please install Google Chrome or Chromium")
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chromePath),
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-web-security", true),
		chromedp.Flag("disable-features", "VizDisplayCompositor"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("allow-running-insecure-content", true),
		chromedp.Flag("disable-ipc-flooding-protection", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("force-device-scale-factor", "1"),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-component-update", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("no-pings", true),
		chromedp.UserAgent(s.userAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	var ctxCancel context.CancelFunc
	s.ctx, ctxCancel = chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Printf))

	s.cancel = func() {
		s.closeBrowser()
		ctxCancel()
		allocCancel()
	}

	err := chromedp.Run(s.ctx,
		chromedp.EmulateViewport(s.viewport.Width, s.viewport.Height),
		chromedp.Navigate(s.targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(recordingScript(), nil),
	)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to start recording: %w", err)
	}

	if err := s.network.Start(s.ctx); err != nil {
		log.Printf("⚠️ Session %s: network layer unavailable: %v", s.sessionID, err)
	}
	s.vision.Start(s.ctx)

	s.recording = true
	s.steps = make([]RecordedStep, 0)
	go s.pollLoop()

	log.Printf("🎬 Session %s: recording %s at %dx%d", s.sessionID, s.targetURL,
		s.viewport.Width, s.viewport.Height)
	return nil
}

// Stop ends capture and tears the browser down. Steps stay available.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return fmt.Errorf("no recording in progress")
	}

	s.vision.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.recording = false
	log.Printf("🛑 Session %s: recording stopped with %d steps", s.sessionID, len(s.steps))
	return nil
}

// Steps returns a copy of the captured steps.
func (s *Session) Steps() []RecordedStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RecordedStep(nil), s.steps...)
}

func (s *Session) IsRecording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// Viewport returns the emulated viewport the session records against.
func (s *Session) Viewport() locator.Viewport {
	return s.viewport
}

// TargetURL returns the page the session was started on.
func (s *Session) TargetURL() string {
	return s.targetURL
}

// UserAgent returns the user agent override the session records under, if any.
func (s *Session) UserAgent() string {
	return s.userAgent
}

// Buffer exposes the session's evidence buffer.
func (s *Session) Buffer() *EvidenceBuffer {
	return s.buffer
}

// SetWebSocket attaches a live stream connection; each captured step is
// pushed to it as JSON.
func (s *Session) SetWebSocket(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wsConn = conn
}

// ApproveEvidence exempts every captured step's evidence from buffer
// eviction. Called when the user saves the recording.
func (s *Session) ApproveEvidence() int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.steps))
	for _, step := range s.steps {
		ids = append(ids, step.ActionID)
	}
	s.mu.RUnlock()

	approved := 0
	for _, id := range ids {
		if s.buffer.Approve(id) {
			approved++
		}
	}
	return approved
}

// pollLoop drains the injected script's event and trail buffers on a ticker.
// If navigation wiped the script, it is re-injected.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	const drainJS = `(function() {
		if (!window.webReplayRecorder) return null;
		return {
			events: window.webReplayRecorder.drainEvents(),
			trail: window.webReplayRecorder.drainTrail()
		};
	})()`

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.IsRecording() {
				return
			}

			var payload *drainPayload
			if err := chromedp.Run(s.ctx, chromedp.Evaluate(drainJS, &payload)); err != nil {
				log.Printf("⚠️ Session %s: event drain failed: %v", s.sessionID, err)
				continue
			}
			if payload == nil {
				// Navigation dropped the script; put it back.
				if err := chromedp.Run(s.ctx, chromedp.Evaluate(recordingScript(), nil)); err != nil {
					log.Printf("⚠️ Session %s: script re-injection failed: %v", s.sessionID, err)
				}
				continue
			}

			s.mouse.Extend(payload.Trail)
			for _, ev := range payload.Events {
				s.processEvent(ev)
			}
		}
	}
}

// processEvent merges the evidence layers for one action, stores the bundle
// and generates the fallback chain.
func (s *Session) processEvent(ev rawEvent) {
	actionID := uuid.New().String()

	captured := generator.CapturedAction{
		ActionID:  actionID,
		Type:      ev.Type,
		Value:     ev.Value,
		Timestamp: ev.Timestamp,
		Viewport:  ev.Viewport,
		DOM:       ev.DOM,
		Mouse:     s.mouse.Evidence(ev.Timestamp),
		Network:   s.network.Snapshot(),
	}
	if wantsVisionEvidence(ev.Type) {
		if pt, ok := eventPoint(ev); ok {
			ocrCtx, ocrCancel := context.WithTimeout(s.ctx, 3*time.Second)
			captured.Vision = s.vision.EvidenceNear(ocrCtx, pt)
			ocrCancel()
		}
	}

	s.buffer.Store(actionID, captured)

	chain, err := s.gen.Generate(captured)
	if err != nil {
		log.Printf("❌ Session %s: dropping %s action: %v", s.sessionID, ev.Type, err)
		return
	}

	step := RecordedStep{
		ID:          uuid.New().String(),
		ActionID:    actionID,
		Action:      ev.Type,
		Value:       ev.Value,
		Timestamp:   ev.Timestamp,
		RecordedVia: "dom",
		Chain:       chain,
		Network:     captured.Network,
	}

	s.mu.Lock()
	s.steps = append(s.steps, step)
	conn := s.wsConn
	s.mu.Unlock()

	log.Printf("📝 Session %s: %s step captured (%d strategies, primary %s)",
		s.sessionID, ev.Type, len(chain.Strategies), chain.PrimaryStrategy)

	if conn != nil {
		if data, err := json.Marshal(step); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

// wantsVisionEvidence limits on-demand OCR to actions with a meaningful
// interaction point; screenshots are expensive.
func wantsVisionEvidence(actionType string) bool {
	switch actionType {
	case "click", "submit", "change":
		return true
	}
	return false
}

func eventPoint(ev rawEvent) (locator.Point, bool) {
	if ev.Point != nil {
		return *ev.Point, true
	}
	if ev.DOM != nil && !ev.DOM.Rect.Empty() {
		return ev.DOM.Rect.Center(), true
	}
	return locator.Point{}, false
}

// closeBrowser forcefully closes the recording Chrome instance.
func (s *Session) closeBrowser() {
	if s.ctx == nil {
		return
	}

	log.Printf("Attempting to close recording browser completely...")

	err := chromedp.Run(s.ctx, chromedp.Evaluate(`
		try {
			for (let i = 0; i < 10; i++) {
				setTimeout(() => {
					try {
						window.close();
						if (window.parent) window.parent.close();
					} catch(e) {}
				}, i * 100);
			}
		} catch(e) {
			console.log('Recording browser close attempt failed:', e);
		}
	`, nil))
	if err != nil {
		log.Printf("JavaScript recording browser close failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	go func() {
		time.Sleep(2 * time.Second)
		forceKillChromeProcesses()
	}()
}

// forceKillChromeProcesses terminates leftover automation Chrome processes.
func forceKillChromeProcesses() {
	switch runtime.GOOS {
	case "linux":
		cmd := exec.Command("pkill", "-f", "chrome.*disable-blink-features.*AutomationControlled")
		if err := cmd.Run(); err == nil {
			log.Printf("Force killed Chrome automation processes on Linux")
		}
	case "darwin":
		cmd := exec.Command("pkill", "-f", "Google Chrome.*automation")
		if err := cmd.Run(); err == nil {
			log.Printf("Force killed Chrome automation processes on macOS")
		}
	case "windows":
		cmd := exec.Command("taskkill", "/F", "/IM", "chrome.exe")
		if err := cmd.Run(); err == nil {
			log.Printf("Force killed Chrome processes on Windows")
		}
	}
}
