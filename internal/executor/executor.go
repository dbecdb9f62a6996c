package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/models"
	"webreplay/backend/internal/router"
	"webreplay/backend/internal/telemetry"
	"webreplay/backend/pkg/chrome"
)

// ReplayExecutor drives saved recordings back through a live browser. Each
// replayed step goes through the decision engine and mode router instead of
// blindly re-running the recorded selector.
type ReplayExecutor struct {
	maxWorkers  int
	stepTimeout time.Duration
	workQueue   chan ExecutionJob
	mutex       sync.RWMutex
	running     map[uint]bool
	cancels     map[uint]context.CancelFunc // Store cancel functions for each execution
	completions map[uint]chan bool          // Store completion channels for each execution

	router    *router.Router
	sessions  *chrome.SessionRegistry
	telemetry *telemetry.Logger
}

type ExecutionJob struct {
	Execution    *models.ReplayExecution
	Recording    *models.Recording
	Headed       bool
	ResultChan   chan ExecutionResult
	CompleteChan chan bool // Added for proper cleanup coordination
}

type ExecutionResult struct {
	Success       bool
	ErrorMessage  string
	Screenshots   []string
	Logs          []ExecutionLog
	TotalSteps    int
	PassedSteps   int
	FailedSteps   int
	FallbackCount int
}

type ExecutionLog struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	StepIndex     int       `json:"step_index"`
	StepID        string    `json:"step_id,omitempty"`
	Action        string    `json:"action,omitempty"`
	StepStatus    string    `json:"step_status,omitempty"` // success, failed, running
	Strategy      string    `json:"strategy,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	Fallback      bool      `json:"fallback,omitempty"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Value         string    `json:"value,omitempty"`
	Screenshot    string    `json:"screenshot,omitempty"`
	Duration      int64     `json:"duration,omitempty"` // milliseconds
	ErrorDetail   string    `json:"error_detail,omitempty"`
}

var GlobalExecutor *ReplayExecutor
var chromeMutex sync.Mutex // Global mutex to serialize Chrome instance creation

func InitExecutor(rt *router.Router, sessions *chrome.SessionRegistry, tlog *telemetry.Logger, maxWorkers int, stepTimeout time.Duration) {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}

	GlobalExecutor = &ReplayExecutor{
		maxWorkers:  maxWorkers,
		stepTimeout: stepTimeout,
		workQueue:   make(chan ExecutionJob, maxWorkers*2),
		running:     make(map[uint]bool),
		cancels:     make(map[uint]context.CancelFunc),
		completions: make(map[uint]chan bool),
		router:      rt,
		sessions:    sessions,
		telemetry:   tlog,
	}

	// Start worker goroutines
	for i := 0; i < maxWorkers; i++ {
		go GlobalExecutor.worker()
	}

	log.Printf("Replay executor initialized with %d workers", maxWorkers)
}

func (re *ReplayExecutor) worker() {
	for job := range re.workQueue {
		result := re.executeReplay(job.Execution.ID, job.Recording, job.Headed, router.Mode(job.Execution.ForcedMode))

		// Send result to handler FIRST
		job.ResultChan <- result

		log.Printf("✅ Worker sent execution result for %d (success=%v) to handler", job.Execution.ID, result.Success)

		// Wait for handler to confirm database update is complete
		select {
		case <-job.CompleteChan:
			log.Printf("✅ Handler confirmed database update for execution %d", job.Execution.ID)
		case <-time.After(10 * time.Second):
			log.Printf("⚠️ Timeout waiting for handler confirmation for execution %d, proceeding with cleanup", job.Execution.ID)
		}

		// Now mark execution as completed in internal state
		re.mutex.Lock()
		delete(re.running, job.Execution.ID)
		delete(re.cancels, job.Execution.ID)
		delete(re.completions, job.Execution.ID)
		re.mutex.Unlock()

		log.Printf("✅ Worker cleaned up internal state for execution %d", job.Execution.ID)
	}
}

// ExecuteRecording queues one replay and returns the channel its result will
// arrive on. The forced mode, if any, rides on the execution row.
func (re *ReplayExecutor) ExecuteRecording(execution *models.ReplayExecution, recording *models.Recording, headed bool) <-chan ExecutionResult {
	re.mutex.Lock()
	re.running[execution.ID] = true
	completeChan := make(chan bool, 1)
	re.completions[execution.ID] = completeChan
	re.mutex.Unlock()

	resultChan := make(chan ExecutionResult, 1)
	job := ExecutionJob{
		Execution:    execution,
		Recording:    recording,
		Headed:       headed,
		ResultChan:   resultChan,
		CompleteChan: completeChan,
	}

	re.workQueue <- job
	return resultChan
}

func (re *ReplayExecutor) IsRunning(executionID uint) bool {
	re.mutex.RLock()
	defer re.mutex.RUnlock()
	return re.running[executionID]
}

func (re *ReplayExecutor) GetRunningCount() int {
	re.mutex.RLock()
	defer re.mutex.RUnlock()
	return len(re.running)
}

// NotifyExecutionComplete signals the executor that the handler has finished updating the database
func (re *ReplayExecutor) NotifyExecutionComplete(executionID uint) {
	re.mutex.RLock()
	completeChan, exists := re.completions[executionID]
	re.mutex.RUnlock()

	if exists {
		select {
		case completeChan <- true:
			log.Printf("✅ Notified executor that database update is complete for execution %d", executionID)
		default:
			// Channel already closed or worker has timed out, no need to log
		}
	}
}

// GetExecutionStatus returns the current status of an execution
func (re *ReplayExecutor) GetExecutionStatus(executionID uint) string {
	re.mutex.RLock()
	defer re.mutex.RUnlock()

	if re.running[executionID] {
		return "running"
	}
	return "completed"
}

// CancelExecution cancels a running execution
func (re *ReplayExecutor) CancelExecution(executionID uint) bool {
	re.mutex.Lock()
	defer re.mutex.Unlock()

	if re.running[executionID] {
		if cancelFunc, exists := re.cancels[executionID]; exists {
			log.Printf("Cancelling execution %d and closing browser", executionID)
			cancelFunc()
		}

		delete(re.running, executionID)
		delete(re.cancels, executionID)
		delete(re.completions, executionID)
		log.Printf("Execution %d cancelled", executionID)
		return true
	}
	return false
}

// RerouteStep handles an external "execution produced no effect" signal for a
// step of a replay that is still running: the step is re-evaluated and
// dispatched once in the family opposite the one reported failed.
func (re *ReplayExecutor) RerouteStep(executionID uint, step models.ReplayStep, failedMode router.Mode) (*router.RoutedExecutionResult, error) {
	if failedMode != router.ModeDOM && failedMode != router.ModeVision {
		return nil, fmt.Errorf("unknown execution mode: %s", failedMode)
	}
	if !re.IsRunning(executionID) {
		return nil, fmt.Errorf("execution %d is not running", executionID)
	}

	session, ok := re.sessions.Get(executionID)
	if !ok {
		return nil, fmt.Errorf("no attached browser session for execution %d", executionID)
	}

	tab := session.Tab()
	stepCtx, cancel := context.WithTimeout(tab, re.stepTimeout)
	defer cancel()

	result := re.router.Reroute(stepCtx, toRouterStep(step), engine.NewChromePage(tab), failedMode)
	re.recordTelemetry(executionID, step, result, stepCtx)
	return &result, nil
}

// Stop gracefully shuts down the executor
func (re *ReplayExecutor) Stop() {
	re.mutex.Lock()
	defer re.mutex.Unlock()

	if re.workQueue != nil {
		close(re.workQueue)
	}

	log.Println("Replay executor stopped")
}

func (re *ReplayExecutor) executeReplay(executionID uint, recording *models.Recording, headed bool, forcedMode router.Mode) ExecutionResult {
	result := ExecutionResult{
		Screenshots: make([]string, 0),
		Logs:        make([]ExecutionLog, 0),
	}

	// Panic recovery so a ChromeDP crash cannot kill the service
	defer func() {
		if r := recover(); r != nil {
			log.Printf("🚨 PANIC recovered in executeReplay for execution %d: %v", executionID, r)
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("ChromeDP execution panic: %v", r)
			result.addLog("error", fmt.Sprintf("Execution panic recovered: %v", r), -1)

			go func() {
				time.Sleep(2 * time.Second)
				forceKillChromeProcesses()
			}()
		}
	}()

	steps, err := recording.GetSteps()
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("Failed to parse recording steps: %v", err)
		return result
	}
	if len(steps) == 0 {
		result.ErrorMessage = "Recording has no steps"
		return result
	}
	result.TotalSteps = len(steps)

	if chrome.GetChromePath() == "" {
		result.Success = false
		result.ErrorMessage = "Chrome browser not found. Please install Google Chrome or Chromium"
		result.addLog("error", "Chrome not found in system", -1)
		return result
	}

	targetURL := recording.StartURL

	// Serialize instance creation; ChromeDP v0.9.2 misbehaves under
	// concurrent launches.
	chromeMutex.Lock()
	var port int
	if existingPort := chrome.GlobalChromeManager.GetExistingPort(headed); headed && existingPort > 0 {
		port = existingPort
		result.addLog("info", fmt.Sprintf("🔄 Reusing existing Chrome instance on port %d", port), -1)
	}
	if port == 0 {
		port, err = chrome.GlobalChromeManager.StartInstance(executionID, headed, targetURL, recording.Viewport(), recording.UserAgent)
		if err != nil {
			chromeMutex.Unlock()
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("Failed to start Chrome: %v", err)
			result.addLog("error", fmt.Sprintf("❌ Chrome startup failed: %v", err), -1)
			return result
		}
		result.addLog("info", fmt.Sprintf("✅ Chrome started on port %d with target page loaded", port), -1)
	}
	chromeMutex.Unlock()

	// Overall budget scales with the recording; the per-step budget is
	// enforced separately inside the loop.
	budget := time.Duration(len(steps))*re.stepTimeout + 2*time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	ctx, timeoutCancel := context.WithTimeout(ctx, budget)

	re.mutex.Lock()
	re.cancels[executionID] = cancel
	re.mutex.Unlock()

	var tab context.Context
	defer func() {
		result.addLog("info", fmt.Sprintf("🧹 Starting Chrome cleanup for execution %d", executionID), -1)
		if tab != nil && headed {
			closeBrowser(tab)
		}
		re.sessions.Detach(executionID)
		timeoutCancel()
		cancel()
		chrome.GlobalChromeManager.StopChrome(executionID)
		result.addLog("info", fmt.Sprintf("✅ Chrome cleanup completed for execution %d", executionID), -1)
	}()

	session, err := re.sessions.Attach(ctx, executionID, port)
	if err != nil {
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("Failed to attach to Chrome tab: %v", err)
		result.addLog("error", fmt.Sprintf("❌ Tab attach failed: %v", err), -1)
		return result
	}
	tab = session.Tab()
	result.addLog("info", "✅ Execution context created", -1)

	startTime := time.Now()

	// Replay under the recorded geometry
	result.addLog("info", fmt.Sprintf("📱 Applying recorded viewport: %dx%d", recording.Viewport().Width, recording.Viewport().Height), -1)
	if err := chrome.ApplyRecordedViewport(tab, recording.Viewport(), recording.UserAgent); err != nil {
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("Failed to setup viewport emulation: %v", err)
		result.addLog("error", fmt.Sprintf("❌ Viewport emulation failed: %v", err), -1)
		return result
	}

	// The instance was launched with the start URL; navigate only when the
	// tab is somewhere else (reused headed instance, prior failure).
	var currentURL string
	urlErr := chromedp.Run(tab, chromedp.Location(&currentURL))
	needNavigation := true
	if urlErr == nil && currentURL == targetURL {
		result.addLog("info", fmt.Sprintf("✅ Target page already loaded at startup: %s", currentURL), -1)
		needNavigation = false
	}
	if needNavigation {
		result.addLog("info", fmt.Sprintf("🔄 Navigating current tab to target page: %s", targetURL), -1)
		err = chromedp.Run(tab,
			chromedp.Navigate(targetURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
		if err != nil {
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("Failed to navigate to target page: %v", err)
			result.addLog("error", fmt.Sprintf("❌ Tab navigation failed: %v", err), -1)
			return result
		}
	}

	// Multi-stage page loading wait for dynamic content
	err = chromedp.Run(tab,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.WaitVisible("body", chromedp.ByQuery),
		chromedp.Sleep(3*time.Second),
	)
	if err != nil {
		var title, pageURL string
		titleErr := chromedp.Run(tab, chromedp.Title(&title))
		urlErr := chromedp.Run(tab, chromedp.Location(&pageURL))
		result.addLog("info", fmt.Sprintf("🔍 Debug info - Title: '%s', URL: '%s', TitleErr: %v, URLErr: %v",
			title, pageURL, titleErr, urlErr), -1)
		result.addLog("warn", "⚠️ Page not fully loaded, continuing with execution", -1)
	} else {
		result.addLog("info", "✅ Page loaded successfully", -1)
	}

	// Take initial screenshot
	if path := re.takeScreenshot(tab, "initial", 0, recording.Name); path != "" {
		result.Screenshots = append(result.Screenshots, path)
	}

	totalSteps := len(steps)
	log.Printf("🏁 开始回放录制: %s (共 %d 个步骤)", recording.Name, totalSteps)
	if forcedMode != "" {
		log.Printf("🔧 本次回放强制使用 %s 模式", forcedMode)
		result.addLog("info", fmt.Sprintf("🔧 Forced execution mode for this replay: %s", forcedMode), -1)
	}

	for i, step := range steps {
		select {
		case <-ctx.Done():
			result.Success = false
			result.ErrorMessage = "Execution was cancelled"
			result.addLog("info", "Replay execution was cancelled", -1)
			log.Printf("⚠️ 回放执行被取消: %s", recording.Name)
			return result
		default:
		}

		stepStartTime := time.Now()
		desc := stepDescription(step, i, totalSteps)

		log.Printf("🔄 %s - 开始执行...", desc)
		result.addStepLog("info", fmt.Sprintf("开始执行步骤 %d/%d: %s", i+1, totalSteps, desc), i, step,
			router.RoutedExecutionResult{}, "running", "", 0)

		routed := re.runStep(ctx, tab, step, forcedMode)
		stepDuration := time.Since(stepStartTime).Milliseconds()

		re.recordTelemetry(executionID, step, routed, ctx)

		if routed.FallbackTriggered {
			result.FallbackCount++
			log.Printf("🔄 步骤 %d/%d 触发了执行模式降级", i+1, totalSteps)
		}

		if !routed.Success {
			result.FailedSteps++
			errMsg := attemptError(routed)
			result.ErrorMessage = fmt.Sprintf("步骤 %d 执行失败: %s", i+1, errMsg)

			log.Printf("❌ 步骤 %d/%d 执行失败 (耗时: %dms): %s - 错误: %s",
				i+1, totalSteps, stepDuration, desc, errMsg)

			screenshotFile := re.takeScreenshot(tab, "error", i, recording.Name)
			if screenshotFile != "" {
				result.Screenshots = append(result.Screenshots, screenshotFile)
				log.Printf("📷 已拍摄错误截图: %s", screenshotFile)
			}

			result.addStepLog("error", fmt.Sprintf("步骤 %d/%d 执行失败: %s - 错误: %s (耗时: %dms)",
				i+1, totalSteps, desc, errMsg, stepDuration), i, step, routed, "failed", screenshotFile, stepDuration)

			return result
		}

		result.PassedSteps++

		screenshotFile := ""
		if shouldTakeScreenshot(step.Action) {
			screenshotFile = re.takeScreenshot(tab, "step", i, recording.Name)
			if screenshotFile != "" {
				result.Screenshots = append(result.Screenshots, screenshotFile)
				log.Printf("📷 已拍摄步骤截图: %s", screenshotFile)
			}
		}

		log.Printf("✅ 步骤 %d/%d 执行成功 (策略: %s, 模式: %s, 耗时: %dms): %s",
			i+1, totalSteps, routed.StrategyUsed, attemptMode(routed), stepDuration, desc)

		result.addStepLog("info", fmt.Sprintf("步骤 %d/%d 执行成功: %s (耗时: %dms)",
			i+1, totalSteps, desc, stepDuration), i, step, routed, "success", screenshotFile, stepDuration)

		// Small delay between steps
		chromedp.Run(tab, chromedp.Sleep(500*time.Millisecond))
	}

	// Take final screenshot
	if path := re.takeScreenshot(tab, "final", len(steps), recording.Name); path != "" {
		result.Screenshots = append(result.Screenshots, path)
	}

	// Check if context was cancelled before marking as successful
	select {
	case <-ctx.Done():
		result.Success = false
		result.ErrorMessage = "Execution was cancelled"
		result.addLog("info", "Replay execution was cancelled", -1)
		log.Printf("⚠️ 回放执行被取消: %s", recording.Name)
	default:
		result.Success = true
		result.addLog("info", "Replay completed successfully", -1)
		log.Printf("🎉 回放成功完成: %s (共执行 %d 个步骤, 耗时: %.2f秒)",
			recording.Name, totalSteps, time.Since(startTime).Seconds())
	}

	return result
}

// runStep routes one recorded step through the engine and router under the
// per-step budget. The context handed to the router must derive from the tab
// context so dispatches land on the attached tab.
func (re *ReplayExecutor) runStep(ctx context.Context, tab context.Context, step models.ReplayStep, forced router.Mode) router.RoutedExecutionResult {
	budget := re.stepTimeout
	if step.Action == string(router.ActionWaitClick) {
		// The appearance poll has its own internal budget; leave room for it.
		budget += 15 * time.Second
	}

	stepCtx, cancel := context.WithTimeout(tab, budget)
	defer cancel()

	return re.router.ExecuteStepForced(stepCtx, toRouterStep(step), engine.NewChromePage(tab), forced)
}

func toRouterStep(step models.ReplayStep) router.Step {
	return router.Step{
		ID:          step.ID,
		Action:      router.Action(step.Action),
		Value:       step.Value,
		Chain:       step.Chain,
		RecordedVia: router.Mode(step.RecordedVia),
	}
}

func (re *ReplayExecutor) recordTelemetry(executionID uint, step models.ReplayStep, routed router.RoutedExecutionResult, ctx context.Context) {
	if re.telemetry == nil {
		return
	}

	outcome := telemetry.OutcomePassed
	if !routed.Success {
		outcome = telemetry.OutcomeFailed
		switch ctx.Err() {
		case context.DeadlineExceeded:
			outcome = telemetry.OutcomeTimeout
		case context.Canceled:
			outcome = telemetry.OutcomeCancelled
		}
	}

	// On failure attribute the record to the last strategy that was
	// actually dispatched.
	strategy := routed.StrategyUsed
	if strategy == "" {
		if routed.Fallback != nil && routed.Fallback.Strategy != "" {
			strategy = routed.Fallback.Strategy
		} else {
			strategy = routed.Primary.Strategy
		}
	}

	re.telemetry.Append(telemetry.Record{
		ExecutionID:       executionID,
		StepID:            step.ID,
		StrategyUsed:      strategy,
		Success:           routed.Success,
		DurationMs:        routed.Duration.Milliseconds(),
		FallbackTriggered: routed.FallbackTriggered,
		Outcome:           outcome,
	})
}

// attemptError folds the primary and fallback attempt errors into one message.
func attemptError(routed router.RoutedExecutionResult) string {
	if routed.Fallback != nil && routed.Fallback.Err != "" {
		if routed.Primary.Err != "" {
			return fmt.Sprintf("%s; fallback: %s", routed.Primary.Err, routed.Fallback.Err)
		}
		return routed.Fallback.Err
	}
	if routed.Primary.Err != "" {
		return routed.Primary.Err
	}
	return "step did not succeed"
}

// attemptMode reports which family actually performed the step.
func attemptMode(routed router.RoutedExecutionResult) router.Mode {
	if routed.Fallback != nil && routed.Fallback.Success {
		return routed.Fallback.Mode
	}
	return routed.Primary.Mode
}

func (re *ReplayExecutor) takeScreenshot(tab context.Context, stepType string, stepIndex int, recordingName string) string {
	now := time.Now()
	dateFolder := now.Format("2006-01-02")
	timeStamp := now.Format("15:04:05")
	filename := fmt.Sprintf("%s_%s_%d_%s.png", recordingName, stepType, stepIndex, timeStamp)

	// Create daily screenshots directory if not exists
	screenshotDir := filepath.Join("../screenshots", dateFolder)
	if err := os.MkdirAll(screenshotDir, 0755); err != nil {
		log.Printf("Failed to create screenshots directory: %v", err)
		return ""
	}

	fullPath := filepath.Join(screenshotDir, filename)

	var buf []byte
	err := chromedp.Run(tab, chromedp.CaptureScreenshot(&buf))
	if err != nil {
		log.Printf("Failed to take screenshot: %v", err)
		return ""
	}

	err = os.WriteFile(fullPath, buf, 0644)
	if err != nil {
		log.Printf("Failed to save screenshot file: %v", err)
		return ""
	}

	log.Printf("📸 Screenshot saved: %s (step %d, type: %s)", filename, stepIndex, stepType)
	return filepath.Join(dateFolder, filename)
}

// shouldTakeScreenshot marks the interaction kinds worth a screenshot.
func shouldTakeScreenshot(action string) bool {
	switch action {
	case "click", "submit", "change", "wait_click":
		return true
	}
	return false
}

func (result *ExecutionResult) addLog(level, message string, stepIndex int) {
	result.Logs = append(result.Logs, ExecutionLog{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		StepIndex: stepIndex,
	})
}

func (result *ExecutionResult) addStepLog(level, message string, stepIndex int, step models.ReplayStep,
	routed router.RoutedExecutionResult, status, screenshot string, duration int64) {
	entry := ExecutionLog{
		Timestamp:     time.Now(),
		Level:         level,
		Message:       message,
		StepIndex:     stepIndex,
		StepID:        step.ID,
		Action:        step.Action,
		StepStatus:    status,
		Value:         step.Value,
		Screenshot:    screenshot,
		Duration:      duration,
		LowConfidence: routed.LowConfidence,
		Fallback:      routed.FallbackTriggered,
	}
	if routed.StrategyUsed != "" {
		entry.Strategy = string(routed.StrategyUsed)
	}
	if mode := attemptMode(routed); mode != "" {
		entry.Mode = string(mode)
	}
	if !routed.Success {
		entry.ErrorDetail = attemptError(routed)
	}
	result.Logs = append(result.Logs, entry)
}

// stepDescription renders the progress line for one step, using the chain's
// primary target as the element reference.
func stepDescription(step models.ReplayStep, stepIndex, totalSteps int) string {
	progress := fmt.Sprintf("[%d/%d]", stepIndex+1, totalSteps)
	target := ""
	if len(step.Chain.Strategies) > 0 {
		target = step.Chain.Strategies[0].Target
	}

	switch step.Action {
	case "click":
		return fmt.Sprintf("%s 🔘 点击元素: %s", progress, target)
	case "input":
		if len(step.Value) > 50 {
			return fmt.Sprintf("%s ⌨️ 输入文本到 %s (长度: %d字符)", progress, target, len(step.Value))
		}
		return fmt.Sprintf("%s ⌨️ 输入文本到 %s: %s", progress, target, step.Value)
	case "keydown":
		return fmt.Sprintf("%s ⌨️ 按键操作: %s", progress, step.Value)
	case "scroll":
		return fmt.Sprintf("%s 📜 页面滚动到位置: %s", progress, step.Value)
	case "change":
		return fmt.Sprintf("%s 🔄 更改元素值 %s → %s", progress, target, step.Value)
	case "submit":
		return fmt.Sprintf("%s ✅ 提交表单: %s", progress, target)
	case "navigate":
		return fmt.Sprintf("%s 🌐 导航到: %s", progress, step.Value)
	case "delay":
		return fmt.Sprintf("%s ⏸️ 等待: %s", progress, step.Value)
	case "wait_click":
		return fmt.Sprintf("%s ⏳ 等待元素出现并点击: %s", progress, target)
	default:
		return fmt.Sprintf("%s ⚙️ 执行 %s 操作: %s", progress, step.Action, target)
	}
}

// closeBrowser gracefully closes tabs before the context teardown forces the
// process down. Only worth doing for headed instances the user can see.
func closeBrowser(tab context.Context) {
	if tab == nil {
		return
	}

	log.Printf("Attempting to close Chrome browser gracefully...")

	err := chromedp.Run(tab, chromedp.Evaluate(`
		try {
			window.close();
			console.log('Tab closing sequence initiated');
		} catch(e) {
			console.log('Tab close attempt failed:', e);
		}
	`, nil))
	if err != nil {
		log.Printf("JavaScript tab close failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	go func() {
		time.Sleep(2 * time.Second)
		forceKillChromeProcesses()
	}()
}

// forceKillChromeProcesses terminates automation Chrome processes that
// survived graceful teardown.
func forceKillChromeProcesses() {
	switch runtime.GOOS {
	case "linux":
		cmd := exec.Command("pkill", "-f", "chrome.*webreplay-chrome")
		if err := cmd.Run(); err == nil {
			log.Printf("Force killed Chrome automation processes on Linux")
		}

		cmd2 := exec.Command("pkill", "-f", "chrome.*disable-blink-features.*AutomationControlled")
		if err := cmd2.Run(); err == nil {
			log.Printf("Force killed Chrome processes with automation flags")
		}

	case "darwin":
		cmd := exec.Command("pkill", "-f", "Google Chrome.*webreplay-chrome")
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
