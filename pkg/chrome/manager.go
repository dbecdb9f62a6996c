package chrome

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"webreplay/backend/internal/locator"
)

// ChromeManager manages Chrome instances to avoid ChromeDP v0.9.2 concurrency issues
type ChromeManager struct {
	mutex          sync.Mutex
	processes      map[string]*ChromeProcess
	headedInstance *ChromeProcess // Shared instance for headed replays
}

type ChromeProcess struct {
	Command *exec.Cmd
	Port    int
	PID     int
}

var GlobalChromeManager = &ChromeManager{
	processes: make(map[string]*ChromeProcess),
}

// StartInstance starts a Chrome instance configured for one replay: recorded
// viewport as the window size, recorded user agent, optional start URL so the
// first tab is already on the target page. Returns the debugging port.
func (cm *ChromeManager) StartInstance(executionID uint, headed bool, targetURL string, viewport locator.Viewport, userAgent string) (int, error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	key := fmt.Sprintf("exec-%d", executionID)

	// Find available port
	port := cm.findAvailablePort()
	if port == 0 {
		return 0, fmt.Errorf("no available port found")
	}

	// Get Chrome path
	chromePath := GetChromePath()
	if chromePath == "" {
		return 0, fmt.Errorf("Chrome not found")
	}

	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = locator.Viewport{Width: 1280, Height: 800}
	}

	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + fmt.Sprintf("/tmp/webreplay-chrome-%d", executionID),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-blink-features=AutomationControlled",
		"--disable-web-security",
		"--disable-features=VizDisplayCompositor",
		fmt.Sprintf("--window-size=%d,%d", viewport.Width, viewport.Height),
	}

	if userAgent != "" {
		args = append(args, "--user-agent="+userAgent)
	}

	if !headed {
		args = append(args, "--headless")
	}

	// Add target URL if provided
	if targetURL != "" {
		args = append(args, targetURL)
		log.Printf("🚀 Starting Chrome for execution %d on port %d with target URL: %s", executionID, port, targetURL)
	} else {
		log.Printf("🚀 Starting Chrome for execution %d on port %d", executionID, port)
	}

	cmd := exec.Command(chromePath, args...)
	cmd.Stderr = nil // Suppress Chrome error output
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		log.Printf("❌ Failed to start Chrome process: %v", err)
		return 0, fmt.Errorf("failed to start Chrome: %v", err)
	}

	process := &ChromeProcess{
		Command: cmd,
		Port:    port,
		PID:     cmd.Process.Pid,
	}

	cm.processes[key] = process

	// For headed replays, also store as shared headed instance
	if headed {
		cm.headedInstance = process
		log.Printf("📝 Chrome process registered as headed instance: PID=%d, Port=%d", process.PID, port)
	} else {
		log.Printf("📝 Chrome process registered: PID=%d, Port=%d", process.PID, port)
	}

	// Give Chrome time to start up
	time.Sleep(2 * time.Second)

	if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		log.Printf("❌ Chrome process exited unexpectedly: %s", cmd.ProcessState.String())
		return 0, fmt.Errorf("Chrome process exited unexpectedly")
	}

	// Wait for Chrome to be ready with dynamic detection
	if err := cm.waitForChromeReady(port, 15*time.Second); err != nil {
		// Cleanup on failure
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		delete(cm.processes, key)
		return 0, fmt.Errorf("Chrome failed to start properly: %v", err)
	}

	log.Printf("✅ Chrome started successfully for execution %d (PID: %d, Port: %d)", executionID, process.PID, port)

	return port, nil
}

// waitForChromeReady waits for Chrome to be ready by checking the debugging endpoint
func (cm *ChromeManager) waitForChromeReady(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	debugURL := fmt.Sprintf("http://localhost:%d/json", port)

	log.Printf("⏳ Waiting for Chrome to be ready on port %d...", port)

	for time.Now().Before(deadline) {
		resp, err := http.Get(debugURL)
		if err == nil {
			resp.Body.Close()
			log.Printf("✅ Chrome debugging endpoint is ready on port %d", port)
			return nil
		}
		time.Sleep(200 * time.Millisecond) // Check every 200ms
	}

	return fmt.Errorf("Chrome debugging endpoint not ready within %v", timeout)
}

// StopChrome stops the Chrome instance for the given execution
func (cm *ChromeManager) StopChrome(executionID uint) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	key := fmt.Sprintf("exec-%d", executionID)
	process, exists := cm.processes[key]

	if !exists {
		return
	}

	// Keep the shared headed instance alive for reuse by later replays
	if cm.headedInstance != nil && process == cm.headedInstance {
		log.Printf("🔄 Keeping headed Chrome instance alive for execution %d (PID: %d)", executionID, process.PID)
		delete(cm.processes, key)
		return
	}

	log.Printf("🛑 Stopping Chrome for execution %d (PID: %d)", executionID, process.PID)

	if process.Command.Process != nil {
		// SIGTERM first so Chrome can close its tabs properly
		err := process.Command.Process.Signal(os.Interrupt)
		if err != nil {
			log.Printf("⚠️ Failed to send SIGTERM to Chrome process %d: %v", process.PID, err)
		} else {
			done := make(chan error, 1)
			go func() {
				done <- process.Command.Wait()
			}()

			select {
			case err := <-done:
				if err != nil {
					log.Printf("Chrome process %d ended with error: %v", process.PID, err)
				} else {
					log.Printf("✅ Chrome process %d terminated gracefully", process.PID)
				}
			case <-time.After(3 * time.Second):
				log.Printf("🔨 Graceful shutdown timeout, force killing Chrome process %d", process.PID)
				killErr := process.Command.Process.Kill()
				if killErr != nil {
					log.Printf("⚠️ Failed to force kill Chrome process %d: %v", process.PID, killErr)
				} else {
					process.Command.Wait()
					log.Printf("✅ Chrome process %d force terminated", process.PID)
				}
			}
		}
	}

	// Cleanup user data directory
	userDataDir := fmt.Sprintf("/tmp/webreplay-chrome-%d", executionID)
	if err := os.RemoveAll(userDataDir); err != nil {
		log.Printf("⚠️ Failed to cleanup user data dir for execution %d: %v", executionID, err)
	}

	delete(cm.processes, key)
	log.Printf("🧹 Cleanup completed for Chrome execution %d", executionID)
}

// findAvailablePort finds an available port for Chrome debugging
func (cm *ChromeManager) findAvailablePort() int {
	usedPorts := make(map[int]bool)
	for _, process := range cm.processes {
		usedPorts[process.Port] = true
	}

	// Try ports from 9222 to 9322
	for port := 9222; port <= 9322; port++ {
		if !usedPorts[port] {
			return port
		}
	}

	return 0
}

// GetDebugURL returns the Chrome debugging URL for the given execution
func (cm *ChromeManager) GetDebugURL(executionID uint) string {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	key := fmt.Sprintf("exec-%d", executionID)
	if process, exists := cm.processes[key]; exists {
		return fmt.Sprintf("http://localhost:%d", process.Port)
	}

	return ""
}

// CleanupAll stops all Chrome instances (for shutdown)
func (cm *ChromeManager) CleanupAll() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	totalProcesses := len(cm.processes)
	if cm.headedInstance != nil {
		totalProcesses++
	}

	log.Printf("🧹 Cleaning up all Chrome instances (%d total)", totalProcesses)

	for key, process := range cm.processes {
		if process.Command.Process != nil {
			log.Printf("🛑 Stopping Chrome process %s (PID: %d)", key, process.PID)
			process.Command.Process.Kill()
		}
	}

	if cm.headedInstance != nil {
		if cm.headedInstance.Command.Process != nil {
			log.Printf("🛑 Stopping headed Chrome instance (PID: %d)", cm.headedInstance.PID)
			cm.headedInstance.Command.Process.Kill()
		}
		cm.headedInstance = nil
	}

	cm.processes = make(map[string]*ChromeProcess)
}

// GetExistingPort returns the shared headed instance's port when it is still
// alive and responsive, so headed replays can reuse the visible window.
func (cm *ChromeManager) GetExistingPort(headed bool) int {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if headed && cm.headedInstance != nil {
		if cm.headedInstance.Command != nil && cm.headedInstance.Command.ProcessState == nil {
			if cm.isPortResponsive(cm.headedInstance.Port) {
				log.Printf("🔄 Found existing headed Chrome instance on port %d", cm.headedInstance.Port)
				return cm.headedInstance.Port
			}
			log.Printf("🧹 Headed Chrome instance port %d is not responsive, cleaning up", cm.headedInstance.Port)
			cm.headedInstance = nil
		} else {
			log.Printf("🧹 Cleaning up dead headed Chrome instance")
			cm.headedInstance = nil
		}
	}

	return 0
}

// isPortResponsive checks if a Chrome debugging port is responsive
func (cm *ChromeManager) isPortResponsive(port int) bool {
	debugURL := fmt.Sprintf("http://localhost:%d/json/version", port)
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get(debugURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// StopHeadedInstance forcefully stops the shared headed Chrome instance
func (cm *ChromeManager) StopHeadedInstance() {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.headedInstance == nil {
		return
	}

	log.Printf("🛑 Forcefully stopping headed Chrome instance (PID: %d)", cm.headedInstance.PID)

	if cm.headedInstance.Command.Process != nil {
		killErr := cm.headedInstance.Command.Process.Kill()
		if killErr != nil {
			log.Printf("⚠️ Failed to force kill headed Chrome process %d: %v", cm.headedInstance.PID, killErr)
		} else {
			cm.headedInstance.Command.Wait()
			log.Printf("✅ Headed Chrome process %d force terminated", cm.headedInstance.PID)
		}
	}

	cm.headedInstance = nil
	log.Printf("🧹 Headed Chrome instance cleanup completed")
}
