package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// TabSession is one live protocol attachment to a page tab. All evaluators
// and dispatchers working on that tab share it through the Tab context.
type TabSession struct {
	ExecutionID uint
	Port        int
	TargetID    target.ID
	AttachedAt  time.Time

	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

// Tab returns the chromedp context bound to the attached tab.
func (s *TabSession) Tab() context.Context {
	return s.tabCtx
}

// SessionRegistry tracks protocol attachments keyed by execution id. Attach
// is idempotent per id; Detach is mandatory when the tab closes, otherwise
// the websocket and its contexts leak.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[uint]*TabSession
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint]*TabSession)}
}

type tabInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Attach connects to the first page tab of the Chrome instance listening on
// port. Calling Attach again for the same execution returns the existing
// session untouched.
func (r *SessionRegistry) Attach(parent context.Context, executionID uint, port int) (*TabSession, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[executionID]; ok {
		r.mu.Unlock()
		log.Printf("🔌 Reusing attached session for execution %d (tab %s)", executionID, existing.TargetID)
		return existing, nil
	}
	r.mu.Unlock()

	tab, err := firstPageTab(port)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(parent, fmt.Sprintf("http://localhost:%d", port))
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithTargetID(target.ID(tab.ID)),
		chromedp.WithLogf(func(string, ...interface{}) {}),
	)

	// Probe the attachment before handing it out
	var title string
	if err := chromedp.Run(tabCtx, chromedp.Title(&title)); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to attach to tab %s: %w", tab.ID, err)
	}

	session := &TabSession{
		ExecutionID: executionID,
		Port:        port,
		TargetID:    target.ID(tab.ID),
		AttachedAt:  time.Now(),
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}

	r.mu.Lock()
	if existing, ok := r.sessions[executionID]; ok {
		// Lost an attach race, keep the first session
		r.mu.Unlock()
		tabCancel()
		allocCancel()
		return existing, nil
	}
	r.sessions[executionID] = session
	r.mu.Unlock()

	log.Printf("🔌 Attached to tab %s for execution %d (title: %q)", tab.ID, executionID, title)
	return session, nil
}

// Get returns the session attached for the execution, if any.
func (r *SessionRegistry) Get(executionID uint) (*TabSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[executionID]
	return session, ok
}

// Detach tears down the attachment for the execution. Safe to call more than
// once.
func (r *SessionRegistry) Detach(executionID uint) {
	r.mu.Lock()
	session, ok := r.sessions[executionID]
	if ok {
		delete(r.sessions, executionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	session.tabCancel()
	session.allocCancel()
	log.Printf("🔌 Detached session for execution %d (tab %s)", executionID, session.TargetID)
}

// DetachAll tears down every attachment (for shutdown).
func (r *SessionRegistry) DetachAll() {
	r.mu.Lock()
	sessions := make([]*TabSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[uint]*TabSession)
	r.mu.Unlock()

	for _, s := range sessions {
		s.tabCancel()
		s.allocCancel()
	}
	if len(sessions) > 0 {
		log.Printf("🧹 Detached %d remaining sessions", len(sessions))
	}
}

// Count reports how many attachments are live, for the health endpoint.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// firstPageTab lists the instance's tabs over the debugging endpoint and
// picks the first page-type one. Connecting to an existing tab instead of
// creating a new one keeps the start URL loaded during instance launch.
func firstPageTab(port int) (*tabInfo, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/json", port))
	if err != nil {
		return nil, fmt.Errorf("failed to get Chrome tabs list: %w", err)
	}
	defer resp.Body.Close()

	var tabs []tabInfo
	if err := json.NewDecoder(resp.Body).Decode(&tabs); err != nil {
		return nil, fmt.Errorf("failed to parse Chrome tabs: %w", err)
	}

	for i := range tabs {
		if tabs[i].Type == "page" {
			return &tabs[i], nil
		}
	}

	return nil, fmt.Errorf("no page tab found on port %d", port)
}
