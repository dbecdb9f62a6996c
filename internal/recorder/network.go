package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"webreplay/backend/internal/generator"
)

// Network layer: tracks in-flight requests over CDP network events so each
// captured action can be annotated with whether the page was mid-load.
// Corroborating metadata only; it never locates anything.
const (
	recentRequestCap = 20
	midLoadWindow    = 500 * time.Millisecond
)

type NetworkMonitor struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]string
	recent       []string
	started      bool
	lastActivity time.Time
}

func NewNetworkMonitor() *NetworkMonitor {
	return &NetworkMonitor{inflight: make(map[network.RequestID]string)}
}

// Start subscribes to the tab's network events. Safe to call once per tab;
// repeated calls are no-ops.
func (m *NetworkMonitor) Start(tab context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	chromedp.ListenTarget(tab, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			m.requestStarted(e.RequestID, e.Request.URL)
		case *network.EventLoadingFinished:
			m.requestDone(e.RequestID)
		case *network.EventLoadingFailed:
			m.requestDone(e.RequestID)
		}
	})
	return chromedp.Run(tab, network.Enable())
}

func (m *NetworkMonitor) requestStarted(id network.RequestID, url string) {
	if len(url) > 200 {
		url = url[:200]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[id] = url
	m.recent = append(m.recent, url)
	if len(m.recent) > recentRequestCap {
		m.recent = m.recent[len(m.recent)-recentRequestCap:]
	}
	m.lastActivity = time.Now()
}

func (m *NetworkMonitor) requestDone(id network.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
	m.lastActivity = time.Now()
}

// Snapshot annotates the current network state for one captured action.
func (m *NetworkMonitor) Snapshot() *generator.NetworkEvidence {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}

	recent := m.recent
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	return &generator.NetworkEvidence{
		InFlight:       len(m.inflight),
		RecentRequests: append([]string(nil), recent...),
		MidLoad:        len(m.inflight) > 0 || time.Since(m.lastActivity) < midLoadWindow,
	}
}
