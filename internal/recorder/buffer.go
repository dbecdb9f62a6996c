package recorder

import (
	"log"
	"sync"

	"webreplay/backend/internal/generator"
)

const defaultBufferCeiling = 8 << 20 // 8MB

// EvidenceBuffer is the bounded in-memory store for evidence captured during
// one recording session. Recording is linear, so there is exactly one writer;
// the mutex covers status reads from other goroutines. When the byte ceiling
// is exceeded the oldest un-approved entries are evicted first; approved
// entries survive the default eviction policy.
type EvidenceBuffer struct {
	mu      sync.Mutex
	ceiling int
	used    int
	entries map[string]*bufferEntry
	order   []string
}

type bufferEntry struct {
	action   generator.CapturedAction
	size     int
	approved bool
}

func NewEvidenceBuffer(ceilingBytes int) *EvidenceBuffer {
	if ceilingBytes <= 0 {
		ceilingBytes = defaultBufferCeiling
	}
	return &EvidenceBuffer{
		ceiling: ceilingBytes,
		entries: make(map[string]*bufferEntry),
	}
}

// Store adds or replaces the evidence for an action and evicts as needed.
func (b *EvidenceBuffer) Store(actionID string, action generator.CapturedAction) {
	size := action.ByteSize()

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[actionID]; ok {
		b.used -= old.size
		old.action = action
		old.size = size
		b.used += size
	} else {
		b.entries[actionID] = &bufferEntry{action: action, size: size}
		b.order = append(b.order, actionID)
		b.used += size
	}

	if evicted := b.evictLocked(); evicted > 0 {
		log.Printf("🧹 Evidence buffer evicted %d entries (%d bytes in use, ceiling %d)",
			evicted, b.used, b.ceiling)
	}
}

// Approve exempts an action's evidence from the default eviction policy.
func (b *EvidenceBuffer) Approve(actionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[actionID]
	if !ok {
		return false
	}
	entry.approved = true
	return true
}

// Get returns the stored evidence for an action.
func (b *EvidenceBuffer) Get(actionID string) (generator.CapturedAction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[actionID]
	if !ok {
		return generator.CapturedAction{}, false
	}
	return entry.action, true
}

// Prune evicts unapproved entries oldest-first until the buffer fits the
// ceiling; returns how many entries were dropped.
func (b *EvidenceBuffer) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictLocked()
}

// Size reports the bytes currently held.
func (b *EvidenceBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Len reports the number of stored entries.
func (b *EvidenceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *EvidenceBuffer) evictLocked() int {
	evicted := 0
	for b.used > b.ceiling {
		victim := -1
		for i, id := range b.order {
			if entry, ok := b.entries[id]; ok && !entry.approved {
				victim = i
				break
			}
		}
		if victim == -1 {
			// Everything left is approved; tolerate the overshoot rather
			// than drop evidence the user asked to keep.
			break
		}
		id := b.order[victim]
		b.used -= b.entries[id].size
		delete(b.entries, id)
		b.order = append(b.order[:victim], b.order[victim+1:]...)
		evicted++
	}
	return evicted
}
