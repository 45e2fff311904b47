package bridge

import (
	"container/list"
	"sync"
	"time"

	"github.com/netra-systems/zen-sub342/internal/clock"
)

type tombstone struct {
	at      time.Time
	element *list.Element
}

// tombstones remembers finished run IDs for a while so late events for them
// are rejected. Size is bounded; the oldest entry is evicted first.
type tombstones struct {
	mu      sync.Mutex
	seen    map[string]*tombstone
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

func newTombstones(ttl time.Duration, maxSize int, clk clock.Clock) *tombstones {
	return &tombstones{
		seen:    make(map[string]*tombstone),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// Has reports whether runID finished within the TTL.
func (t *tombstones) Has(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.seen[runID]
	if !ok {
		return false
	}
	return t.clock.Now().Sub(entry.at) < t.ttl
}

// Mark records runID as finished.
func (t *tombstones) Mark(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.pruneLocked(now)

	if entry, exists := t.seen[runID]; exists {
		entry.at = now
		t.order.MoveToBack(entry.element)
		return
	}

	if len(t.seen) >= t.maxSize {
		t.evictOldest()
	}

	t.seen[runID] = &tombstone{at: now, element: t.order.PushBack(runID)}
}

// Len returns the number of remembered runs, expired or not.
func (t *tombstones) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// pruneLocked drops expired entries from the front of the list.
func (t *tombstones) pruneLocked(now time.Time) {
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		runID, _ := front.Value.(string)
		if now.Sub(t.seen[runID].at) < t.ttl {
			return
		}
		t.order.Remove(front)
		delete(t.seen, runID)
	}
}

func (t *tombstones) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	runID, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.seen, runID)
}
