package buffer

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/netra-systems/zen-sub342/internal/clock"
)

const lockStripes = 64

// HistoryConfig holds the replay history limits.
type HistoryConfig struct {
	// PerUser is how many frames are kept per user.
	PerUser int
	// TTL drops a user's frames once nothing was written for this long.
	TTL time.Duration
	// MaxUsers bounds how many users have frames; the least recently
	// written user is evicted first.
	MaxUsers int

	Clock clock.Clock
}

type userRing struct {
	ring    *RingBuffer
	written time.Time
	element *list.Element
}

// History keeps one RingBuffer per user.
type History struct {
	perUser  int
	ttl      time.Duration
	maxUsers int
	clock    clock.Clock

	// stripes order emits against attaches for the same user.
	stripes [lockStripes]sync.Mutex

	mu    sync.Mutex
	rings map[string]*userRing
	order *list.List // least recently written at front
}

// NewHistory creates a History with the given limits.
func NewHistory(cfg HistoryConfig) *History {
	if cfg.PerUser <= 0 {
		cfg.PerUser = 50
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = 10000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &History{
		perUser:  cfg.PerUser,
		ttl:      cfg.TTL,
		maxUsers: cfg.MaxUsers,
		clock:    cfg.Clock,
		rings:    make(map[string]*userRing),
		order:    list.New(),
	}
}

func (h *History) stripe(userID string) *sync.Mutex {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return &h.stripes[f.Sum32()%lockStripes]
}

// Emit records frame for userID and runs deliver before any connection of
// that user can attach. A frame is therefore either replayed by Attach or
// delivered live, never both.
func (h *History) Emit(userID string, frame []byte, deliver func()) {
	mu := h.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	h.Append(userID, frame)
	if deliver != nil {
		deliver()
	}
}

// Attach runs attach with the user's buffered frames while no frame for
// that user can be emitted.
func (h *History) Attach(userID string, attach func(recent [][]byte) error) error {
	mu := h.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	return attach(h.Recent(userID))
}

// Append records a frame for userID.
func (h *History) Append(userID string, frame []byte) {
	if userID == "" || len(frame) == 0 {
		return
	}

	now := h.clock.Now()

	h.mu.Lock()
	h.pruneLocked(now)
	entry, ok := h.rings[userID]
	if ok {
		h.order.MoveToBack(entry.element)
	} else {
		if len(h.rings) >= h.maxUsers {
			h.evictOldestLocked()
		}
		entry = &userRing{ring: NewRingBuffer(h.perUser), element: h.order.PushBack(userID)}
		h.rings[userID] = entry
	}
	entry.written = now
	ring := entry.ring
	h.mu.Unlock()

	ring.Push(frame)
}

// Recent returns the user's buffered frames, oldest first.
func (h *History) Recent(userID string) [][]byte {
	h.mu.Lock()
	h.pruneLocked(h.clock.Now())
	entry, ok := h.rings[userID]
	h.mu.Unlock()

	if !ok {
		return nil
	}
	return entry.ring.Snapshot()
}

// Users returns the number of users with unexpired frames.
func (h *History) Users() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.clock.Now())
	return len(h.rings)
}

// pruneLocked drops users whose last write is older than the TTL.
func (h *History) pruneLocked(now time.Time) {
	for front := h.order.Front(); front != nil; front = h.order.Front() {
		userID, _ := front.Value.(string)
		if now.Sub(h.rings[userID].written) < h.ttl {
			return
		}
		h.order.Remove(front)
		delete(h.rings, userID)
	}
}

func (h *History) evictOldestLocked() {
	front := h.order.Front()
	if front == nil {
		return
	}
	userID, _ := front.Value.(string)
	h.order.Remove(front)
	delete(h.rings, userID)
}
