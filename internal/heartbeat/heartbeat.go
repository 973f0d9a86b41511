// Package heartbeat reports loop liveness to the conversation store.
package heartbeat

import (
	"log"
	"sync"
	"time"

	"github.com/zulandar/conductor/internal/store"
)

// DefaultInterval is the minimum time between heartbeat writes.
const DefaultInterval = 30 * time.Second

// Tracker writes a liveness timestamp for one conversation, at most once per
// interval. Write failures are logged and swallowed: liveness reporting must
// never abort the loop.
type Tracker struct {
	store          *store.Store
	conversationID uint
	interval       time.Duration

	mu     sync.Mutex
	lastAt time.Time
	now    func() time.Time // overridable in tests
}

// NewTracker creates a Tracker for a conversation. A non-positive interval
// falls back to DefaultInterval.
func NewTracker(s *store.Store, conversationID uint, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		store:          s,
		conversationID: conversationID,
		interval:       interval,
		now:            time.Now,
	}
}

// Beat records liveness with an optional phase label. Calls inside the rate
// limit window are dropped.
func (t *Tracker) Beat(phase string) {
	t.mu.Lock()
	now := t.now()
	if now.Sub(t.lastAt) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastAt = now
	t.mu.Unlock()

	if err := t.store.Heartbeat(t.conversationID, phase); err != nil {
		log.Printf("heartbeat: conversation %d: %v", t.conversationID, err)
	}
}
