package server

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zulandar/conductor/internal/store"
)

// startReaper schedules a minutely sweep that fails running conversations
// whose heartbeat went silent. A loop that dies without reaching its own
// finalization would otherwise look running forever.
func startReaper(st *store.Store, timeout time.Duration) *cron.Cron {
	c := cron.New()
	c.AddFunc("* * * * *", func() {
		reapStale(st, timeout)
	})
	c.Start()
	return c
}

// reapStale marks running conversations with no heartbeat inside the timeout
// window as failed.
func reapStale(st *store.Store, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	stale, err := st.StaleRunning(cutoff)
	if err != nil {
		log.Printf("server: reaper: %v", err)
		return
	}
	for _, conv := range stale {
		msg := fmt.Sprintf("No heartbeat for more than %s; marking failed.", timeout)
		if err := st.UpdateStatus(conv.ID, store.StatusFailed, msg); err != nil {
			log.Printf("server: reaper: conversation %d: %v", conv.ID, err)
			continue
		}
		log.Printf("server: reaper: conversation %d failed after silent heartbeat", conv.ID)
	}
}
