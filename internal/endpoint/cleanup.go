package endpoint

import (
	"time"

	"ospagent/internal/config"
)

// runCleanupLoop runs once per endpoint, for the entire Running/Suspended
// lifetime, at the cadence config.CleanupInterval returns. Each tick:
// finalize every established connection's closed streams, close idle
// client connections, then drain the delete queue built up by the
// previous tick — so a stream destroyed in tick n can still have delivered
// bytes observed during tick n, and no connection-record erasure races
// with an observer callback still in flight from that same tick.
func (e *Endpoint) runCleanupLoop() {
	defer close(e.cleanupDone)
	ticker := time.NewTicker(config.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.cleanupStop:
			return
		case <-ticker.C:
			e.cleanupTick()
		}
	}
}

func (e *Endpoint) cleanupTick() {
	e.mu.Lock()
	records := make([]*connRecord, 0, len(e.establishedByID))
	for _, rec := range e.establishedByID {
		records = append(records, rec)
	}
	toDelete := e.toDelete
	e.toDelete = nil
	role := e.role
	e.mu.Unlock()

	for _, rec := range records {
		rec.manager.FinalizeClosedStreams()
		if role == RoleClient && rec.manager.LiveStreamCount() == 0 {
			e.mu.Lock()
			e.toDelete = append(e.toDelete, rec.instanceID)
			e.mu.Unlock()
		}
	}

	for _, id := range toDelete {
		e.mu.Lock()
		rec, ok := e.establishedByID[id]
		if ok {
			delete(e.establishedByID, id)
			if rec.instanceName != "" {
				delete(e.establishedByName, rec.instanceName)
			}
		}
		e.mu.Unlock()
		if ok {
			rec.manager.Close("idle, zero live streams")
		}
	}
}
