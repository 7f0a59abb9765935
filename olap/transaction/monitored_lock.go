package transaction

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// monitoredRWMutex guards one database's transaction indexes. It is a leaf in
// the lock order: nothing else may be acquired while it is held. Write holds
// beyond the reporting threshold are logged with the releasing stack so slow
// paths show up in diagnostics.
type monitoredRWMutex struct {
	mu        sync.RWMutex
	threshold time.Duration

	// writeAcquiredAt is only touched while the write lock is held.
	writeAcquiredAt time.Time
}

func newMonitoredRWMutex(threshold time.Duration) *monitoredRWMutex {
	return &monitoredRWMutex{threshold: threshold}
}

func (m *monitoredRWMutex) Lock() {
	m.mu.Lock()
	m.writeAcquiredAt = time.Now()
}

func (m *monitoredRWMutex) Unlock() {
	held := time.Since(m.writeAcquiredAt)
	if m.threshold > 0 && held > m.threshold {
		log.Warn("database txn write lock held too long",
			zap.Duration("held", held),
			zap.Stack("stack"))
	}
	m.mu.Unlock()
}

func (m *monitoredRWMutex) RLock()   { m.mu.RLock() }
func (m *monitoredRWMutex) RUnlock() { m.mu.RUnlock() }
