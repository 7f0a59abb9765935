package rowset

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// UnusedRegistry tracks rowsets that have been superseded (compacted away,
// aborted, or orphaned by a dropped tablet) and are waiting for deletion. The
// registry owns the Rowset objects; GC removes files only through here.
type UnusedRegistry struct {
	mu      sync.Mutex
	rowsets map[ID]*Rowset
}

func NewUnusedRegistry() *UnusedRegistry {
	return &UnusedRegistry{rowsets: make(map[ID]*Rowset)}
}

// Add flags rs for deletion, closes its handles, stamps the delayed expiry and
// inserts it. Duplicate adds are ignored.
func (u *UnusedRegistry) Add(rs *Rowset, delay time.Duration) {
	if rs == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.rowsets[rs.ID()]; ok {
		return
	}
	rs.SetNeedDeleteFile()
	rs.Close()
	rs.DelayedExpiredTimestamp.Store(time.Now().Add(delay).Unix())
	u.rowsets[rs.ID()] = rs
	log.Debug("add unused rowset",
		zap.Stringer("rowsetID", rs.ID()),
		zap.Int64("tabletID", rs.Meta().TabletID))
}

func (u *UnusedRegistry) Contains(id ID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.rowsets[id]
	return ok
}

func (u *UnusedRegistry) Get(id ID) *Rowset {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rowsets[id]
}

func (u *UnusedRegistry) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rowsets)
}

// CollectExpired removes and returns the local rowsets that are deletable at
// now: flagged for deletion, past their delayed expiry, with no outstanding
// pin and not held by a running query. Remote rowsets are left for the remote
// GC path. The keep callback reports ids to retain (query pins); it is invoked
// under the registry lock and must not block.
func (u *UnusedRegistry) CollectExpired(now time.Time, keep func(id ID) bool) []*Rowset {
	u.mu.Lock()
	defer u.mu.Unlock()
	var batch []*Rowset
	for id, rs := range u.rowsets {
		if !rs.NeedDeleteFile() || rs.RefCount() > 0 {
			continue
		}
		if rs.DelayedExpiredTimestamp.Load() > now.Unix() {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		if !rs.IsLocal() {
			continue
		}
		batch = append(batch, rs)
		delete(u.rowsets, id)
	}
	return batch
}
