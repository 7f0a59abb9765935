package storage

import (
	"sync"

	"github.com/google/uuid"

	"github.com/awkwardd/doris/olap/rowset"
)

// Tablet is the engine-side view of one tablet replica hosted on this node.
// The full tablet implementation (schema, readers, compaction policies) lives
// outside this package; GC and the sweepers only need identity, the visible
// version history and the delete-bitmap hooks.
type Tablet struct {
	ID         int64
	UID        uuid.UUID
	SchemaHash int64
	Shard      uint64
	Dir        *DataDir

	// EnableUniqueKeyMergeOnWrite selects the merge-on-write delete-bitmap
	// path during rowset removal.
	EnableUniqueKeyMergeOnWrite bool

	mu sync.Mutex
	// maxVersion is the newest visible version; together with staleBefore it
	// bounds the retained visible history.
	maxVersion int64
	// staleBefore is the oldest version still queryable.
	staleBefore int64
	// deleteBitmaps holds the per-rowset delete-bitmap slices for
	// merge-on-write tablets.
	deleteBitmaps map[rowset.ID]struct{}
	// binlogMinVersion is the oldest binlog version kept.
	binlogMinVersion int64
}

func NewTablet(id int64, schemaHash int64, dir *DataDir, shard uint64) *Tablet {
	return &Tablet{
		ID:            id,
		UID:           uuid.New(),
		SchemaHash:    schemaHash,
		Shard:         shard,
		Dir:           dir,
		deleteBitmaps: make(map[rowset.ID]struct{}),
	}
}

func (t *Tablet) DataDir() *DataDir { return t.Dir }

func (t *Tablet) TabletDir() string {
	if t.Dir == nil {
		return ""
	}
	return t.Dir.TabletDir(t.Shard, t.ID, t.SchemaHash)
}

func (t *Tablet) SetVisibleHistory(staleBefore, maxVersion int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleBefore = staleBefore
	t.maxVersion = maxVersion
}

func (t *Tablet) MaxVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxVersion
}

// VersionUseful reports whether a VISIBLE rowset covering v still overlaps the
// tablet's retained visible history.
func (t *Tablet) VersionUseful(v rowset.Version) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return v.Start <= t.maxVersion && v.End >= t.staleBefore
}

func (t *Tablet) AddDeleteBitmap(id rowset.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteBitmaps[id] = struct{}{}
}

// DropDeleteBitmap removes the delete-bitmap slice of one rowset. Called by
// GC before deleting the rowset files of a merge-on-write tablet.
func (t *Tablet) DropDeleteBitmap(id rowset.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deleteBitmaps, id)
}

func (t *Tablet) HasDeleteBitmap(id rowset.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deleteBitmaps[id]
	return ok
}

// GCBinlogs drops binlog state up to version.
func (t *Tablet) GCBinlogs(version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.binlogMinVersion {
		t.binlogMinVersion = version
	}
}

func (t *Tablet) BinlogMinVersion() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.binlogMinVersion
}

// TabletManager is the engine's collaborator owning the live tablets. The
// engine only consults it; tablet creation and dropping is driven from above.
type TabletManager interface {
	// GetTablet returns nil when the tablet does not exist.
	GetTablet(tabletID int64) *Tablet
	// GetTabletWithUID additionally checks the uid; a mismatch means the
	// tablet was dropped and re-created.
	GetTabletWithUID(tabletID int64, uid uuid.UUID) *Tablet
	// DeleteExpiredIncrementalRowsets trims incremental rowsets past their
	// retention on every tablet.
	DeleteExpiredIncrementalRowsets()
}

// MemTabletManager is the in-process TabletManager, sharded to keep lock
// contention off the hot path.
type MemTabletManager struct {
	shards []tabletShard
}

type tabletShard struct {
	mu      sync.RWMutex
	tablets map[int64]*Tablet
}

func NewMemTabletManager(shardSize int) *MemTabletManager {
	if shardSize <= 0 {
		shardSize = 1
	}
	m := &MemTabletManager{shards: make([]tabletShard, shardSize)}
	for i := range m.shards {
		m.shards[i].tablets = make(map[int64]*Tablet)
	}
	return m
}

func (m *MemTabletManager) shard(tabletID int64) *tabletShard {
	return &m.shards[uint64(tabletID)%uint64(len(m.shards))]
}

func (m *MemTabletManager) AddTablet(t *Tablet) {
	s := m.shard(t.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tablets[t.ID] = t
}

func (m *MemTabletManager) DropTablet(tabletID int64) {
	s := m.shard(tabletID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tablets, tabletID)
}

func (m *MemTabletManager) GetTablet(tabletID int64) *Tablet {
	s := m.shard(tabletID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tablets[tabletID]
}

func (m *MemTabletManager) GetTabletWithUID(tabletID int64, uid uuid.UUID) *Tablet {
	t := m.GetTablet(tabletID)
	if t == nil || t.UID != uid {
		return nil
	}
	return t
}

func (m *MemTabletManager) DeleteExpiredIncrementalRowsets() {
	// Incremental rowset retention is enforced by each tablet when its
	// visible history advances; nothing to do for the in-memory manager.
}

func (m *MemTabletManager) ForEach(fn func(t *Tablet) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for _, t := range s.tablets {
			if !fn(t) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}
