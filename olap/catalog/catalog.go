package catalog

import (
	"sync"
	"time"

	"github.com/awkwardd/doris/olap/errs"
)

// Tablet groups the replicas of one horizontal slice.
type Tablet struct {
	ID       int64
	replicas []*Replica
}

func NewTablet(id int64, replicas ...*Replica) *Tablet {
	return &Tablet{ID: id, replicas: replicas}
}

func (t *Tablet) Replicas() []*Replica { return t.replicas }

func (t *Tablet) AddReplica(r *Replica) { t.replicas = append(t.replicas, r) }

func (t *Tablet) GetReplicaByBackend(backendID int64) *Replica {
	for _, r := range t.replicas {
		if r.BackendID == backendID {
			return r
		}
	}
	return nil
}

// MaterializedIndex is one physical layout of a partition (base or rollup).
type MaterializedIndex struct {
	ID      int64
	tablets []*Tablet
}

func NewMaterializedIndex(id int64, tablets ...*Tablet) *MaterializedIndex {
	return &MaterializedIndex{ID: id, tablets: tablets}
}

func (i *MaterializedIndex) Tablets() []*Tablet { return i.tablets }

func (i *MaterializedIndex) AddTablet(t *Tablet) { i.tablets = append(i.tablets, t) }

// Partition owns the version line of one partition. visibleVersion advances
// only after publish quorum; nextVersion is allocated at commit time under
// the table write lock.
type Partition struct {
	ID int64

	mu                 sync.Mutex
	visibleVersion     int64
	visibleVersionTime time.Time
	nextVersion        int64
	indexes            map[int64]*MaterializedIndex
	rangeDesc          string
}

// NewPartition starts at visible version 1, the conventional empty version.
func NewPartition(id int64) *Partition {
	return &Partition{
		ID:             id,
		visibleVersion: 1,
		nextVersion:    2,
		indexes:        make(map[int64]*MaterializedIndex),
	}
}

func (p *Partition) AddIndex(idx *MaterializedIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexes[idx.ID] = idx
}

func (p *Partition) Indexes() []*MaterializedIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MaterializedIndex, 0, len(p.indexes))
	for _, idx := range p.indexes {
		out = append(out, idx)
	}
	return out
}

func (p *Partition) GetIndex(id int64) *MaterializedIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexes[id]
}

func (p *Partition) SetRangeDesc(desc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rangeDesc = desc
}

func (p *Partition) RangeDesc() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rangeDesc
}

func (p *Partition) VisibleVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleVersion
}

func (p *Partition) VisibleVersionTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleVersionTime
}

func (p *Partition) NextVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextVersion
}

// InitVersion seeds the version line when the partition is loaded from a
// catalog image.
func (p *Partition) InitVersion(visible int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visibleVersion = visible
	p.nextVersion = visible + 1
}

// AllocateNextVersion hands out the commit version and bumps the allocator.
// Serialized by the caller holding the table write lock.
func (p *Partition) AllocateNextVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.nextVersion
	p.nextVersion++
	return v
}

// SetVisibleVersion advances the visible line; it never moves backwards.
func (p *Partition) SetVisibleVersion(v int64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.visibleVersion {
		p.visibleVersion = v
		p.visibleVersionTime = at
	}
}

// TableState gates schema operations; loads adjust behavior under ROLLUP and
// SCHEMA_CHANGE and are refused under RESTORE.
type TableState int

const (
	TableNormal TableState = iota
	TableRollup
	TableSchemaChange
	TableRestore
)

type Table struct {
	ID   int64
	Name string

	// lock is the table write lock: version allocation and visible-version
	// advancement happen under it.
	lock sync.RWMutex

	mu             sync.Mutex
	state          TableState
	partitions     map[int64]*Partition
	replicationNum int
}

func NewTable(id int64, name string, replicationNum int) *Table {
	return &Table{
		ID:             id,
		Name:           name,
		partitions:     make(map[int64]*Partition),
		replicationNum: replicationNum,
	}
}

func (t *Table) WriteLock()   { t.lock.Lock() }
func (t *Table) WriteUnlock() { t.lock.Unlock() }
func (t *Table) ReadLock()    { t.lock.RLock() }
func (t *Table) ReadUnlock()  { t.lock.RUnlock() }

func (t *Table) State() TableState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Table) SetState(s TableState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Table) AddPartition(p *Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[p.ID] = p
}

func (t *Table) DropPartition(partitionID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.partitions, partitionID)
}

func (t *Table) GetPartition(partitionID int64) *Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partitions[partitionID]
}

// LoadRequiredReplicaNum is the publish quorum of the partition: a majority
// of the replication factor.
func (t *Table) LoadRequiredReplicaNum(partitionID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replicationNum/2 + 1
}

type Database struct {
	ID       int64
	FullName string

	mu        sync.Mutex
	tables    map[int64]*Table
	dataQuota int64
	usedData  int64
}

func NewDatabase(id int64, name string) *Database {
	return &Database{ID: id, FullName: name, tables: make(map[int64]*Table), dataQuota: -1}
}

func (d *Database) AddTable(t *Table) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[t.ID] = t
}

func (d *Database) DropTable(tableID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, tableID)
}

func (d *Database) GetTable(tableID int64) *Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tables[tableID]
}

func (d *Database) SetDataQuota(quota int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataQuota = quota
}

func (d *Database) AddUsedData(bytes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usedData += bytes
}

// CheckDataSizeQuota refuses new loads once the database's used data reaches
// its quota.
func (d *Database) CheckDataSizeQuota() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dataQuota >= 0 && d.usedData >= d.dataQuota {
		return errs.Errorf(errs.KindQuotaExceeded,
			"database %s data size %d exceeds quota %d", d.FullName, d.usedData, d.dataQuota)
	}
	return nil
}

// TabletMeta locates a tablet inside the catalog tree.
type TabletMeta struct {
	DBID        int64
	TableID     int64
	PartitionID int64
	IndexID     int64
	TabletID    int64
}

// TabletInvertedIndex maps tablet ids back to their place in the catalog and
// to the replicas each backend hosts.
type TabletInvertedIndex struct {
	mu          sync.RWMutex
	tabletMetas map[int64]*TabletMeta
	replicas    map[int64]map[int64]*Replica // tabletID -> backendID -> replica
}

func NewTabletInvertedIndex() *TabletInvertedIndex {
	return &TabletInvertedIndex{
		tabletMetas: make(map[int64]*TabletMeta),
		replicas:    make(map[int64]map[int64]*Replica),
	}
}

func (idx *TabletInvertedIndex) AddTablet(meta *TabletMeta) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tabletMetas[meta.TabletID] = meta
}

func (idx *TabletInvertedIndex) AddReplica(tabletID int64, r *Replica) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.replicas[tabletID] == nil {
		idx.replicas[tabletID] = make(map[int64]*Replica)
	}
	idx.replicas[tabletID][r.BackendID] = r
}

func (idx *TabletInvertedIndex) DeleteTablet(tabletID int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.tabletMetas, tabletID)
	delete(idx.replicas, tabletID)
}

// GetTabletMeta returns nil for unknown tablets.
func (idx *TabletInvertedIndex) GetTabletMeta(tabletID int64) *TabletMeta {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tabletMetas[tabletID]
}

func (idx *TabletInvertedIndex) GetReplica(tabletID, backendID int64) *Replica {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.replicas[tabletID][backendID]
}

func (idx *TabletInvertedIndex) GetReplicasOnBackends(tabletID int64) map[int64]*Replica {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[int64]*Replica, len(idx.replicas[tabletID]))
	for be, r := range idx.replicas[tabletID] {
		out[be] = r
	}
	return out
}

// Catalog is the in-process catalog used by the transaction manager and by
// tests. Real deployments back these lookups with the frontend metadata
// service; the transaction manager only sees the interface in its package.
type Catalog struct {
	mu         sync.RWMutex
	dbs        map[int64]*Database
	inverted   *TabletInvertedIndex
	backendIDs []int64
}

func NewCatalog() *Catalog {
	return &Catalog{
		dbs:      make(map[int64]*Database),
		inverted: NewTabletInvertedIndex(),
	}
}

func (c *Catalog) AddDatabase(db *Database) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbs[db.ID] = db
}

func (c *Catalog) GetDatabase(dbID int64) *Database {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbs[dbID]
}

func (c *Catalog) GetTabletInvertedIndex() *TabletInvertedIndex {
	return c.inverted
}

func (c *Catalog) SetBackendIDs(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backendIDs = append([]int64(nil), ids...)
}

func (c *Catalog) GetBackendIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int64(nil), c.backendIDs...)
}
