package transaction

import (
	"sync"

	"github.com/awkwardd/doris/olap/catalog"
)

// BatchRemoveTxnsOp is the edit-log record of one expiry round: everything up
// to and including the latest ids can be dropped on replay.
type BatchRemoveTxnsOp struct {
	DBID             int64
	LatestIDForShort int64
	LatestIDForLong  int64
}

// EditLog persists transaction state transitions for failover replay.
type EditLog interface {
	LogInsertTransactionState(s *State)
	LogBatchRemoveTransactions(op BatchRemoveTxnsOp)
}

// MemEditLog is the in-memory edit log used by tests and single-node runs.
type MemEditLog struct {
	mu      sync.Mutex
	states  []int64 // txn ids in log order
	removes []BatchRemoveTxnsOp
}

func NewMemEditLog() *MemEditLog {
	return &MemEditLog{}
}

func (l *MemEditLog) LogInsertTransactionState(s *State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s.TxnID)
}

func (l *MemEditLog) LogBatchRemoveTransactions(op BatchRemoveTxnsOp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes = append(l.removes, op)
}

func (l *MemEditLog) LoggedStateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func (l *MemEditLog) RemoveOps() []BatchRemoveTxnsOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]BatchRemoveTxnsOp(nil), l.removes...)
}

// GlobalStateMgr is the narrow view of the catalog the transaction layer
// needs. Passing an interface instead of the whole engine keeps the two from
// owning each other and keeps unit tests small.
type GlobalStateMgr interface {
	GetDatabase(dbID int64) *catalog.Database
	GetTabletInvertedIndex() *catalog.TabletInvertedIndex
	GetEditLog() EditLog
	GetBackendIDs() []int64
}

type stateMgr struct {
	cat     *catalog.Catalog
	editLog EditLog
}

// NewGlobalStateMgr wraps a catalog and an edit log into the handle the
// transaction managers consume.
func NewGlobalStateMgr(cat *catalog.Catalog, editLog EditLog) GlobalStateMgr {
	return &stateMgr{cat: cat, editLog: editLog}
}

func (m *stateMgr) GetDatabase(dbID int64) *catalog.Database {
	return m.cat.GetDatabase(dbID)
}

func (m *stateMgr) GetTabletInvertedIndex() *catalog.TabletInvertedIndex {
	return m.cat.GetTabletInvertedIndex()
}

func (m *stateMgr) GetEditLog() EditLog {
	return m.editLog
}

func (m *stateMgr) GetBackendIDs() []int64 {
	return m.cat.GetBackendIDs()
}
