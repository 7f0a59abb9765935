package storage

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/olap/errs"
	"github.com/awkwardd/doris/olap/rowset"
)

// TabletInfo identifies a tablet incarnation; the uid changes when a tablet
// is dropped and re-created under the same id.
type TabletInfo struct {
	TabletID  int64
	TabletUID uuid.UUID
}

type txnKey struct {
	partitionID int64
	txnID       int64
}

// txnTabletEntry is one tablet's in-flight load inside a transaction. The
// pending guard keeps the rowset id out of GC until publish or rollback.
type txnTabletEntry struct {
	rowset *rowset.Rowset
	guard  *rowset.PendingGuard
}

// TxnRegistry is the node-local index of load transactions that have rowsets
// on this node. It exists so GC can tell which rowsets belong to in-flight
// loads, and so orphaned transactions (tablet dropped mid-load) can be rolled
// back.
type TxnRegistry struct {
	shards []txnShard
	// txnLocks serializes operations on one transaction id across shards.
	txnLocks []sync.Mutex
}

type txnShard struct {
	mu   sync.RWMutex
	txns map[txnKey]map[TabletInfo]*txnTabletEntry
}

func NewTxnRegistry(txnMapShardSize, txnShardSize int) *TxnRegistry {
	if txnMapShardSize <= 0 {
		txnMapShardSize = 1
	}
	if txnShardSize <= 0 {
		txnShardSize = 1
	}
	r := &TxnRegistry{
		shards:   make([]txnShard, txnMapShardSize),
		txnLocks: make([]sync.Mutex, txnShardSize),
	}
	for i := range r.shards {
		r.shards[i].txns = make(map[txnKey]map[TabletInfo]*txnTabletEntry)
	}
	return r
}

func (r *TxnRegistry) shard(txnID int64) *txnShard {
	return &r.shards[uint64(txnID)%uint64(len(r.shards))]
}

func (r *TxnRegistry) lockTxn(txnID int64) *sync.Mutex {
	return &r.txnLocks[uint64(txnID)%uint64(len(r.txnLocks))]
}

// PrepareTxn registers the (txn, tablet) pair before any rowset is written.
// Re-preparing an existing pair is idempotent.
func (r *TxnRegistry) PrepareTxn(partitionID, txnID int64, tablet TabletInfo) {
	l := r.lockTxn(txnID)
	l.Lock()
	defer l.Unlock()
	s := r.shard(txnID)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txnKey{partitionID, txnID}
	if s.txns[key] == nil {
		s.txns[key] = make(map[TabletInfo]*txnTabletEntry)
	}
	if _, ok := s.txns[key][tablet]; !ok {
		s.txns[key][tablet] = &txnTabletEntry{}
	}
}

// CommitTxn attaches the written rowset to the (txn, tablet) pair. The guard
// stays held until publish or rollback releases it.
func (r *TxnRegistry) CommitTxn(partitionID, txnID int64, tablet TabletInfo,
	rs *rowset.Rowset, guard *rowset.PendingGuard) error {
	l := r.lockTxn(txnID)
	l.Lock()
	defer l.Unlock()
	s := r.shard(txnID)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txnKey{partitionID, txnID}
	tablets := s.txns[key]
	if tablets == nil {
		tablets = make(map[TabletInfo]*txnTabletEntry)
		s.txns[key] = tablets
	}
	if e, ok := tablets[tablet]; ok && e.rowset != nil {
		if e.rowset.ID() == rs.ID() {
			// Retry of the same commit.
			return nil
		}
		return errs.Errorf(errs.KindInternal,
			"txn %d already has rowset %s for tablet %d, refusing %s",
			txnID, e.rowset.ID(), tablet.TabletID, rs.ID())
	}
	tablets[tablet] = &txnTabletEntry{rowset: rs, guard: guard}
	return nil
}

// PublishTxn makes the rowset visible at version: stamps and persists the
// meta, clears the pending publish record, and releases the pending guard.
func (r *TxnRegistry) PublishTxn(partitionID, txnID int64, tablet TabletInfo,
	version int64, meta *MetaStore) (*rowset.Rowset, error) {
	l := r.lockTxn(txnID)
	l.Lock()
	defer l.Unlock()
	s := r.shard(txnID)
	s.mu.Lock()
	key := txnKey{partitionID, txnID}
	entry := s.txns[key][tablet]
	if entry == nil || entry.rowset == nil {
		s.mu.Unlock()
		return nil, errs.Errorf(errs.KindTransactionNotFound,
			"no committed rowset for txn %d tablet %d", txnID, tablet.TabletID)
	}
	delete(s.txns[key], tablet)
	if len(s.txns[key]) == 0 {
		delete(s.txns, key)
	}
	s.mu.Unlock()

	rs := entry.rowset
	rs.Meta().Version = rowset.Version{Start: version, End: version}
	rs.Meta().State = rowset.StateVisible
	if meta != nil {
		if err := meta.SaveRowsetMeta(rs.Meta()); err != nil {
			return nil, err
		}
		if err := meta.RemovePendingPublishInfo(tablet.TabletID, version); err != nil {
			return nil, err
		}
	}
	if entry.guard != nil {
		entry.guard.Release()
	}
	return rs, nil
}

// RollbackTxn abandons the (txn, tablet) pair and returns the orphaned rowset,
// if any, so the caller can hand it to the unused registry.
func (r *TxnRegistry) RollbackTxn(partitionID, txnID int64, tablet TabletInfo) *rowset.Rowset {
	l := r.lockTxn(txnID)
	l.Lock()
	defer l.Unlock()
	s := r.shard(txnID)
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txnKey{partitionID, txnID}
	entry := s.txns[key][tablet]
	if entry == nil {
		return nil
	}
	delete(s.txns[key], tablet)
	if len(s.txns[key]) == 0 {
		delete(s.txns, key)
	}
	if entry.guard != nil {
		entry.guard.Release()
	}
	return entry.rowset
}

// AllRelatedTablets snapshots every tablet referenced by any tracked txn.
func (r *TxnRegistry) AllRelatedTablets() []TabletInfo {
	seen := make(map[TabletInfo]struct{})
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, tablets := range s.txns {
			for info := range tablets {
				seen[info] = struct{}{}
			}
		}
		s.mu.RUnlock()
	}
	out := make([]TabletInfo, 0, len(seen))
	for info := range seen {
		out = append(out, info)
	}
	return out
}

// ForceRollbackTabletRelatedTxns drops every txn entry of the given tablet
// incarnation and returns the orphaned rowsets.
func (r *TxnRegistry) ForceRollbackTabletRelatedTxns(tabletID int64, uid uuid.UUID) []*rowset.Rowset {
	var orphans []*rowset.Rowset
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for key, tablets := range s.txns {
			for info, entry := range tablets {
				if info.TabletID != tabletID || info.TabletUID != uid {
					continue
				}
				log.Info("force rollback tablet related txn",
					zap.Int64("txnID", key.txnID),
					zap.Int64("tabletID", tabletID))
				if entry.guard != nil {
					entry.guard.Release()
				}
				if entry.rowset != nil {
					orphans = append(orphans, entry.rowset)
				}
				delete(tablets, info)
			}
			if len(tablets) == 0 {
				delete(s.txns, key)
			}
		}
		s.mu.Unlock()
	}
	return orphans
}

func (r *TxnRegistry) TxnCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.txns)
		s.mu.RUnlock()
	}
	return n
}
