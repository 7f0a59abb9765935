package transaction

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/catalog"
	"github.com/awkwardd/doris/olap/errs"
)

// MaxRemoveTxnPerRound bounds how many expired transactions one expiry sweep
// may drop.
const MaxRemoveTxnPerRound = 10000

var labelRegexp = regexp.MustCompile(`^[-_A-Za-z0-9:]{1,128}$`)

// DatabaseTransactionManager runs the transaction state machine for one
// database. A single monitored read/write lock protects all indexes; it is a
// leaf lock, so no code path acquires anything else while holding it. Table
// write locks, when needed, are always taken first.
type DatabaseTransactionManager struct {
	dbID       int64
	cfg        *config.Config
	stateMgr   GlobalStateMgr
	idGen      *idGenerator
	callbacks  *callbackRegistry
	clearTasks *clearTaskQueue

	lock *monitoredRWMutex

	running map[int64]*State
	final   map[int64]*State
	// finalShort / finalLong keep final transactions in insertion order so
	// expiry pops oldest-first in O(1). Split by label-retention class.
	finalShort []*State
	finalLong  []*State

	labelToTxnIDs map[string]map[int64]struct{}

	runningTxnNums            int
	runningRoutineLoadTxnNums int

	lastPublishFailLogTime time.Time
}

func newDatabaseTransactionManager(dbID int64, cfg *config.Config, stateMgr GlobalStateMgr,
	idGen *idGenerator, callbacks *callbackRegistry, clearTasks *clearTaskQueue) *DatabaseTransactionManager {
	return &DatabaseTransactionManager{
		dbID:          dbID,
		cfg:           cfg,
		stateMgr:      stateMgr,
		idGen:         idGen,
		callbacks:     callbacks,
		clearTasks:    clearTasks,
		lock:          newMonitoredRWMutex(time.Duration(cfg.LockReportingThresholdMs) * time.Millisecond),
		running:       make(map[int64]*State),
		final:         make(map[int64]*State),
		labelToTxnIDs: make(map[string]map[int64]struct{}),
	}
}

// BeginTransaction starts a PREPARE transaction for the label. A retry with
// the same (label, requestID) against a PREPARE or PRECOMMITTED transaction
// returns a DuplicatedRequestError carrying the original id.
func (m *DatabaseTransactionManager) BeginTransaction(tableIDs []int64, label, requestID string,
	coordinator Coordinator, timeoutMs int64, callbackID int64) (int64, error) {
	if label == "" || !labelRegexp.MatchString(label) {
		return 0, errs.Errorf(errs.KindCmdParamsError, "invalid label %q", label)
	}
	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return 0, errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}
	if err := db.CheckDataSizeQuota(); err != nil {
		return 0, err
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if ids := m.labelToTxnIDs[label]; len(ids) > 0 {
		for id := range ids {
			st := m.stateLocked(id)
			if st == nil || st.Status() == StatusAborted {
				continue
			}
			if requestID != "" && st.RequestID == requestID &&
				(st.Status() == StatusPrepare || st.Status() == StatusPrecommitted) {
				return 0, &DuplicatedRequestError{RequestID: requestID, TxnID: st.TxnID}
			}
			return 0, &LabelAlreadyUsedError{Label: label, TxnID: st.TxnID, TxnStatus: st.Status()}
		}
	}

	isRoutineLoad := coordinator.SourceType == SourceRoutineLoadTask
	if !isRoutineLoad && m.runningTxnNums >= m.cfg.MaxRunningTxnNumPerDB {
		return 0, &BeginTransactionError{DBID: m.dbID, Running: m.runningTxnNums, Quota: m.cfg.MaxRunningTxnNumPerDB}
	}

	txnID := m.idGen.next()
	st := newState(txnID, label, m.dbID, tableIDs, coordinator, requestID, timeoutMs, callbackID)
	m.upsertRunningLocked(st)
	if isRoutineLoad {
		m.runningRoutineLoadTxnNums++
	} else {
		m.runningTxnNums++
	}

	// Only FRONTEND loads persist the PREPARE record. Other sources re-attempt
	// idempotently; a lost PREPARE just fails the later commit, which the
	// caller retries.
	if coordinator.SourceType == SourceFrontend {
		m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	}
	log.Info("begin transaction",
		zap.Int64("dbID", m.dbID), zap.Int64("txnID", txnID), zap.String("label", label))
	return txnID, nil
}

func (m *DatabaseTransactionManager) stateLocked(txnID int64) *State {
	if st, ok := m.running[txnID]; ok {
		return st
	}
	return m.final[txnID]
}

func (m *DatabaseTransactionManager) upsertRunningLocked(st *State) {
	m.running[st.TxnID] = st
	ids := m.labelToTxnIDs[st.Label]
	if ids == nil {
		ids = make(map[int64]struct{})
		m.labelToTxnIDs[st.Label] = ids
	}
	ids[st.TxnID] = struct{}{}
}

// moveToFinalLocked shifts a transaction from the running index to the final
// index and its retention deque. The label index is untouched: the invariant
// is that a tracked txn id always stays reachable through its label.
func (m *DatabaseTransactionManager) moveToFinalLocked(st *State) {
	if _, ok := m.running[st.TxnID]; ok {
		delete(m.running, st.TxnID)
		if st.Coordinator.SourceType == SourceRoutineLoadTask {
			m.runningRoutineLoadTxnNums--
		} else {
			m.runningTxnNums--
		}
	}
	m.final[st.TxnID] = st
	if st.isShortLabel() {
		m.finalShort = append(m.finalShort, st)
	} else {
		m.finalLong = append(m.finalLong, st)
	}
}

func (m *DatabaseTransactionManager) removeFinalLocked(st *State) {
	delete(m.final, st.TxnID)
	if ids := m.labelToTxnIDs[st.Label]; ids != nil {
		delete(ids, st.TxnID)
		if len(ids) == 0 {
			delete(m.labelToTxnIDs, st.Label)
		}
	}
}

// GetTransactionState returns the tracked state or nil.
func (m *DatabaseTransactionManager) GetTransactionState(txnID int64) *State {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.stateLocked(txnID)
}

// GetTxnIDsByLabel snapshots the label index entry.
func (m *DatabaseTransactionManager) GetTxnIDsByLabel(label string) []int64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	ids := make([]int64, 0, len(m.labelToTxnIDs[label]))
	for id := range m.labelToTxnIDs[label] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *DatabaseTransactionManager) RunningTxnCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.runningTxnNums + m.runningRoutineLoadTxnNums
}

// lockTablesInOrder takes the write lock of every surviving table in id
// order and returns the unlock closure. Dropped tables are skipped.
func (m *DatabaseTransactionManager) lockTablesInOrder(db *catalog.Database, tableIDs []int64) ([]*catalog.Table, func()) {
	sorted := append([]int64(nil), tableIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var tables []*catalog.Table
	for _, id := range sorted {
		if t := db.GetTable(id); t != nil {
			tables = append(tables, t)
		}
	}
	for _, t := range tables {
		t.WriteLock()
	}
	return tables, func() {
		for i := len(tables) - 1; i >= 0; i-- {
			tables[i].WriteUnlock()
		}
	}
}

// PreCommitTransaction runs the first phase of 2PC: the quorum check and the
// commit-info bookkeeping happen now, but partition versions stay at the -1
// sentinel until CommitPreparedTransaction.
func (m *DatabaseTransactionManager) PreCommitTransaction(txnID int64, infos []TabletCommitInfo) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	switch st.Status() {
	case StatusPrecommitted:
		return nil
	case StatusAborted:
		return &CommitFailedError{TxnID: txnID, Reason: "transaction already aborted: " + st.Reason()}
	case StatusCommitted, StatusVisible:
		return &CommitFailedError{TxnID: txnID, Reason: "transaction already committed"}
	}

	check, err := m.checkCommitStatus(st, infos)
	if err != nil {
		return err
	}
	if err := m.callbacks.beforeStateTransform(st, StatusPrecommitted); err != nil {
		return err
	}

	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}
	_, unlock := m.lockTablesInOrder(db, st.TableIDList)
	defer unlock()

	m.lock.Lock()
	now := time.Now()
	for tableID, partitions := range check.tableToPartition {
		tci := NewTableCommitInfo(tableID)
		for partitionID := range partitions {
			tci.PartitionCommitInfos[partitionID] = &PartitionCommitInfo{
				PartitionID: partitionID,
				Version:     -1,
				VersionTime: now,
			}
		}
		st.putTableCommitInfo(tci)
	}
	for replicaID := range check.errorReplicaIDs {
		st.AddErrorReplica(replicaID)
	}
	st.setStatus(StatusPrecommitted, now)
	m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	m.lock.Unlock()

	m.callbacks.afterStateTransform(st, StatusPrecommitted)
	log.Info("precommit transaction", zap.Int64("txnID", txnID))
	return nil
}

// CommitTransaction runs the single-phase commit: quorum check, version
// assignment, publish-slot reservation and the next_version bump.
func (m *DatabaseTransactionManager) CommitTransaction(txnID int64, infos []TabletCommitInfo) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	switch st.Status() {
	case StatusCommitted, StatusVisible:
		return nil
	case StatusAborted:
		return &CommitFailedError{TxnID: txnID, Reason: "transaction already aborted: " + st.Reason()}
	case StatusPrecommitted:
		return &CommitFailedError{TxnID: txnID, Reason: "use two-phase commit for a precommitted transaction"}
	}

	check, err := m.checkCommitStatus(st, infos)
	if err != nil {
		return err
	}
	if err := m.callbacks.beforeStateTransform(st, StatusCommitted); err != nil {
		return err
	}

	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}
	_, unlock := m.lockTablesInOrder(db, st.TableIDList)
	defer unlock()

	m.lock.Lock()
	now := time.Now()
	var committedPartitions []*catalog.Partition
	for tableID, partitions := range check.tableToPartition {
		table := db.GetTable(tableID)
		if table == nil {
			continue
		}
		tci := NewTableCommitInfo(tableID)
		for partitionID := range partitions {
			partition := table.GetPartition(partitionID)
			if partition == nil {
				continue
			}
			tci.PartitionCommitInfos[partitionID] = &PartitionCommitInfo{
				PartitionID: partitionID,
				Version:     partition.NextVersion(),
				VersionTime: now,
				RangeDesc:   partition.RangeDesc(),
			}
			committedPartitions = append(committedPartitions, partition)
		}
		st.putTableCommitInfo(tci)
	}
	for replicaID := range check.errorReplicaIDs {
		st.AddErrorReplica(replicaID)
	}
	for backendID := range check.involvedBackends {
		st.ReservePublishTask(backendID)
	}
	st.setStatus(StatusCommitted, now)
	m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	// The bump comes last so a failure above leaves the allocator untouched.
	for _, partition := range committedPartitions {
		partition.AllocateNextVersion()
	}
	m.lock.Unlock()

	m.callbacks.afterStateTransform(st, StatusCommitted)
	log.Info("commit transaction", zap.Int64("txnID", txnID), zap.String("label", st.Label))
	return nil
}

// CommitPreparedTransaction finishes 2PC: PRECOMMITTED -> COMMITTED with real
// versions assigned now.
func (m *DatabaseTransactionManager) CommitPreparedTransaction(txnID int64) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	switch st.Status() {
	case StatusCommitted, StatusVisible:
		return nil
	case StatusAborted:
		return &CommitFailedError{TxnID: txnID, Reason: "transaction already aborted: " + st.Reason()}
	case StatusPrepare:
		return &CommitFailedError{TxnID: txnID, Reason: "transaction was never precommitted"}
	}
	if err := m.callbacks.beforeStateTransform(st, StatusCommitted); err != nil {
		return err
	}

	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}
	_, unlock := m.lockTablesInOrder(db, st.TableIDList)
	defer unlock()

	m.lock.Lock()
	now := time.Now()
	var committedPartitions []*catalog.Partition
	for _, tci := range st.TableCommitInfos() {
		table := db.GetTable(tci.TableID)
		if table == nil {
			continue
		}
		for _, pci := range tci.PartitionCommitInfos {
			partition := table.GetPartition(pci.PartitionID)
			if partition == nil {
				continue
			}
			pci.Version = partition.NextVersion()
			pci.VersionTime = now
			committedPartitions = append(committedPartitions, partition)
		}
	}
	st.setStatus(StatusCommitted, now)
	m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	for _, partition := range committedPartitions {
		partition.AllocateNextVersion()
	}
	m.lock.Unlock()

	m.callbacks.afterStateTransform(st, StatusCommitted)
	log.Info("commit prepared transaction", zap.Int64("txnID", txnID))
	return nil
}

// AbortTransaction moves a PREPARE or PRECOMMITTED transaction to ABORTED and
// broadcasts clear-transaction tasks, since the involved backend set of an
// aborted load is unknown.
func (m *DatabaseTransactionManager) AbortTransaction(txnID int64, reason string) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	switch st.Status() {
	case StatusAborted:
		return nil
	case StatusCommitted, StatusVisible:
		return &CommitFailedError{TxnID: txnID,
			Reason: fmt.Sprintf("transaction status is %s, could not abort", st.Status())}
	}
	if err := m.callbacks.beforeStateTransform(st, StatusAborted); err != nil {
		return err
	}

	m.lock.Lock()
	// Re-check: another thread may have raced the transition.
	switch st.Status() {
	case StatusAborted:
		m.lock.Unlock()
		return nil
	case StatusCommitted, StatusVisible:
		m.lock.Unlock()
		return &CommitFailedError{TxnID: txnID,
			Reason: fmt.Sprintf("transaction status is %s, could not abort", st.Status())}
	}
	st.setReason(reason)
	st.setStatus(StatusAborted, time.Now())
	m.moveToFinalLocked(st)
	m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	m.lock.Unlock()

	m.callbacks.afterStateTransform(st, StatusAborted)
	m.callbacks.afterAborted(st)
	m.clearTasks.enqueueForAllBackends(m.stateMgr.GetBackendIDs(), txnID, nil)
	log.Info("abort transaction",
		zap.Int64("txnID", txnID), zap.String("reason", reason))
	return nil
}

// RemoveExpiredAndTimeoutTxns drains expired final transactions oldest-first
// and aborts running transactions past their timeout.
func (m *DatabaseTransactionManager) RemoveExpiredAndTimeoutTxns(now time.Time) {
	shortKeep := time.Duration(m.cfg.StreamingLabelKeepMaxSecond) * time.Second
	longKeep := time.Duration(m.cfg.LabelKeepMaxSecond) * time.Second

	var timedOut []int64

	m.lock.Lock()
	popped := 0
	latestShort, latestLong := int64(-1), int64(-1)

	popHead := func(deque *[]*State, force bool) *State {
		if len(*deque) == 0 || popped >= MaxRemoveTxnPerRound {
			return nil
		}
		head := (*deque)[0]
		if !force && !head.isExpired(now, shortKeep, longKeep) {
			return nil
		}
		*deque = (*deque)[1:]
		popped++
		return head
	}
	for {
		force := m.cfg.LabelNumThreshold > 0 && len(m.finalShort) > m.cfg.LabelNumThreshold
		head := popHead(&m.finalShort, force)
		if head == nil {
			break
		}
		m.removeFinalLocked(head)
		latestShort = head.TxnID
	}
	for {
		force := m.cfg.LabelNumThreshold > 0 && len(m.finalLong) > m.cfg.LabelNumThreshold
		head := popHead(&m.finalLong, force)
		if head == nil {
			break
		}
		m.removeFinalLocked(head)
		latestLong = head.TxnID
	}
	if popped > 0 {
		m.stateMgr.GetEditLog().LogBatchRemoveTransactions(BatchRemoveTxnsOp{
			DBID:             m.dbID,
			LatestIDForShort: latestShort,
			LatestIDForLong:  latestLong,
		})
	}
	for id, st := range m.running {
		if st.isTimeout(now) {
			timedOut = append(timedOut, id)
		}
	}
	m.lock.Unlock()

	for _, id := range timedOut {
		if err := m.AbortTransaction(id, "timeout by txn manager"); err != nil {
			log.Warn("abort timed out transaction",
				zap.Int64("txnID", id), zap.Error(err))
		}
	}
}
