package transaction

import (
	"fmt"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/olap/catalog"
	"github.com/awkwardd/doris/olap/errs"
)

// PublishPendingError tells the publish driver to retry later: the
// transaction stays COMMITTED.
type PublishPendingError struct {
	TxnID int64
	Msg   string
}

func (e *PublishPendingError) Error() string {
	return fmt.Sprintf("txn %d publish pending: %s", e.TxnID, e.Msg)
}

type replicaStatus int

const (
	replicaSucc replicaStatus = iota
	replicaVersionFailed
	replicaWriteFailed
)

type commitCheck struct {
	tableToPartition map[int64]map[int64]struct{}
	tabletToBackends map[int64]map[int64]struct{}
	involvedBackends map[int64]struct{}
	errorReplicaIDs  map[int64]struct{}
}

// checkCommitStatus validates the reported tablet successes against the
// catalog and decides per-replica fates. Tablets whose catalog entries are
// gone are skipped; a table in restore refuses the commit outright.
func (m *DatabaseTransactionManager) checkCommitStatus(st *State, infos []TabletCommitInfo) (*commitCheck, error) {
	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return nil, errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}
	inverted := m.stateMgr.GetTabletInvertedIndex()

	check := &commitCheck{
		tableToPartition: make(map[int64]map[int64]struct{}),
		tabletToBackends: make(map[int64]map[int64]struct{}),
		involvedBackends: make(map[int64]struct{}),
		errorReplicaIDs:  make(map[int64]struct{}),
	}

	for _, info := range infos {
		tm := inverted.GetTabletMeta(info.TabletID)
		if tm == nil {
			// The tablet was dropped mid-load; its data is obsolete anyway.
			log.Warn("ignore commit info of dropped tablet",
				zap.Int64("tabletID", info.TabletID), zap.Int64("txnID", st.TxnID))
			continue
		}
		table := db.GetTable(tm.TableID)
		if table == nil {
			continue
		}
		if table.State() == catalog.TableRestore {
			return nil, &CommitFailedError{TxnID: st.TxnID,
				Reason: fmt.Sprintf("table %d is in restore process, txn is not allowed", tm.TableID)}
		}
		if table.GetPartition(tm.PartitionID) == nil {
			continue
		}
		if check.tableToPartition[tm.TableID] == nil {
			check.tableToPartition[tm.TableID] = make(map[int64]struct{})
		}
		check.tableToPartition[tm.TableID][tm.PartitionID] = struct{}{}
		if check.tabletToBackends[info.TabletID] == nil {
			check.tabletToBackends[info.TabletID] = make(map[int64]struct{})
		}
		check.tabletToBackends[info.TabletID][info.BackendID] = struct{}{}
		check.involvedBackends[info.BackendID] = struct{}{}
	}

	for tableID, partitions := range check.tableToPartition {
		table := db.GetTable(tableID)
		if table == nil {
			continue
		}
		for partitionID := range partitions {
			partition := table.GetPartition(partitionID)
			if partition == nil {
				continue
			}
			quorum := table.LoadRequiredReplicaNum(partitionID)
			for _, index := range m.indexesToCheck(st, tableID, partition) {
				for _, tablet := range index.Tablets() {
					if err := m.checkTabletQuorum(st, check, inverted, tablet, quorum); err != nil {
						return nil, err
					}
				}
			}
		}
		switch table.State() {
		case catalog.TableRollup, catalog.TableSchemaChange:
			// A concurrent schema job slows replicas down; give publish more
			// room instead of failing the load.
			st.ProlongPublishTimeout()
		}
	}
	return check, nil
}

// indexesToCheck honors a declared materialized-index subset.
func (m *DatabaseTransactionManager) indexesToCheck(st *State, tableID int64, partition *catalog.Partition) []*catalog.MaterializedIndex {
	loaded := st.loadedIndexesOf(tableID)
	if len(loaded) == 0 {
		return partition.Indexes()
	}
	var out []*catalog.MaterializedIndex
	for _, id := range loaded {
		if idx := partition.GetIndex(id); idx != nil {
			out = append(out, idx)
		}
	}
	return out
}

func (m *DatabaseTransactionManager) checkTabletQuorum(st *State, check *commitCheck,
	inverted *catalog.TabletInvertedIndex, tablet *catalog.Tablet, quorum int) error {
	commitBackends := check.tabletToBackends[tablet.ID]
	succ := 0
	var succIDs, versionFailedIDs, writeFailedIDs []int64
	for _, replica := range tablet.Replicas() {
		if inverted.GetReplica(tablet.ID, replica.BackendID) == nil {
			return &CommitFailedError{TxnID: st.TxnID,
				Reason: fmt.Sprintf("replica of tablet %d on backend %d is missing",
					tablet.ID, replica.BackendID)}
		}
		if _, ok := commitBackends[replica.BackendID]; ok {
			if replica.LastFailedVersion() < 0 {
				succ++
				succIDs = append(succIDs, replica.ID)
			} else {
				// The write landed, but the replica already has a version gap;
				// publish cannot count it.
				versionFailedIDs = append(versionFailedIDs, replica.ID)
			}
		} else {
			writeFailedIDs = append(writeFailedIDs, replica.ID)
			check.errorReplicaIDs[replica.ID] = struct{}{}
		}
	}
	if succ < quorum {
		return &TabletQuorumFailedError{
			TxnID:    st.TxnID,
			TabletID: tablet.ID,
			Required: quorum,
			Succ:     succ,
			Detail: fmt.Sprintf("succ replicas %v, version failed %v, write failed %v",
				succIDs, versionFailedIDs, writeFailedIDs),
		}
	}
	return nil
}

// UpdatePublishTaskResult records one backend's publish response on the
// transaction and stamps the publish-wave timestamps.
func (m *DatabaseTransactionManager) UpdatePublishTaskResult(txnID int64, task *PublishVersionTask) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	st.SetPublishTask(task)
	st.MarkPublishAttempt(time.Now())
	return nil
}

// FinishTransaction evaluates the publish wave of a COMMITTED transaction.
// On quorum (or a timeout promotion) the transaction becomes VISIBLE and the
// partition versions advance; otherwise a PublishPendingError is returned and
// the caller retries after the next wave.
func (m *DatabaseTransactionManager) FinishTransaction(txnID int64) error {
	st := m.GetTransactionState(txnID)
	if st == nil {
		return &NotFoundError{TxnID: txnID}
	}
	switch st.Status() {
	case StatusVisible:
		return nil
	case StatusCommitted:
	default:
		return &CommitFailedError{TxnID: txnID,
			Reason: fmt.Sprintf("transaction status is %s, cannot finish", st.Status())}
	}

	db := m.stateMgr.GetDatabase(m.dbID)
	if db == nil {
		return errs.Errorf(errs.KindMetaNotFound, "database %d does not exist", m.dbID)
	}

	_, unlock := m.lockTablesInOrder(db, st.TableIDList)
	defer unlock()

	if err := m.finishCheckPartitionVersion(st, db); err != nil {
		return err
	}
	timeoutPromoted, err := m.finishCheckQuorumReplicas(st, db)
	if err != nil {
		m.logPublishFailureThrottled(st, err)
		return err
	}

	m.lock.Lock()
	st.setErrMsg("")
	st.setStatus(StatusVisible, time.Now())
	m.moveToFinalLocked(st)
	m.stateMgr.GetEditLog().LogInsertTransactionState(st)
	m.lock.Unlock()

	m.updateCatalogAfterVisible(st, db)
	m.callbacks.afterStateTransform(st, StatusVisible)
	m.callbacks.afterVisible(st)
	log.Info("finish transaction",
		zap.Int64("txnID", txnID),
		zap.Bool("timeoutPromoted", timeoutPromoted))
	return nil
}

// finishCheckPartitionVersion prunes commit infos of dropped tables and
// partitions and insists each surviving partition is exactly one publish away.
func (m *DatabaseTransactionManager) finishCheckPartitionVersion(st *State, db *catalog.Database) error {
	for _, tci := range st.TableCommitInfos() {
		table := db.GetTable(tci.TableID)
		if table == nil {
			st.removeTableCommitInfo(tci.TableID)
			continue
		}
		for partitionID, pci := range tci.PartitionCommitInfos {
			partition := table.GetPartition(partitionID)
			if partition == nil {
				delete(tci.PartitionCommitInfos, partitionID)
				continue
			}
			if partition.VisibleVersion()+1 != pci.Version {
				msg := fmt.Sprintf(
					"wait for publishing partition %d version %d. self version: %d. txn id: %d",
					partitionID, partition.VisibleVersion()+1, pci.Version, st.TxnID)
				st.setErrMsg(msg)
				return &PublishPendingError{TxnID: st.TxnID, Msg: msg}
			}
		}
	}
	return nil
}

// finishCheckQuorumReplicas counts success replicas per tablet. Returns
// whether the verdict was promoted by the publish timeout.
func (m *DatabaseTransactionManager) finishCheckQuorumReplicas(st *State, db *catalog.Database) (bool, error) {
	timeoutPromoted := false
	baseWait := time.Duration(m.cfg.PublishWaitTimeSecond) * time.Second
	for _, tci := range st.TableCommitInfos() {
		table := db.GetTable(tci.TableID)
		if table == nil {
			continue
		}
		for partitionID, pci := range tci.PartitionCommitInfos {
			partition := table.GetPartition(partitionID)
			if partition == nil {
				continue
			}
			quorum := table.LoadRequiredReplicaNum(partitionID)
			for _, index := range m.indexesToCheck(st, tci.TableID, partition) {
				for _, tablet := range index.Tablets() {
					succ := 0
					for _, replica := range tablet.Replicas() {
						status := m.checkReplicaPublishStatus(st, tablet.ID, replica, pci.Version)
						if status == replicaSucc {
							succ++
						}
					}
					if succ >= quorum {
						continue
					}
					waited := time.Since(st.FirstPublishTime())
					if !st.FirstPublishTime().IsZero() &&
						waited > st.publishWaitBudget(baseWait) && succ > 0 {
						// Publish tasks already carry an assigned version;
						// rolling back forever would stall the partition, so
						// move forward on a partial quorum after the wait.
						timeoutPromoted = true
						log.Warn("promote publish to TIMEOUT_SUCC",
							zap.Int64("txnID", st.TxnID),
							zap.Int64("tabletID", tablet.ID),
							zap.Int("succ", succ),
							zap.Int("quorum", quorum),
							zap.Duration("waited", waited))
						continue
					}
					msg := fmt.Sprintf(
						"publish on tablet %d failed. succ replica num %d < quorum %d",
						tablet.ID, succ, quorum)
					st.setErrMsg(msg)
					return false, &PublishPendingError{TxnID: st.TxnID, Msg: msg}
				}
			}
		}
	}
	return timeoutPromoted, nil
}

// checkReplicaPublishStatus classifies one replica against the publish task
// of its backend.
func (m *DatabaseTransactionManager) checkReplicaPublishStatus(st *State, tabletID int64,
	replica *catalog.Replica, version int64) replicaStatus {
	task := st.PublishTask(replica.BackendID)
	if task == nil || !task.Finished {
		st.AddErrorReplica(replica.ID)
	} else if succ, reported := task.succeededOn(tabletID); reported {
		if succ {
			st.removeErrorReplica(replica.ID)
		} else {
			st.AddErrorReplica(replica.ID)
		}
	} else if task.erroredOn(tabletID) {
		// Legacy backends only report the failing tablets.
		st.AddErrorReplica(replica.ID)
	}

	if replica.State() == catalog.ReplicaAlter &&
		(st.TxnID <= replica.AlterWatermark() || !m.cfg.PublishVersionCheckAlterReplica) {
		// The alter job backfills history; do not hold publish hostage to a
		// replica that is still being rebuilt.
		st.removeErrorReplica(replica.ID)
	}

	hasError := st.IsErrorReplica(replica.ID)
	switch {
	case !hasError && replica.VersionContinuousTo(version):
		return replicaSucc
	case !hasError:
		return replicaVersionFailed
	case replica.Version() >= version:
		// The error is stale: the replica already advanced past the target.
		return replicaSucc
	default:
		return replicaWriteFailed
	}
}

// updateCatalogAfterVisible propagates the new versions to every replica and
// advances the partition visible versions. Caller holds the table write
// locks.
func (m *DatabaseTransactionManager) updateCatalogAfterVisible(st *State, db *catalog.Database) {
	now := time.Now()
	for _, tci := range st.TableCommitInfos() {
		table := db.GetTable(tci.TableID)
		if table == nil {
			continue
		}
		for partitionID, pci := range tci.PartitionCommitInfos {
			partition := table.GetPartition(partitionID)
			if partition == nil {
				continue
			}
			version := pci.Version
			for _, index := range partition.Indexes() {
				for _, tablet := range index.Tablets() {
					for _, replica := range tablet.Replicas() {
						if !st.IsErrorReplica(replica.ID) {
							newVersion := version
							lastFailed := int64(-1)
							if replica.Version() < partition.VisibleVersion() {
								// The replica missed an earlier publish it
								// never observed; record the gap.
								lastFailed = partition.VisibleVersion()
								newVersion = replica.Version()
							}
							replica.UpdateVersionWithFailedInfo(newVersion, lastFailed, version)
						} else {
							replica.SetLastFailedVersion(version)
						}
					}
				}
			}
			partition.SetVisibleVersion(version, now)
			pci.VersionTime = now
		}
	}
}

func (m *DatabaseTransactionManager) logPublishFailureThrottled(st *State, err error) {
	interval := time.Duration(m.cfg.PublishFailLogIntervalSecond) * time.Second
	m.lock.Lock()
	shouldLog := time.Since(m.lastPublishFailLogTime) >= interval
	if shouldLog {
		m.lastPublishFailLogTime = time.Now()
	}
	m.lock.Unlock()
	if shouldLog {
		log.Warn("transaction publish not ready",
			zap.Int64("txnID", st.TxnID), zap.Error(err))
	}
}
