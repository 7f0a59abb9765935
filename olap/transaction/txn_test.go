package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/catalog"
)

const (
	testDBID     = int64(1)
	testTableID  = int64(100)
	testPartID   = int64(200)
	testIndexID  = int64(300)
	testTabletID = int64(400)

	backendA = int64(1001)
	backendB = int64(1002)
	backendC = int64(1003)
)

type recordingSender struct {
	mu    sync.Mutex
	tasks []ClearTransactionTask
}

func (s *recordingSender) SendClearTransactionTasks(tasks []ClearTransactionTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, tasks...)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type fixture struct {
	cfg       *config.Config
	cat       *catalog.Catalog
	editLog   *MemEditLog
	sender    *recordingSender
	mgr       *Manager
	db        *catalog.Database
	table     *catalog.Table
	partition *catalog.Partition
	tablet    *catalog.Tablet
	replicas  map[int64]*catalog.Replica // backendID -> replica
}

// newFixture builds one database with a 3-replica tablet whose partition sits
// at visible version 5 (so the next commit takes version 6) and every replica
// caught up to 5. Quorum is 2.
func newFixture(t *testing.T) *fixture {
	cfg := config.NewTestConfig()
	cat := catalog.NewCatalog()

	db := catalog.NewDatabase(testDBID, "test_db")
	table := catalog.NewTable(testTableID, "test_table", 3)
	partition := catalog.NewPartition(testPartID)
	partition.InitVersion(5)

	replicas := map[int64]*catalog.Replica{
		backendA: catalog.NewReplica(1, backendA, 5),
		backendB: catalog.NewReplica(2, backendB, 5),
		backendC: catalog.NewReplica(3, backendC, 5),
	}
	tablet := catalog.NewTablet(testTabletID,
		replicas[backendA], replicas[backendB], replicas[backendC])
	index := catalog.NewMaterializedIndex(testIndexID, tablet)
	partition.AddIndex(index)
	table.AddPartition(partition)
	db.AddTable(table)
	cat.AddDatabase(db)
	cat.SetBackendIDs([]int64{backendA, backendB, backendC})

	inverted := cat.GetTabletInvertedIndex()
	inverted.AddTablet(&catalog.TabletMeta{
		DBID: testDBID, TableID: testTableID, PartitionID: testPartID,
		IndexID: testIndexID, TabletID: testTabletID,
	})
	for _, r := range replicas {
		inverted.AddReplica(testTabletID, r)
	}

	editLog := NewMemEditLog()
	sender := &recordingSender{}
	mgr := NewManager(cfg, NewGlobalStateMgr(cat, editLog), sender)
	return &fixture{
		cfg: cfg, cat: cat, editLog: editLog, sender: sender, mgr: mgr,
		db: db, table: table, partition: partition, tablet: tablet, replicas: replicas,
	}
}

func (f *fixture) begin(t *testing.T, label, requestID string, source SourceType) int64 {
	txnID, err := f.mgr.BeginTransaction(testDBID, []int64{testTableID}, label, requestID,
		Coordinator{SourceType: source, IP: "127.0.0.1"}, 60_000, 0)
	require.Nil(t, err)
	return txnID
}

func commitInfos(backends ...int64) []TabletCommitInfo {
	infos := make([]TabletCommitInfo, 0, len(backends))
	for _, be := range backends {
		infos = append(infos, TabletCommitInfo{TabletID: testTabletID, BackendID: be})
	}
	return infos
}

func finishedTask(backendID, version int64) *PublishVersionTask {
	return &PublishVersionTask{
		BackendID:   backendID,
		Version:     version,
		Finished:    true,
		SuccTablets: []int64{testTabletID},
	}
}

func TestBeginRetryIdempotency(t *testing.T) {
	f := newFixture(t)

	txnID := f.begin(t, "L1", "R", SourceFrontend)

	// Same (label, requestID) while the txn is still PREPARE: same id back.
	again, err := f.mgr.BeginTransaction(testDBID, []int64{testTableID}, "L1", "R",
		Coordinator{SourceType: SourceFrontend}, 60_000, 0)
	require.Nil(t, err)
	require.Equal(t, txnID, again)

	// A different request against the same label fails.
	_, err = f.mgr.BeginTransaction(testDBID, []int64{testTableID}, "L1", "R2",
		Coordinator{SourceType: SourceFrontend}, 60_000, 0)
	require.NotNil(t, err)
	_, ok := err.(*LabelAlreadyUsedError)
	require.True(t, ok)
}

func TestLabelReusableAfterAbort(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, txnID, "user cancel"))

	second := f.begin(t, "L1", "", SourceFrontend)
	require.NotEqual(t, txnID, second)

	dbMgr := f.mgr.GetDatabaseTransactionMgr(testDBID)
	require.ElementsMatch(t, []int64{txnID, second}, dbMgr.GetTxnIDsByLabel("L1"))
}

func TestBeginRejectsBadLabelAndQuota(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.BeginTransaction(testDBID, nil, "", "",
		Coordinator{SourceType: SourceFrontend}, 1000, 0)
	require.NotNil(t, err)
	_, err = f.mgr.BeginTransaction(testDBID, nil, "bad label!", "",
		Coordinator{SourceType: SourceFrontend}, 1000, 0)
	require.NotNil(t, err)

	f.cfg.MaxRunningTxnNumPerDB = 1
	f.begin(t, "L1", "", SourceFrontend)
	_, err = f.mgr.BeginTransaction(testDBID, nil, "L2", "",
		Coordinator{SourceType: SourceFrontend}, 1000, 0)
	require.NotNil(t, err)
	_, ok := err.(*BeginTransactionError)
	require.True(t, ok)

	// Routine-load transactions do not count against the quota.
	_, err = f.mgr.BeginTransaction(testDBID, nil, "L3", "",
		Coordinator{SourceType: SourceRoutineLoadTask}, 1000, 0)
	require.Nil(t, err)
}

func TestOnlyFrontendBeginIsLogged(t *testing.T) {
	f := newFixture(t)
	f.begin(t, "L1", "", SourceFrontend)
	require.Equal(t, 1, f.editLog.LoggedStateCount())
	f.begin(t, "L2", "", SourceBackend)
	require.Equal(t, 1, f.editLog.LoggedStateCount())
}

// Quorum commit: backends A and B succeed, C never reported. With quorum 2
// the commit goes through, C's replica lands in errorReplicaIds and the
// partition's version line advances 5 -> 6.
func TestQuorumCommit(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)

	require.Nil(t, f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))

	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusCommitted, st.Status())
	require.Equal(t, []int64{f.replicas[backendC].ID}, st.ErrorReplicaIDs())

	pci := st.TableCommitInfo(testTableID).PartitionCommitInfos[testPartID]
	require.Equal(t, int64(6), pci.Version)
	require.Equal(t, int64(7), f.partition.NextVersion())
	require.Equal(t, int64(5), f.partition.VisibleVersion())
}

func TestCommitQuorumFailure(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)

	err := f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA))
	require.NotNil(t, err)
	qerr, ok := err.(*TabletQuorumFailedError)
	require.True(t, ok)
	require.Equal(t, 1, qerr.Succ)
	require.Equal(t, 2, qerr.Required)

	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusPrepare, st.Status())
	require.Equal(t, int64(6), f.partition.NextVersion()) // allocator untouched
}

func TestCommitRefusedDuringRestore(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)
	f.table.SetState(catalog.TableRestore)
	err := f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB))
	require.NotNil(t, err)
	_, ok := err.(*CommitFailedError)
	require.True(t, ok)
}

func TestCommitProlongsPublishTimeoutDuringSchemaChange(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)
	f.table.SetState(catalog.TableSchemaChange)
	require.Nil(t, f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))
	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	base := time.Duration(1) * time.Second
	require.Equal(t, 2*base, st.publishWaitBudget(base))
}

func TestAbortBroadcastsClearTasks(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, txnID, "cancel"))

	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusAborted, st.Status())
	require.Equal(t, "cancel", st.Reason())

	// Tasks for all 3 backends queue; the batch flushes past 2x backends.
	require.Equal(t, 3, f.mgr.clearTasks.pendingCount())
	txn2 := f.begin(t, "L2", "", SourceFrontend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, txn2, "cancel"))
	require.Equal(t, 6, f.mgr.clearTasks.pendingCount())
	require.Equal(t, 0, f.sender.count())
	txn3 := f.begin(t, "L3", "", SourceFrontend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, txn3, "cancel"))
	require.Equal(t, 0, f.mgr.clearTasks.pendingCount())
	require.Equal(t, 9, f.sender.count())
}

func TestAbortRefusedAfterCommit(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)
	require.Nil(t, f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))
	err := f.mgr.AbortTransaction(testDBID, txnID, "too late")
	require.NotNil(t, err)
}

func TestTwoPhaseCommit(t *testing.T) {
	f := newFixture(t)
	txnID := f.begin(t, "L1", "", SourceFrontend)

	require.Nil(t, f.mgr.PreCommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))
	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusPrecommitted, st.Status())
	pci := st.TableCommitInfo(testTableID).PartitionCommitInfos[testPartID]
	require.Equal(t, int64(-1), pci.Version)
	require.Equal(t, int64(6), f.partition.NextVersion()) // not allocated yet

	// A plain commit on a precommitted txn is refused.
	require.NotNil(t, f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))

	require.Nil(t, f.mgr.CommitPreparedTransaction(testDBID, txnID))
	require.Equal(t, StatusCommitted, st.Status())
	require.Equal(t, int64(6), pci.Version)
	require.Equal(t, int64(7), f.partition.NextVersion())
}

func TestRunningAndFinalIndexesStayConsistent(t *testing.T) {
	f := newFixture(t)
	dbMgr := f.mgr.GetDatabaseTransactionMgr(testDBID)

	txnID := f.begin(t, "L1", "", SourceFrontend)
	dbMgr.lock.RLock()
	_, inRunning := dbMgr.running[txnID]
	_, inFinal := dbMgr.final[txnID]
	dbMgr.lock.RUnlock()
	require.True(t, inRunning)
	require.False(t, inFinal)

	require.Nil(t, f.mgr.AbortTransaction(testDBID, txnID, "x"))
	dbMgr.lock.RLock()
	_, inRunning = dbMgr.running[txnID]
	_, inFinal = dbMgr.final[txnID]
	ids := dbMgr.labelToTxnIDs["L1"]
	dbMgr.lock.RUnlock()
	require.False(t, inRunning)
	require.True(t, inFinal)
	_, tracked := ids[txnID]
	require.True(t, tracked)
}
