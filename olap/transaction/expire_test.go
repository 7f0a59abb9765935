package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRemoveExpiredFinalTxns(t *testing.T) {
	f := newFixture(t)
	f.cfg.StreamingLabelKeepMaxSecond = 0
	f.cfg.LabelKeepMaxSecond = 3600

	shortTxn := f.begin(t, "short1", "", SourceBackend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, shortTxn, "x"))
	longTxn := f.begin(t, "long1", "", SourceFrontend)
	require.Nil(t, f.mgr.AbortTransaction(testDBID, longTxn, "x"))

	time.Sleep(5 * time.Millisecond)
	f.mgr.RemoveExpiredAndTimeoutTxns(time.Now())

	dbMgr := f.mgr.GetDatabaseTransactionMgr(testDBID)
	// The streaming label is gone, the batch label is retained.
	require.Nil(t, dbMgr.GetTransactionState(shortTxn))
	require.Empty(t, dbMgr.GetTxnIDsByLabel("short1"))
	require.NotNil(t, dbMgr.GetTransactionState(longTxn))
	require.Equal(t, []int64{longTxn}, dbMgr.GetTxnIDsByLabel("long1"))

	ops := f.editLog.RemoveOps()
	require.Len(t, ops, 1)
	require.Equal(t, shortTxn, ops[0].LatestIDForShort)
	require.Equal(t, int64(-1), ops[0].LatestIDForLong)
}

func TestDequeCeilingForcesEviction(t *testing.T) {
	f := newFixture(t)
	f.cfg.StreamingLabelKeepMaxSecond = 3600
	f.cfg.LabelKeepMaxSecond = 3600
	f.cfg.LabelNumThreshold = 2

	var ids []int64
	for _, label := range []string{"a", "b", "c", "d"} {
		id := f.begin(t, label, "", SourceFrontend)
		require.Nil(t, f.mgr.AbortTransaction(testDBID, id, "x"))
		ids = append(ids, id)
	}
	f.mgr.RemoveExpiredAndTimeoutTxns(time.Now())

	dbMgr := f.mgr.GetDatabaseTransactionMgr(testDBID)
	// Oldest-first eviction down to the ceiling: a and b go, c and d stay.
	require.Nil(t, dbMgr.GetTransactionState(ids[0]))
	require.Nil(t, dbMgr.GetTransactionState(ids[1]))
	require.NotNil(t, dbMgr.GetTransactionState(ids[2]))
	require.NotNil(t, dbMgr.GetTransactionState(ids[3]))
}

func TestTimeoutAbortsRunningTxns(t *testing.T) {
	f := newFixture(t)
	txnID, err := f.mgr.BeginTransaction(testDBID, []int64{testTableID}, "L1", "",
		Coordinator{SourceType: SourceFrontend}, 1, 0)
	require.Nil(t, err)

	time.Sleep(5 * time.Millisecond)
	f.mgr.RemoveExpiredAndTimeoutTxns(time.Now())

	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusAborted, st.Status())
	require.Equal(t, "timeout by txn manager", st.Reason())
}

// Committed transactions never time out; publish retries carry them forward.
func TestCommittedTxnNotTimedOut(t *testing.T) {
	f := newFixture(t)
	txnID, err := f.mgr.BeginTransaction(testDBID, []int64{testTableID}, "L1", "",
		Coordinator{SourceType: SourceFrontend}, 1, 0)
	require.Nil(t, err)
	require.Nil(t, f.mgr.CommitTransaction(testDBID, txnID, commitInfos(backendA, backendB)))

	time.Sleep(5 * time.Millisecond)
	f.mgr.RemoveExpiredAndTimeoutTxns(time.Now())
	st := f.mgr.GetDatabaseTransactionMgr(testDBID).GetTransactionState(txnID)
	require.Equal(t, StatusCommitted, st.Status())
}
