package storage

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/rowset"
)

func newGCTestEngine(t *testing.T) (*Engine, *MemTabletManager) {
	cfg := config.NewTestConfig()
	mgr := NewMemTabletManager(cfg.TabletMapShardSize)
	e := &Engine{
		cfg:             cfg,
		tabletMgr:       mgr,
		RowsetIDGen:     rowset.NewIDGenerator(),
		PendingRowsets:  rowset.NewPendingSet(),
		UnusedRowsets:   rowset.NewUnusedRegistry(),
		QueryingRowsets: rowset.NewQueryingRegistry(),
		TxnRegistry:     NewTxnRegistry(cfg.TxnMapShardSize, cfg.TxnShardSize),
		storeMap:        make(map[string]*DataDir),
		lastUseIndex:    make(map[config.StorageMedium]int),
		brokenPaths:     make(map[string]struct{}),
		stopCh:          make(chan struct{}),
	}
	return e, mgr
}

func writeRowsetFiles(t *testing.T, rs *rowset.Rowset) {
	for seg := int64(0); seg < rs.Meta().NumSegments; seg++ {
		require.Nil(t, os.WriteFile(rs.SegmentPath(seg), []byte("seg"), 0644))
	}
}

// An unused rowset pinned by a running query survives the sweeper; dropping
// the pin lets the next round delete its files.
func TestUnusedRowsetGCRespectsQueryingPin(t *testing.T) {
	e, _ := newGCTestEngine(t)
	dir := t.TempDir()

	meta := &rowset.Meta{
		RowsetID:    e.RowsetIDGen.NextID(),
		TabletID:    42,
		Version:     rowset.Version{Start: 3, End: 3},
		State:       rowset.StateVisible,
		NumSegments: 2,
		IsLocal:     true,
	}
	rs := rowset.New(meta, dir)
	writeRowsetFiles(t, rs)

	e.QueryingRowsets.Add(rs, 0)
	e.AddUnusedRowset(rs) // delay is zero in the test config

	e.StartDeleteUnusedRowset()
	require.True(t, e.UnusedRowsets.Contains(rs.ID()))
	_, err := os.Stat(rs.SegmentPath(0))
	require.Nil(t, err)

	e.QueryingRowsets.Remove(rs.ID())
	e.StartDeleteUnusedRowset()
	require.False(t, e.UnusedRowsets.Contains(rs.ID()))
	_, err = os.Stat(rs.SegmentPath(0))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(rs.SegmentPath(1))
	require.True(t, os.IsNotExist(err))
}

func TestUnusedRowsetGCDropsDeleteBitmap(t *testing.T) {
	e, mgr := newGCTestEngine(t)
	dir := t.TempDir()

	tablet := NewTablet(7, 100, nil, 0)
	tablet.EnableUniqueKeyMergeOnWrite = true
	mgr.AddTablet(tablet)

	meta := &rowset.Meta{
		RowsetID:  e.RowsetIDGen.NextID(),
		TabletID:  tablet.ID,
		TabletUID: tablet.UID,
		State:     rowset.StateVisible,
		IsLocal:   true,
	}
	rs := rowset.New(meta, dir)
	tablet.AddDeleteBitmap(rs.ID())

	e.AddUnusedRowset(rs)
	e.StartDeleteUnusedRowset()
	require.False(t, tablet.HasDeleteBitmap(rs.ID()))
	require.False(t, e.UnusedRowsets.Contains(rs.ID()))
}

// A rowset in any of the three registries must report as protected.
func TestCheckRowsetIDProtection(t *testing.T) {
	e, _ := newGCTestEngine(t)

	pendingID := e.RowsetIDGen.NextID()
	guard := e.PendingRowsets.Add(pendingID, true)
	require.True(t, e.CheckRowsetIDInUnusedRowsets(pendingID))
	guard.Release()
	require.False(t, e.CheckRowsetIDInUnusedRowsets(pendingID))

	rs := rowset.New(&rowset.Meta{RowsetID: e.RowsetIDGen.NextID(), IsLocal: true}, "")
	e.UnusedRowsets.Add(rs, time.Hour)
	require.True(t, e.CheckRowsetIDInUnusedRowsets(rs.ID()))

	qrs := rowset.New(&rowset.Meta{RowsetID: e.RowsetIDGen.NextID(), IsLocal: true}, "")
	e.QueryingRowsets.Add(qrs, 0)
	require.True(t, e.CheckRowsetIDInUnusedRowsets(qrs.ID()))
}

func TestCleanUnusedTxnsRollsBackOrphans(t *testing.T) {
	e, mgr := newGCTestEngine(t)

	live := NewTablet(1, 100, nil, 0)
	mgr.AddTablet(live)
	dead := NewTablet(2, 100, nil, 0)

	liveInfo := TabletInfo{TabletID: live.ID, TabletUID: live.UID}
	deadInfo := TabletInfo{TabletID: dead.ID, TabletUID: dead.UID}

	mkRowset := func(tabletID int64) *rowset.Rowset {
		return rowset.New(&rowset.Meta{
			RowsetID: e.RowsetIDGen.NextID(),
			TabletID: tabletID,
			IsLocal:  true,
		}, "")
	}
	liveRS := mkRowset(live.ID)
	deadRS := mkRowset(dead.ID)
	require.Nil(t, e.TxnRegistry.CommitTxn(10, 100, liveInfo, liveRS, nil))
	require.Nil(t, e.TxnRegistry.CommitTxn(10, 101, deadInfo, deadRS, nil))

	e.cleanUnusedTxns()
	require.False(t, e.UnusedRowsets.Contains(liveRS.ID()))
	require.True(t, e.UnusedRowsets.Contains(deadRS.ID()))
	require.Equal(t, 1, e.TxnRegistry.TxnCount())
}
