package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/olap/rowset"
)

func TestTxnRegistryLifecycle(t *testing.T) {
	reg := NewTxnRegistry(4, 8)
	gen := rowset.NewIDGenerator()
	pending := rowset.NewPendingSet()

	tablet := NewTablet(1, 100, nil, 0)
	info := TabletInfo{TabletID: tablet.ID, TabletUID: tablet.UID}

	reg.PrepareTxn(10, 100, info)
	reg.PrepareTxn(10, 100, info) // idempotent
	require.Equal(t, 1, reg.TxnCount())

	meta := &rowset.Meta{
		RowsetID: gen.NextID(),
		TabletID: tablet.ID,
		TxnID:    100,
		State:    rowset.StateCommitted,
		IsLocal:  true,
	}
	rs := rowset.New(meta, t.TempDir())
	guard := pending.Add(rs.ID(), true)
	require.Nil(t, reg.CommitTxn(10, 100, info, rs, guard))
	// Committing the same rowset again is a retry, a different one a bug.
	require.Nil(t, reg.CommitTxn(10, 100, info, rs, guard))
	other := rowset.New(&rowset.Meta{RowsetID: gen.NextID()}, "")
	require.NotNil(t, reg.CommitTxn(10, 100, info, other, nil))

	published, err := reg.PublishTxn(10, 100, info, 7, nil)
	require.Nil(t, err)
	require.Equal(t, rs.ID(), published.ID())
	require.Equal(t, rowset.StateVisible, published.Meta().State)
	require.Equal(t, int64(7), published.Meta().Version.End)
	require.False(t, pending.Contains(rs.ID())) // guard released on publish
	require.Equal(t, 0, reg.TxnCount())

	_, err = reg.PublishTxn(10, 100, info, 7, nil)
	require.NotNil(t, err)
}

func TestTxnRegistryRollback(t *testing.T) {
	reg := NewTxnRegistry(4, 8)
	gen := rowset.NewIDGenerator()
	pending := rowset.NewPendingSet()

	tablet := NewTablet(2, 100, nil, 0)
	info := TabletInfo{TabletID: tablet.ID, TabletUID: tablet.UID}
	rs := rowset.New(&rowset.Meta{RowsetID: gen.NextID(), TabletID: tablet.ID, IsLocal: true}, "")
	guard := pending.Add(rs.ID(), true)
	require.Nil(t, reg.CommitTxn(11, 200, info, rs, guard))

	got := reg.RollbackTxn(11, 200, info)
	require.Equal(t, rs.ID(), got.ID())
	require.False(t, pending.Contains(rs.ID()))
	require.Nil(t, reg.RollbackTxn(11, 200, info))
}
