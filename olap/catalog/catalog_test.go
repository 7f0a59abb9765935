package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplicaVersionBookkeeping(t *testing.T) {
	r := NewReplica(1, 1001, 5)
	require.True(t, r.VersionContinuousTo(6))
	require.False(t, r.VersionContinuousTo(8))

	r.UpdateVersionWithFailedInfo(6, -1, 6)
	require.Equal(t, int64(6), r.Version())
	require.Equal(t, int64(-1), r.LastFailedVersion())
	require.Equal(t, int64(6), r.LastSuccessVersion())

	// A recorded gap blocks continuity until the version catches up.
	r.SetLastFailedVersion(8)
	require.False(t, r.VersionContinuousTo(7))
	r.UpdateVersionWithFailedInfo(8, -1, 8)
	require.Equal(t, int64(-1), r.LastFailedVersion())
	require.True(t, r.VersionContinuousTo(9))

	// Versions never regress.
	r.UpdateVersionWithFailedInfo(3, -1, 3)
	require.Equal(t, int64(8), r.Version())
}

func TestPartitionVersionLine(t *testing.T) {
	p := NewPartition(1)
	require.Equal(t, int64(1), p.VisibleVersion())
	require.Equal(t, int64(2), p.NextVersion())

	p.InitVersion(5)
	require.Equal(t, int64(6), p.AllocateNextVersion())
	require.Equal(t, int64(7), p.NextVersion())

	p.SetVisibleVersion(6, time.Now())
	require.Equal(t, int64(6), p.VisibleVersion())
	// Monotonic: stale publishes cannot move it backwards.
	p.SetVisibleVersion(4, time.Now())
	require.Equal(t, int64(6), p.VisibleVersion())
}

func TestDatabaseQuota(t *testing.T) {
	db := NewDatabase(1, "db")
	require.Nil(t, db.CheckDataSizeQuota())
	db.SetDataQuota(100)
	db.AddUsedData(100)
	require.NotNil(t, db.CheckDataSizeQuota())
}
