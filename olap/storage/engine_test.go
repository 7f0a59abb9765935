package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/config"
)

func openTestEngine(t *testing.T, paths []string) *Engine {
	cfg := config.NewTestConfig()
	cfg.StorePaths = paths
	mgr := NewMemTabletManager(cfg.TabletMapShardSize)
	e, err := Open(cfg, mgr)
	require.Nil(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestOpenReconcilesClusterID(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir1, "cluster_id"), []byte("123"), 0644))

	e := openTestEngine(t, []string{dir1, dir2})
	require.Equal(t, int32(123), e.EffectiveClusterID())

	// The id must have been written through to the path missing it.
	data, err := os.ReadFile(filepath.Join(dir2, "cluster_id"))
	require.Nil(t, err)
	require.Equal(t, "123", string(data))
}

func TestOpenRejectsConflictingClusterIDs(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir1, "cluster_id"), []byte("123"), 0644))
	require.Nil(t, os.WriteFile(filepath.Join(dir2, "cluster_id"), []byte("456"), 0644))

	cfg := config.NewTestConfig()
	cfg.StorePaths = []string{dir1, dir2}
	_, err := Open(cfg, NewMemTabletManager(1))
	require.NotNil(t, err)
}

func TestOpenWaitsForHeartbeatClusterID(t *testing.T) {
	e := openTestEngine(t, []string{t.TempDir()})
	require.Equal(t, UnsetClusterID, e.EffectiveClusterID())

	require.Nil(t, e.SetClusterID(77))
	require.Equal(t, int32(77), e.EffectiveClusterID())
	// A conflicting heartbeat is a corruption error.
	require.NotNil(t, e.SetClusterID(78))
}

func TestObtainShardPath(t *testing.T) {
	root := t.TempDir()
	e := openTestEngine(t, []string{root})

	dir, shard, err := e.ObtainShardPath(config.MediumHDD, 0, 5)
	require.Nil(t, err)
	require.Equal(t, root, dir.Path())

	_, shard2, err := e.ObtainShardPath(config.MediumHDD, dir.PathHash(), 5)
	require.Nil(t, err)
	require.Equal(t, shard+1, shard2)

	_, _, err = e.ObtainShardPath(config.MediumHDD, 12345, 5)
	require.NotNil(t, err)
}

func TestCreateTabletPlacesOnDisk(t *testing.T) {
	e := openTestEngine(t, []string{t.TempDir()})
	tablet, err := e.CreateTablet(CreateTabletRequest{
		TabletID:    9,
		PartitionID: 2,
		SchemaHash:  12345,
		Medium:      config.MediumHDD,
	})
	require.Nil(t, err)
	stat, err := os.Stat(tablet.TabletDir())
	require.Nil(t, err)
	require.True(t, stat.IsDir())
	require.Equal(t, tablet, e.tabletMgr.GetTablet(9))
}

func TestDefaultRowsetType(t *testing.T) {
	e := openTestEngine(t, []string{t.TempDir()})
	require.Equal(t, "BETA", e.DefaultRowsetType().String())
}

func TestLoadHeader(t *testing.T) {
	e := openTestEngine(t, []string{t.TempDir()})
	tablet, err := e.CreateTablet(CreateTabletRequest{
		TabletID: 11, PartitionID: 2, SchemaHash: 777, Medium: config.MediumHDD,
	})
	require.Nil(t, err)

	req := CreateTabletRequest{TabletID: 11, SchemaHash: 777}
	_, err = e.LoadHeader(tablet.DataDir(), tablet.Shard, req, false)
	require.NotNil(t, err) // already registered, restore not set

	reloaded, err := e.LoadHeader(tablet.DataDir(), tablet.Shard, req, true)
	require.Nil(t, err)
	require.NotEqual(t, tablet.UID, reloaded.UID)
	require.Equal(t, reloaded, e.tabletMgr.GetTablet(11))

	// Unknown shard path is a meta error.
	_, err = e.LoadHeader(tablet.DataDir(), tablet.Shard+99, req, true)
	require.NotNil(t, err)
}

func TestTooManyDisksAreFailed(t *testing.T) {
	require.True(t, tooManyDisksAreFailed(3, 4, 50))
	require.False(t, tooManyDisksAreFailed(2, 4, 50))
	require.False(t, tooManyDisksAreFailed(1, 4, 50))
	require.True(t, tooManyDisksAreFailed(0, 0, 50))
	require.True(t, tooManyDisksAreFailed(1, 1, 0))
}

// With 4 dirs and a 50% threshold, the third broken disk triggers the
// voluntary exit — with code 0.
func TestExitIfTooManyDisksAreFailed(t *testing.T) {
	e := openTestEngine(t, []string{t.TempDir(), t.TempDir(), t.TempDir(), t.TempDir()})
	e.cfg.MaxPercentageOfErrorDisk = 50

	exitCode := -1
	e.exit = func(code int) { exitCode = code }

	dirs := e.GetStores(true)
	dirs[0].SetUsed(false)
	dirs[1].SetUsed(false)
	e.exitIfTooManyDisksAreFailed()
	require.Equal(t, -1, exitCode) // 50% is not above the threshold

	dirs[2].SetUsed(false)
	e.exitIfTooManyDisksAreFailed()
	require.Equal(t, 0, exitCode)
}

func TestDiskMonitorMarksBrokenPaths(t *testing.T) {
	root := t.TempDir()
	e := openTestEngine(t, []string{root})
	e.cfg.MaxPercentageOfErrorDisk = 100 // keep the process alive

	e.diskStatMonitorTick()
	require.Empty(t, e.BrokenPaths())

	// Nuke the root so the health probe fails.
	require.Nil(t, os.RemoveAll(root))
	e.diskStatMonitorTick()
	require.Equal(t, []string{root}, e.BrokenPaths())
	require.False(t, e.GetStore(root).IsUsed())
}

func TestAvailableMediumTypeCount(t *testing.T) {
	ssdRoot := filepath.Join(t.TempDir(), "s") + ".SSD"
	require.Nil(t, os.MkdirAll(ssdRoot[:len(ssdRoot)-4], 0755))
	hddRoot := t.TempDir()

	cfg := config.NewTestConfig()
	cfg.StorePaths = []string{ssdRoot, hddRoot}
	e, err := Open(cfg, NewMemTabletManager(1))
	require.Nil(t, err)
	defer e.Stop()
	require.Equal(t, 2, e.AvailableStorageMediumTypeCount())
}
