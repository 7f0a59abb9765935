package storage

import (
	"fmt"
	"testing"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/require"

	"github.com/awkwardd/doris/config"
)

func newPlacementTestEngine(t *testing.T, dirNum int, usages []float64) *Engine {
	cfg := config.NewTestConfig()
	cache, err := lru.New(cfg.PartitionDiskIndexLRUSize)
	require.Nil(t, err)
	e := &Engine{
		cfg:                  cfg,
		storeMap:             make(map[string]*DataDir),
		lastUseIndex:         make(map[config.StorageMedium]int),
		createTabletIdxCache: cache,
		brokenPaths:          make(map[string]struct{}),
		stopCh:               make(chan struct{}),
	}
	const capacity = int64(100) * config.GB
	for i := 0; i < dirNum; i++ {
		dir := NewDataDir(config.StorePath{
			Path:   fmt.Sprintf("/fake/d%d", i),
			Medium: config.MediumHDD,
		})
		usage := 0.0
		if usages != nil {
			usage = usages[i]
		}
		dir.SetCapacityForTest(capacity, capacity-int64(usage*float64(capacity)))
		dir.SetUsed(true)
		e.storeMap[dir.Path()] = dir
	}
	e.refreshMediumTypeCount()
	return e
}

func TestAvailableLevel(t *testing.T) {
	require.Equal(t, DiskLevelLow, availableLevel(0.0))
	require.Equal(t, DiskLevelLow, availableLevel(0.69))
	require.Equal(t, DiskLevelMid, availableLevel(0.70))
	require.Equal(t, DiskLevelMid, availableLevel(0.84))
	require.Equal(t, DiskLevelHigh, availableLevel(0.85))
	require.Equal(t, DiskLevelHigh, availableLevel(0.99))
}

// With K equally-filled dirs and N sequential creates for one (partition,
// medium), every dir must land first-choice floor(N/K) or ceil(N/K) times.
func TestPlacementRoundRobinBalance(t *testing.T) {
	const dirNum = 4
	const requests = 10
	e := newPlacementTestEngine(t, dirNum, nil)

	firstChoice := make(map[string]int)
	for i := 0; i < requests; i++ {
		stores := e.StoresForCreateTablet(77, config.MediumHDD)
		require.Len(t, stores, dirNum)
		firstChoice[stores[0].Path()]++
	}
	for path, n := range firstChoice {
		require.True(t, n == requests/dirNum || n == requests/dirNum+1,
			"dir %s got %d first choices", path, n)
	}
}

func TestPlacementPrefersLowerBand(t *testing.T) {
	e := newPlacementTestEngine(t, 3, []float64{0.87, 0.75, 0.1})
	stores := e.StoresForCreateTablet(1, config.MediumHDD)
	require.Len(t, stores, 3)
	require.Equal(t, "/fake/d2", stores[0].Path()) // LOW band first
	require.Equal(t, "/fake/d1", stores[1].Path()) // MID
	require.Equal(t, "/fake/d0", stores[2].Path()) // HIGH
}

func TestPlacementSkipsUnusedAndFullDirs(t *testing.T) {
	e := newPlacementTestEngine(t, 3, []float64{0.95, 0.2, 0.2})
	// d0 is beyond the flood stage (90%); d1 is broken.
	e.storeMap["/fake/d1"].SetUsed(false)
	stores := e.StoresForCreateTablet(1, config.MediumHDD)
	require.Len(t, stores, 1)
	require.Equal(t, "/fake/d2", stores[0].Path())
}

// The cursor cache stores curr+1 while the per-medium last index also
// advances; a cache miss must continue the sequence instead of restarting it.
func TestDiskIndexDoubleAdvance(t *testing.T) {
	e := newPlacementTestEngine(t, 4, nil)

	e.storeLock.Lock()
	first := e.getAndSetNextDiskIndexLocked(1, config.MediumHDD)
	second := e.getAndSetNextDiskIndexLocked(1, config.MediumHDD)
	require.Equal(t, first+1, second)

	// Miss for another partition: picks up after the medium's last index.
	miss := e.getAndSetNextDiskIndexLocked(2, config.MediumHDD)
	require.Equal(t, second+1, miss)
	e.storeLock.Unlock()
}

func TestPlacementSingleMediumServesAnyRequest(t *testing.T) {
	e := newPlacementTestEngine(t, 2, nil) // all HDD
	stores := e.StoresForCreateTablet(5, config.MediumSSD)
	require.Len(t, stores, 2)
}
