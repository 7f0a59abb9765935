package storage

import (
	"fmt"
	"sort"

	"github.com/awkwardd/doris/config"
)

// DiskRemainingLevel buckets dirs by how full they are; placement always
// prefers a lower band.
type DiskRemainingLevel int

const (
	DiskLevelLow DiskRemainingLevel = iota // usage < 0.70
	DiskLevelMid                           // usage < 0.85
	DiskLevelHigh
)

func availableLevel(diskUsagePercent float64) DiskRemainingLevel {
	if diskUsagePercent < 0.7 {
		return DiskLevelLow
	} else if diskUsagePercent < 0.85 {
		return DiskLevelMid
	}
	return DiskLevelHigh
}

type dirInfo struct {
	dir   *DataDir
	level DiskRemainingLevel
}

func createTabletIdxKey(partitionID int64, medium config.StorageMedium) string {
	return fmt.Sprintf("%d_%d", partitionID, int(medium))
}

// getAndSetNextDiskIndexLocked resolves the round-robin cursor for
// (partition, medium). On a cache miss the cursor continues from the medium's
// last used index. Both the cache and lastUseIndex advance on every call; on
// a miss both structures move forward, which keeps the placement sequence
// stable across cache evictions. Caller holds storeLock.
func (e *Engine) getAndSetNextDiskIndexLocked(partitionID int64, medium config.StorageMedium) int {
	key := createTabletIdxKey(partitionID, medium)
	currIndex := -1
	if v, ok := e.createTabletIdxCache.Get(key); ok {
		currIndex = v.(int)
	}
	if currIndex == -1 {
		currIndex = e.lastUseIndex[medium] + 1
		if currIndex < 0 {
			currIndex = 0
		}
	}
	e.lastUseIndex[medium] = currIndex
	next := currIndex + 1
	if next < 0 {
		next = 0
	}
	e.createTabletIdxCache.Add(key, next)
	return currIndex
}

// getCandidateStoresLocked collects USED dirs with room, restricted to the
// requested medium unless the node only has one medium. Caller holds
// storeLock.
func (e *Engine) getCandidateStoresLocked(medium config.StorageMedium) []dirInfo {
	var infos []dirInfo
	for _, dir := range e.storeMap {
		if !dir.IsUsed() {
			continue
		}
		if e.availableStorageMediumTypeCount != 1 && dir.Medium() != medium {
			continue
		}
		if dir.ReachCapacityLimit(0, e.cfg.StorageFloodStageUsagePercent) {
			continue
		}
		infos = append(infos, dirInfo{dir: dir, level: availableLevel(dir.Usage(0))})
	}
	return infos
}

// StoresForCreateTablet returns candidate dirs for a new tablet, least-full
// availability band first, round-robin within each band.
func (e *Engine) StoresForCreateTablet(partitionID int64, medium config.StorageMedium) []*DataDir {
	e.storeLock.Lock()
	currIndex := e.getAndSetNextDiskIndexLocked(partitionID, medium)
	infos := e.getCandidateStoresLocked(medium)
	e.storeLock.Unlock()

	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].level != infos[j].level {
			return infos[i].level < infos[j].level
		}
		return infos[i].dir.Path() < infos[j].dir.Path()
	})
	return roundRobinStores(currIndex, infos)
}

// roundRobinStores emits each same-level group rotated by currIndex.
func roundRobinStores(currIndex int, infos []dirInfo) []*DataDir {
	stores := make([]*DataDir, 0, len(infos))
	for i := 0; i < len(infos); {
		end := i + 1
		for end < len(infos) && infos[i].level == infos[end].level {
			end++
		}
		count := end - i
		for k := 0; k < count; k++ {
			idx := i + (k+currIndex)%count
			stores = append(stores, infos[idx].dir)
		}
		i = end
	}
	return stores
}
