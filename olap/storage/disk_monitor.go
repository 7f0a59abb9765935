package storage

import (
	"os"
	"sort"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
)

// diskStatMonitorTick is one round of the disk stat monitor: health-check
// every dir, refresh capacity, recompute the available medium set, persist the
// broken list and fail fast when too many disks are gone.
func (e *Engine) diskStatMonitorTick() {
	e.storeLock.Lock()
	dirs := make([]*DataDir, 0, len(e.storeMap))
	for _, dir := range e.storeMap {
		dirs = append(dirs, dir)
	}
	e.storeLock.Unlock()

	for _, dir := range dirs {
		if err := dir.HealthCheck(); err != nil {
			if dir.IsUsed() {
				log.Error("data dir failed health check, marking broken",
					zap.String("path", dir.Path()), zap.Error(err))
				dir.SetUsed(false)
				e.markBroken(dir.Path())
			}
			continue
		}
		if err := dir.UpdateCapacity(); err != nil {
			log.Warn("update capacity", zap.String("path", dir.Path()), zap.Error(err))
		}
	}

	e.refreshMediumTypeCount()
	e.persistBrokenPaths()
	e.exitIfTooManyDisksAreFailed()
}

func (e *Engine) markBroken(path string) {
	e.brokenMu.Lock()
	defer e.brokenMu.Unlock()
	e.brokenPaths[path] = struct{}{}
	metricBrokenDisks.Set(float64(len(e.brokenPaths)))
}

func (e *Engine) BrokenPaths() []string {
	e.brokenMu.Lock()
	defer e.brokenMu.Unlock()
	paths := make([]string, 0, len(e.brokenPaths))
	for p := range e.brokenPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// persistBrokenPaths records the broken list so a restart does not retry a
// dead disk. Written as a toml fragment the config loader understands.
func (e *Engine) persistBrokenPaths() {
	if e.cfg.BrokenPathPersistFile == "" {
		return
	}
	paths := e.BrokenPaths()
	if len(paths) == 0 {
		return
	}
	var sb strings.Builder
	sb.WriteString("broken_storage_path = [")
	for i, p := range paths {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("\"" + p + "\"")
	}
	sb.WriteString("]\n")
	if err := os.WriteFile(e.cfg.BrokenPathPersistFile, []byte(sb.String()), 0644); err != nil {
		log.Warn("persist broken storage paths", zap.Error(err))
	}
}

// refreshMediumTypeCount recomputes the distinct mediums among healthy dirs.
func (e *Engine) refreshMediumTypeCount() {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	mediums := make(map[config.StorageMedium]struct{})
	for _, dir := range e.storeMap {
		if dir.IsUsed() {
			mediums[dir.Medium()] = struct{}{}
		}
	}
	e.availableStorageMediumTypeCount = len(mediums)
}

func (e *Engine) AvailableStorageMediumTypeCount() int {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	return e.availableStorageMediumTypeCount
}

func tooManyDisksAreFailed(unusedNum, totalNum, maxPercentage int) bool {
	return totalNum == 0 || unusedNum*100/totalNum > maxPercentage
}

// exitIfTooManyDisksAreFailed terminates the process when the broken fraction
// exceeds max_percentage_of_error_disk. The exit code is 0: downstream
// supervision treats this as an operational decision, not a crash.
func (e *Engine) exitIfTooManyDisksAreFailed() {
	e.storeLock.Lock()
	total := len(e.storeMap)
	unused := 0
	for _, dir := range e.storeMap {
		if !dir.IsUsed() {
			unused++
		}
	}
	e.storeLock.Unlock()

	if unused == 0 {
		return
	}
	if tooManyDisksAreFailed(unused, total, e.cfg.MaxPercentageOfErrorDisk) {
		log.Error("too many disks are broken, exiting",
			zap.Int("brokenNum", unused),
			zap.Int("totalNum", total),
			zap.Int("maxPercentage", e.cfg.MaxPercentageOfErrorDisk))
		e.exit(0)
	}
}
