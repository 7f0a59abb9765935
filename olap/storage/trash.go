package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/olap/errs"
)

const sweepTimeLayout = "20060102150405"

// parseSweepDirName splits "<YYYYMMDDhhmmss>[.<n>.<ttl_seconds>]" into the
// creation time and the optional embedded TTL (-1 when absent).
func parseSweepDirName(name string, loc *time.Location) (createTime time.Time, ttlSec int64, err error) {
	ttlSec = -1
	strTime := name
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		strTime = name[:idx]
	}
	createTime, err = time.ParseInLocation(sweepTimeLayout, strTime, loc)
	if err != nil {
		return time.Time{}, -1, errs.Errorf(errs.KindOS, "fail to parse time from %q", name)
	}
	// Optional trailing ".<n>.<ttl>"; old entries carry only the timestamp.
	if pos := strings.IndexByte(name[len(strTime):], '.'); pos >= 0 {
		rest := name[len(strTime)+pos+1:]
		if dot := strings.IndexByte(rest, '.'); dot >= 0 {
			ttl, perr := strconv.ParseInt(rest[dot+1:], 10, 64)
			if perr == nil {
				ttlSec = ttl
			}
		}
	}
	return createTime, ttlSec, nil
}

// StartTrashSweep sweeps expired snapshot and trash entries on every dir and
// then runs the orphan cleanups. A non-blocking try-lock keeps at most one
// sweep running; with ignoreGuard a concurrent request posts a "clean again"
// signal instead of being dropped.
func (e *Engine) StartTrashSweep(ignoreGuard bool) error {
	if !e.trashSweepRunning.CAS(false, true) {
		if ignoreGuard {
			e.needCleanAgain.Store(true)
		}
		return nil
	}
	defer func() {
		e.trashSweepRunning.Store(false)
		if e.needCleanAgain.CAS(true, false) {
			go func() {
				if err := e.StartTrashSweep(false); err != nil {
					log.Warn("re-triggered trash sweep", zap.Error(err))
				}
			}()
		}
	}()

	start := time.Now()
	localNow := time.Now()
	var firstErr error

	for _, dir := range e.GetStores(false) {
		snapshotExpire := int64(e.cfg.SnapshotExpireTimeSec)
		trashExpire := int64(e.cfg.TrashFileExpireTimeSec)
		// Past 90% of the flood stage the trash is reclaimed immediately.
		guardUsage := float64(e.cfg.StorageFloodStageUsagePercent) / 100.0 * 0.9
		if dir.Usage(0) > guardUsage {
			trashExpire = 0
			log.Warn("trash expire forced to zero for nearly full dir",
				zap.String("path", dir.Path()))
		}
		if err := e.doSweep(dir.SnapshotPath(), localNow, snapshotExpire); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.doSweep(dir.TrashPath(), localNow, trashExpire); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.tabletMgr.DeleteExpiredIncrementalRowsets()
	e.cleanUnusedTxns()
	e.cleanUnusedRowsetMetas()
	e.cleanUnusedBinlogMetas()
	e.cleanUnusedDeleteBitmaps()
	e.cleanUnusedPendingPublishInfos()

	metricTrashSweepSeconds.Observe(time.Since(start).Seconds())
	return firstErr
}

// doSweep deletes the expired entries under scanRoot. Entries are named by
// creation time, so the scan walks them in sorted order and stops at the
// first unexpired one. Deletion is throttled with a 1 ms sleep every
// garbage_sweep_batch_size removals to leave the disk to foreground I/O.
func (e *Engine) doSweep(scanRoot string, localNow time.Time, expireSec int64) error {
	entries, err := os.ReadDir(scanRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "scan "+scanRoot)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var res error
	currBatchSize := 0
	for _, name := range names {
		createTime, embeddedTTL, perr := parseSweepDirName(name, time.Local)
		if perr != nil {
			log.Warn("skip unparsable sweep entry",
				zap.String("dir", scanRoot), zap.String("name", name))
			res = perr
			continue
		}
		actualExpire := expireSec
		if embeddedTTL >= 0 {
			actualExpire = embeddedTTL
		}
		if int64(localNow.Sub(createTime)/time.Second) < actualExpire {
			// Names sort by creation time; everything after this is younger.
			break
		}
		path := filepath.Join(scanRoot, name)
		if err := os.RemoveAll(path); err != nil {
			log.Warn("remove swept entry", zap.String("path", path), zap.Error(err))
			continue
		}
		currBatchSize++
		if e.cfg.GarbageSweepBatchSize > 0 && currBatchSize >= e.cfg.GarbageSweepBatchSize {
			currBatchSize = 0
			time.Sleep(time.Millisecond)
		}
	}
	return res
}

// cleanUnusedTxns rolls back transactions whose tablet incarnation no longer
// exists, moving their orphaned rowsets into the unused registry.
func (e *Engine) cleanUnusedTxns() {
	for _, info := range e.TxnRegistry.AllRelatedTablets() {
		tablet := e.tabletMgr.GetTabletWithUID(info.TabletID, info.TabletUID)
		if tablet != nil {
			continue
		}
		for _, rs := range e.TxnRegistry.ForceRollbackTabletRelatedTxns(info.TabletID, info.TabletUID) {
			e.AddUnusedRowset(rs)
		}
	}
}
