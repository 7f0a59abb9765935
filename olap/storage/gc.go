package storage

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/olap/rowset"
)

// StartDeleteUnusedRowset is one round of unused-rowset GC. Deletable entries
// are collected under the registry mutex, then files are removed outside it so
// slow disks never block writers adding to the registry. Rowsets pinned by a
// running query stay put; stale query pins are evicted on the way.
func (e *Engine) StartDeleteUnusedRowset() {
	now := time.Now()
	batch := e.UnusedRowsets.CollectExpired(now, func(id rowset.ID) bool {
		e.QueryingRowsets.EvictStale(id)
		return e.QueryingRowsets.Contains(id)
	})
	if len(batch) == 0 {
		return
	}
	log.Info("start delete unused rowset", zap.Int("count", len(batch)))

	deleted := 0
	for _, rs := range batch {
		meta := rs.Meta()
		tablet := e.tabletMgr.GetTabletWithUID(meta.TabletID, meta.TabletUID)
		if tablet != nil && tablet.EnableUniqueKeyMergeOnWrite {
			tablet.DropDeleteBitmap(rs.ID())
		}
		if tablet != nil && tablet.DataDir() != nil && tablet.DataDir().Meta() != nil {
			if err := tablet.DataDir().Meta().RemoveRowsetMeta(rs.ID()); err != nil {
				log.Warn("remove rowset meta",
					zap.Stringer("rowsetID", rs.ID()), zap.Error(err))
			}
		}
		if err := rs.Remove(); err != nil {
			log.Warn("remove unused rowset files",
				zap.Stringer("rowsetID", rs.ID()), zap.Error(err))
			continue
		}
		deleted++
		if e.cfg.GarbageSweepBatchSize > 0 && deleted%e.cfg.GarbageSweepBatchSize == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	metricUnusedRowsets.Set(float64(e.UnusedRowsets.Len()))
	log.Info("finish delete unused rowset",
		zap.Int("deleted", deleted), zap.Int("remaining", e.UnusedRowsets.Len()))
}

// CheckRowsetIDInUnusedRowsets reports whether the id is still protected from
// disk deletion: pending writers, the unused registry and running queries all
// count.
func (e *Engine) CheckRowsetIDInUnusedRowsets(id rowset.ID) bool {
	if e.PendingRowsets.Contains(id) {
		return true
	}
	if e.UnusedRowsets.Contains(id) {
		return true
	}
	return e.QueryingRowsets.Contains(id)
}
