package storage

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/olap/rowset"
)

// The meta cleanup traversals walk each DataDir's meta store and drop orphan
// records. Parse failures are logged; the key is collected for removal, except
// for delete-bitmap keys, which are skipped. One bad record must never halt a
// traversal.

func (e *Engine) cleanUnusedRowsetMetas() {
	for _, dir := range e.GetStores(false) {
		meta := dir.Meta()
		if meta == nil {
			continue
		}
		var doomed [][]byte
		err := meta.TraverseRowsetMetas(func(key []byte, rm *rowset.Meta) bool {
			if rm == nil {
				log.Warn("drop unparsable rowset meta", zap.ByteString("key", key))
				doomed = append(doomed, key)
				return true
			}
			tablet := e.tabletMgr.GetTablet(rm.TabletID)
			if tablet == nil {
				doomed = append(doomed, key)
				return true
			}
			if tablet.UID != rm.TabletUID {
				doomed = append(doomed, key)
				return true
			}
			if rm.State == rowset.StateVisible && !tablet.VersionUseful(rm.Version) {
				doomed = append(doomed, key)
				return true
			}
			return true
		})
		if err != nil {
			log.Warn("traverse rowset metas", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		if len(doomed) == 0 {
			continue
		}
		if err := meta.DeleteBatch(doomed); err != nil {
			log.Warn("remove unused rowset metas", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		log.Info("removed unused rowset metas from dir",
			zap.String("path", dir.Path()), zap.Int("count", len(doomed)))
	}
}

func (e *Engine) cleanUnusedBinlogMetas() {
	for _, dir := range e.GetStores(false) {
		meta := dir.Meta()
		if meta == nil {
			continue
		}
		var doomed [][]byte
		err := meta.TraverseBinlogMetas(func(key []byte, tabletID, version int64, parseErr error) bool {
			if parseErr != nil {
				log.Warn("drop unparsable binlog meta", zap.ByteString("key", key))
				doomed = append(doomed, key)
				return true
			}
			if e.tabletMgr.GetTablet(tabletID) == nil {
				doomed = append(doomed, key)
			}
			return true
		})
		if err != nil {
			log.Warn("traverse binlog metas", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		if len(doomed) == 0 {
			continue
		}
		if err := meta.DeleteBatch(doomed); err != nil {
			log.Warn("remove unused binlog metas", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		log.Info("removed unused binlog metas from dir",
			zap.String("path", dir.Path()), zap.Int("count", len(doomed)))
	}
}

// cleanUnusedDeleteBitmaps wipes all delete-bitmap entries of dead tablets.
// One RemoveOldVersionDeleteBitmap call with the max version per tablet id is
// intentional: everything the tablet ever wrote goes.
func (e *Engine) cleanUnusedDeleteBitmaps() {
	const maxVersion = int64(^uint64(0) >> 1)
	for _, dir := range e.GetStores(false) {
		meta := dir.Meta()
		if meta == nil {
			continue
		}
		deadTablets := make(map[int64]struct{})
		err := meta.TraverseDeleteBitmaps(func(key []byte, tabletID, version int64, parseErr error) bool {
			if parseErr != nil {
				log.Warn("skip unparsable delete bitmap key", zap.ByteString("key", key))
				return true
			}
			if e.tabletMgr.GetTablet(tabletID) == nil {
				deadTablets[tabletID] = struct{}{}
			}
			return true
		})
		if err != nil {
			log.Warn("traverse delete bitmaps", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		for tabletID := range deadTablets {
			if err := meta.RemoveOldVersionDeleteBitmap(tabletID, maxVersion); err != nil {
				log.Warn("remove delete bitmaps",
					zap.Int64("tabletID", tabletID), zap.Error(err))
			}
		}
		if len(deadTablets) > 0 {
			log.Info("removed delete bitmaps of dead tablets",
				zap.String("path", dir.Path()), zap.Int("tablets", len(deadTablets)))
		}
	}
}

func (e *Engine) cleanUnusedPendingPublishInfos() {
	for _, dir := range e.GetStores(false) {
		meta := dir.Meta()
		if meta == nil {
			continue
		}
		var doomed [][]byte
		err := meta.TraversePendingPublishInfos(func(key []byte, tabletID, version int64, parseErr error) bool {
			if parseErr != nil {
				log.Warn("drop unparsable pending publish info", zap.ByteString("key", key))
				doomed = append(doomed, key)
				return true
			}
			if e.tabletMgr.GetTablet(tabletID) == nil {
				doomed = append(doomed, key)
			}
			return true
		})
		if err != nil {
			log.Warn("traverse pending publish infos", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		if len(doomed) == 0 {
			continue
		}
		if err := meta.DeleteBatch(doomed); err != nil {
			log.Warn("remove pending publish infos", zap.String("path", dir.Path()), zap.Error(err))
			continue
		}
		log.Info("removed invalid pending publish info from dir",
			zap.String("path", dir.Path()), zap.Int("count", len(doomed)))
	}
}
