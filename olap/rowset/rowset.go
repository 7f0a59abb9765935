package rowset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Rowset is the in-memory handle of one immutable rowset. The registries own
// the object; queries pin it with Ref/Unref. Segment files live under the
// owning tablet's directory and are named "<rowset_id>_<seg>.dat".
type Rowset struct {
	meta *Meta

	// tabletDir is the directory holding this rowset's segment files,
	// data/<shard>/<tablet_id>/<schema_hash> under the owning DataDir.
	tabletDir string

	refs           atomic.Int32
	needDeleteFile atomic.Bool
	closed         atomic.Bool

	// Unix seconds before which GC must not remove the files.
	DelayedExpiredTimestamp atomic.Int64
}

func New(meta *Meta, tabletDir string) *Rowset {
	return &Rowset{meta: meta, tabletDir: tabletDir}
}

func (r *Rowset) Meta() *Meta   { return r.meta }
func (r *Rowset) ID() ID        { return r.meta.RowsetID }
func (r *Rowset) IsLocal() bool { return r.meta.IsLocal }

// Ref pins the rowset against deletion; Unref releases the pin.
func (r *Rowset) Ref()            { r.refs.Inc() }
func (r *Rowset) Unref()          { r.refs.Dec() }
func (r *Rowset) RefCount() int32 { return r.refs.Load() }

func (r *Rowset) SetNeedDeleteFile()   { r.needDeleteFile.Store(true) }
func (r *Rowset) NeedDeleteFile() bool { return r.needDeleteFile.Load() }

// Close releases open segment handles. Idempotent.
func (r *Rowset) Close() {
	r.closed.Store(true)
}

func (r *Rowset) SegmentPath(seg int64) string {
	return filepath.Join(r.tabletDir, fmt.Sprintf("%s_%d.dat", r.meta.RowsetID, seg))
}

// Remove deletes all segment files of the rowset. Missing files are not an
// error; a rowset may have been trashed already.
func (r *Rowset) Remove() error {
	log.Info("remove rowset files",
		zap.Stringer("rowsetID", r.meta.RowsetID),
		zap.Int64("tabletID", r.meta.TabletID))
	var firstErr error
	for seg := int64(0); seg < r.meta.NumSegments; seg++ {
		path := r.SegmentPath(seg)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove segment file",
				zap.String("path", path), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Trace(err)
			}
		}
	}
	return firstErr
}
