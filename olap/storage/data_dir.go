package storage

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/errs"
)

const (
	DataPrefix     = "data"
	TrashPrefix    = "trash"
	SnapshotPrefix = "snapshot"
	MetaPrefix     = "meta"

	clusterIDFileName   = "cluster_id"
	healthCheckFileName = ".health_check"
)

// UnsetClusterID marks a DataDir that has not learned its cluster id yet.
const UnsetClusterID int32 = -1

// DataDir owns one physical storage root. All paths below the root follow the
// fixed layout data/<shard>/<tablet_id>/<schema_hash>, plus the trash,
// snapshot and meta subdirectories.
type DataDir struct {
	path     string
	pathHash int64
	medium   config.StorageMedium

	// Declared capacity from configuration; <= 0 means the whole disk.
	capacityBytes int64

	mu                sync.Mutex
	diskCapacityBytes int64
	availableBytes    int64
	clusterID         int32

	isUsed atomic.Bool

	meta *MetaStore
}

func NewDataDir(sp config.StorePath) *DataDir {
	h := fnv.New64a()
	h.Write([]byte(sp.Path))
	return &DataDir{
		path:          sp.Path,
		pathHash:      int64(h.Sum64()),
		medium:        sp.Medium,
		capacityBytes: sp.CapacityBytes,
		clusterID:     UnsetClusterID,
	}
}

func (d *DataDir) Path() string                 { return d.path }
func (d *DataDir) PathHash() int64              { return d.pathHash }
func (d *DataDir) Medium() config.StorageMedium { return d.medium }
func (d *DataDir) Meta() *MetaStore             { return d.meta }
func (d *DataDir) IsUsed() bool                 { return d.isUsed.Load() }
func (d *DataDir) SetUsed(used bool)            { d.isUsed.Store(used) }

func (d *DataDir) DataPath() string     { return filepath.Join(d.path, DataPrefix) }
func (d *DataDir) TrashPath() string    { return filepath.Join(d.path, TrashPrefix) }
func (d *DataDir) SnapshotPath() string { return filepath.Join(d.path, SnapshotPrefix) }

// Init brings the dir online: creates the layout, opens the meta store and
// loads the cluster id file. Fatal errors here abort engine startup.
func (d *DataDir) Init() error {
	for _, sub := range []string{DataPrefix, TrashPrefix, SnapshotPrefix} {
		if err := os.MkdirAll(filepath.Join(d.path, sub), 0755); err != nil {
			return errs.Wrap(errs.KindInvalidRootPath, err, d.path)
		}
	}
	meta, err := OpenMetaStore(filepath.Join(d.path, MetaPrefix))
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "open meta store for "+d.path)
	}
	d.meta = meta

	id, err := d.readClusterIDFile()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.clusterID = id
	d.mu.Unlock()

	if err := d.UpdateCapacity(); err != nil {
		return err
	}
	d.isUsed.Store(true)
	log.Info("init data dir",
		zap.String("path", d.path),
		zap.Stringer("medium", d.medium),
		zap.Int32("clusterID", id))
	return nil
}

func (d *DataDir) Close() {
	if d.meta != nil {
		if err := d.meta.Close(); err != nil {
			log.Warn("close meta store", zap.String("path", d.path), zap.Error(err))
		}
	}
}

func (d *DataDir) clusterIDFilePath() string {
	return filepath.Join(d.path, clusterIDFileName)
}

func (d *DataDir) readClusterIDFile() (int32, error) {
	data, err := os.ReadFile(d.clusterIDFilePath())
	if os.IsNotExist(err) {
		return UnsetClusterID, nil
	}
	if err != nil {
		return UnsetClusterID, errs.Wrap(errs.KindIO, err, "read cluster id file")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return UnsetClusterID, nil
	}
	id, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return UnsetClusterID, errs.Errorf(errs.KindCorruption,
			"malformed cluster id file %s: %q", d.clusterIDFilePath(), text)
	}
	return int32(id), nil
}

func (d *DataDir) ClusterID() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clusterID
}

// SetClusterID writes the id to the cluster id file (and mirrors it into the
// meta store). Changing an already-set id is a corruption error.
func (d *DataDir) SetClusterID(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clusterID != UnsetClusterID {
		if d.clusterID == id {
			return nil
		}
		return errs.Errorf(errs.KindCorruption,
			"cluster id mismatch on %s: has %d, set %d", d.path, d.clusterID, id)
	}
	tmp := d.clusterIDFilePath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(int64(id), 10)), 0644); err != nil {
		return errs.Wrap(errs.KindIO, err, "write cluster id file")
	}
	if err := os.Rename(tmp, d.clusterIDFilePath()); err != nil {
		return errs.Wrap(errs.KindIO, err, "rename cluster id file")
	}
	if d.meta != nil {
		if err := d.meta.SaveClusterID(id); err != nil {
			return err
		}
	}
	d.clusterID = id
	return nil
}

// HealthCheck probes the dir with a small write/read/delete cycle. A failure
// marks the dir for exclusion; the disk monitor decides when to act on it.
func (d *DataDir) HealthCheck() error {
	probe := filepath.Join(d.path, healthCheckFileName)
	payload := []byte("ok")
	if err := os.WriteFile(probe, payload, 0644); err != nil {
		return errs.Wrap(errs.KindIO, err, "health check write "+d.path)
	}
	read, err := os.ReadFile(probe)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "health check read "+d.path)
	}
	if string(read) != string(payload) {
		return errs.Errorf(errs.KindIO, "health check readback mismatch on %s", d.path)
	}
	if err := os.Remove(probe); err != nil {
		return errs.Wrap(errs.KindIO, err, "health check remove "+d.path)
	}
	return nil
}

// UpdateCapacity refreshes disk capacity and free space from the filesystem.
func (d *DataDir) UpdateCapacity() error {
	usage, err := disk.Usage(d.path)
	if err != nil {
		return errs.Wrap(errs.KindOS, err, "disk usage for "+d.path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diskCapacityBytes = int64(usage.Total)
	d.availableBytes = int64(usage.Free)
	return nil
}

// effectiveCapacityLocked is the declared capacity clamped to the disk size.
func (d *DataDir) effectiveCapacityLocked() int64 {
	if d.capacityBytes > 0 && d.capacityBytes < d.diskCapacityBytes {
		return d.capacityBytes
	}
	return d.diskCapacityBytes
}

// Usage returns the usage fraction assuming incomingBytes more will be
// written.
func (d *DataDir) Usage(incomingBytes int64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	capacity := d.effectiveCapacityLocked()
	if capacity <= 0 {
		return 1.0
	}
	used := capacity - d.availableBytes + incomingBytes
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(capacity)
}

// ReachCapacityLimit reports whether writing incomingBytes would push the dir
// past the flood stage.
func (d *DataDir) ReachCapacityLimit(incomingBytes int64, floodStagePercent int) bool {
	return d.Usage(incomingBytes) >= float64(floodStagePercent)/100.0
}

// SetCapacityForTest overrides the measured capacity numbers.
func (d *DataDir) SetCapacityForTest(capacity, available int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.diskCapacityBytes = capacity
	d.availableBytes = available
	if d.capacityBytes > 0 && d.capacityBytes > capacity {
		d.capacityBytes = 0
	}
}

// ObtainShard allocates the next shard and creates its directory.
func (d *DataDir) ObtainShard() (uint64, error) {
	if d.meta == nil {
		return 0, errs.New(errs.KindInternal, "data dir not initialized")
	}
	shard, err := d.meta.NextShard()
	if err != nil {
		return 0, err
	}
	shardPath := filepath.Join(d.DataPath(), strconv.FormatUint(shard, 10))
	if err := os.MkdirAll(shardPath, 0755); err != nil {
		return 0, errs.Wrap(errs.KindIO, err, "create shard dir")
	}
	return shard, nil
}

// TabletDir is data/<shard>/<tablet_id>/<schema_hash>.
func (d *DataDir) TabletDir(shard uint64, tabletID, schemaHash int64) string {
	return filepath.Join(d.DataPath(),
		strconv.FormatUint(shard, 10),
		strconv.FormatInt(tabletID, 10),
		strconv.FormatInt(schemaHash, 10))
}

// TabletHeaderPath is the tablet header file inside the tablet dir.
func (d *DataDir) TabletHeaderPath(shard uint64, tabletID, schemaHash int64) string {
	return filepath.Join(d.TabletDir(shard, tabletID, schemaHash),
		fmt.Sprintf("%d.hdr", tabletID))
}

// Info is a point-in-time snapshot of the dir for reporting.
type Info struct {
	Path              string
	PathHash          int64
	Medium            config.StorageMedium
	IsUsed            bool
	DiskCapacityBytes int64
	AvailableBytes    int64
	UsageFraction     float64
}

func (d *DataDir) GetInfo() Info {
	d.mu.Lock()
	capacity := d.diskCapacityBytes
	available := d.availableBytes
	d.mu.Unlock()
	return Info{
		Path:              d.path,
		PathHash:          d.pathHash,
		Medium:            d.medium,
		IsUsed:            d.isUsed.Load(),
		DiskCapacityBytes: capacity,
		AvailableBytes:    available,
		UsageFraction:     d.Usage(0),
	}
}
