package storage

import (
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
	"github.com/awkwardd/doris/olap/errs"
	"github.com/awkwardd/doris/olap/rowset"
)

// Engine is the node-local storage engine controller. It owns the DataDirs,
// the rowset lifecycle registries and the background sweepers. The store map
// is only mutated at startup and shutdown; steady-state access copies under
// storeLock. Lock order: storeLock before any DataDir internal lock; the
// registries have independent leaf mutexes.
type Engine struct {
	cfg       *config.Config
	tabletMgr TabletManager

	RowsetIDGen     *rowset.IDGenerator
	PendingRowsets  *rowset.PendingSet
	UnusedRowsets   *rowset.UnusedRegistry
	QueryingRowsets *rowset.QueryingRegistry
	TxnRegistry     *TxnRegistry

	storeLock                       sync.Mutex
	storeMap                        map[string]*DataDir
	effectiveClusterID              int32
	isAllClusterIDExist             bool
	availableStorageMediumTypeCount int
	lastUseIndex                    map[config.StorageMedium]int
	createTabletIdxCache            *lru.Cache

	brokenMu    sync.Mutex
	brokenPaths map[string]struct{}

	trashSweepRunning atomic.Bool
	needCleanAgain    atomic.Bool

	defaultRowsetType rowset.Type

	compaction *compactionScheduler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// exit is called when too many disks are broken; tests override it.
	exit func(code int)
}

// Open constructs the engine and brings every configured DataDir online.
// Initialization errors are fatal: the engine refuses to start with any bad
// path that is not already on the broken list.
func Open(cfg *config.Config, tabletMgr TabletManager) (*Engine, error) {
	paths, err := cfg.ParseStorePaths()
	if err != nil {
		return nil, errs.Wrap(errs.KindCmdParamsError, err, "parse store paths")
	}

	e := &Engine{
		cfg:                cfg,
		tabletMgr:          tabletMgr,
		RowsetIDGen:        rowset.NewIDGenerator(),
		PendingRowsets:     rowset.NewPendingSet(),
		UnusedRowsets:      rowset.NewUnusedRegistry(),
		QueryingRowsets:    rowset.NewQueryingRegistry(),
		TxnRegistry:        NewTxnRegistry(cfg.TxnMapShardSize, cfg.TxnShardSize),
		storeMap:           make(map[string]*DataDir),
		effectiveClusterID: UnsetClusterID,
		lastUseIndex:       make(map[config.StorageMedium]int),
		brokenPaths:        make(map[string]struct{}),
		stopCh:             make(chan struct{}),
		exit:               os.Exit,
	}
	for _, p := range cfg.BrokenStoragePath {
		e.brokenPaths[p] = struct{}{}
	}

	cacheSize := cfg.PartitionDiskIndexLRUSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	e.createTabletIdxCache, err = lru.New(cacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "create disk index cache")
	}

	if err := e.initDataDirs(paths); err != nil {
		e.closeStores()
		return nil, err
	}
	if err := e.checkAllRootPathsClusterID(); err != nil {
		e.closeStores()
		return nil, err
	}
	if err := checkFdLimit(cfg.MinFileDescriptorNumber); err != nil {
		e.closeStores()
		return nil, err
	}
	e.refreshMediumTypeCount()
	e.parseDefaultRowsetType()
	e.compaction = newCompactionScheduler(cfg)

	log.Info("storage engine opened",
		zap.Int("dataDirs", len(e.storeMap)),
		zap.Int32("clusterID", e.effectiveClusterID))
	return e, nil
}

// initDataDirs initializes one worker per path and collects every failure.
func (e *Engine) initDataDirs(paths []config.StorePath) error {
	type result struct {
		dir *DataDir
		err error
	}
	results := make([]result, len(paths))
	var wg sync.WaitGroup
	for i, sp := range paths {
		if _, broken := e.brokenPaths[sp.Path]; broken {
			log.Warn("skip broken storage path", zap.String("path", sp.Path))
			continue
		}
		wg.Add(1)
		go func(i int, sp config.StorePath) {
			defer wg.Done()
			dir := NewDataDir(sp)
			if err := dir.Init(); err != nil {
				results[i] = result{err: err}
				return
			}
			results[i] = result{dir: dir}
		}(i, sp)
	}
	wg.Wait()

	var merr *multierror.Error
	for _, r := range results {
		if r.err != nil {
			merr = multierror.Append(merr, r.err)
			continue
		}
		if r.dir != nil {
			e.storeMap[r.dir.Path()] = r.dir
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return errs.Wrap(errs.KindInvalidRootPath, err, "init data dirs")
	}
	if len(e.storeMap) == 0 {
		return errs.New(errs.KindNoAvailableRootPath, "all storage paths are broken")
	}
	return nil
}

// checkAllRootPathsClusterID reconciles the per-path cluster id files: all
// present ids must agree; missing files inherit the consensus; no id at all
// means waiting for a heartbeat to supply one.
func (e *Engine) checkAllRootPathsClusterID() error {
	clusterID := UnsetClusterID
	for _, dir := range e.storeMap {
		id := dir.ClusterID()
		if id == UnsetClusterID {
			continue
		}
		if clusterID == UnsetClusterID {
			clusterID = id
			continue
		}
		if clusterID != id {
			return errs.Errorf(errs.KindCorruption,
				"cluster ids disagree across storage paths: %d vs %d on %s",
				clusterID, id, dir.Path())
		}
	}

	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	if clusterID == UnsetClusterID {
		e.isAllClusterIDExist = false
		log.Info("no cluster id on any storage path, waiting for heartbeat")
		return nil
	}
	for _, dir := range e.storeMap {
		if err := dir.SetClusterID(clusterID); err != nil {
			return err
		}
	}
	e.effectiveClusterID = clusterID
	e.isAllClusterIDExist = true
	return nil
}

// SetClusterID applies a heartbeat-supplied cluster id to every path.
func (e *Engine) SetClusterID(id int32) error {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	if e.isAllClusterIDExist {
		if e.effectiveClusterID != id {
			return errs.Errorf(errs.KindCorruption,
				"heartbeat cluster id %d conflicts with local %d", id, e.effectiveClusterID)
		}
		return nil
	}
	for _, dir := range e.storeMap {
		if err := dir.SetClusterID(id); err != nil {
			return err
		}
	}
	e.effectiveClusterID = id
	e.isAllClusterIDExist = true
	return nil
}

func (e *Engine) EffectiveClusterID() int32 {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	return e.effectiveClusterID
}

// parseDefaultRowsetType keeps the node running on a bad value by falling
// back to ALPHA, matching the old behavior downstreams expect.
func (e *Engine) parseDefaultRowsetType() {
	switch strings.ToUpper(e.cfg.DefaultRowsetType) {
	case "BETA":
		e.defaultRowsetType = rowset.TypeBeta
	default:
		e.defaultRowsetType = rowset.TypeAlpha
	}
}

func (e *Engine) DefaultRowsetType() rowset.Type {
	return e.defaultRowsetType
}

func checkFdLimit(min uint64) error {
	if min == 0 {
		return nil
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
		return errs.Wrap(errs.KindOS, err, "getrlimit")
	}
	if rl.Cur < min {
		return errs.Errorf(errs.KindExceededLimit,
			"file descriptor soft limit %d is below required %d", rl.Cur, min)
	}
	return nil
}

// GetStores returns the dirs, optionally including unhealthy ones.
func (e *Engine) GetStores(includeUnused bool) []*DataDir {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	stores := make([]*DataDir, 0, len(e.storeMap))
	for _, dir := range e.storeMap {
		if includeUnused || dir.IsUsed() {
			stores = append(stores, dir)
		}
	}
	return stores
}

// GetStore looks a dir up by root path. The store map is unchanged after
// startup, so no lock is needed.
func (e *Engine) GetStore(path string) *DataDir {
	return e.storeMap[path]
}

func (e *Engine) getStoreByPathHash(pathHash int64) *DataDir {
	e.storeLock.Lock()
	defer e.storeLock.Unlock()
	for _, dir := range e.storeMap {
		if dir.PathHash() == pathHash {
			return dir
		}
	}
	return nil
}

// GetAllDataDirInfo snapshots every dir. With needUpdate the capacity numbers
// are refreshed first; the refresh happens outside storeLock because it does
// filesystem I/O.
func (e *Engine) GetAllDataDirInfo(needUpdate bool) []Info {
	e.storeLock.Lock()
	dirs := make([]*DataDir, 0, len(e.storeMap))
	for _, dir := range e.storeMap {
		dirs = append(dirs, dir)
	}
	e.storeLock.Unlock()

	infos := make([]Info, 0, len(dirs))
	for _, dir := range dirs {
		if needUpdate {
			if err := dir.UpdateCapacity(); err != nil {
				log.Warn("update capacity", zap.String("path", dir.Path()), zap.Error(err))
			}
		}
		infos = append(infos, dir.GetInfo())
	}
	return infos
}

// ObtainShardPath allocates a shard on the dir identified by pathHash, or by
// placement when pathHash is zero.
func (e *Engine) ObtainShardPath(medium config.StorageMedium, pathHash int64, partitionID int64) (*DataDir, uint64, error) {
	var dir *DataDir
	if pathHash != 0 {
		dir = e.getStoreByPathHash(pathHash)
		if dir == nil {
			return nil, 0, errs.Errorf(errs.KindInvalidRootPath, "no data dir with path hash %d", pathHash)
		}
	} else {
		stores := e.StoresForCreateTablet(partitionID, medium)
		if len(stores) == 0 {
			return nil, 0, errs.New(errs.KindNoAvailableRootPath, "no available data dir")
		}
		dir = stores[0]
	}
	shard, err := dir.ObtainShard()
	if err != nil {
		return nil, 0, err
	}
	return dir, shard, nil
}

// CreateTabletRequest carries what placement and the tablet manager need.
type CreateTabletRequest struct {
	TabletID                    int64
	PartitionID                 int64
	SchemaHash                  int64
	Medium                      config.StorageMedium
	EnableUniqueKeyMergeOnWrite bool
}

// CreateTablet places a new tablet on the best candidate dir and registers it.
func (e *Engine) CreateTablet(req CreateTabletRequest) (*Tablet, error) {
	mgr, ok := e.tabletMgr.(*MemTabletManager)
	if !ok {
		return nil, errs.New(errs.KindInternal, "tablet manager does not support creation")
	}
	stores := e.StoresForCreateTablet(req.PartitionID, req.Medium)
	if len(stores) == 0 {
		return nil, errs.New(errs.KindNoAvailableRootPath, "no available data dir for tablet")
	}
	var lastErr error
	for _, dir := range stores {
		shard, err := dir.ObtainShard()
		if err != nil {
			lastErr = err
			continue
		}
		t := NewTablet(req.TabletID, req.SchemaHash, dir, shard)
		t.EnableUniqueKeyMergeOnWrite = req.EnableUniqueKeyMergeOnWrite
		if err := os.MkdirAll(t.TabletDir(), 0755); err != nil {
			lastErr = errs.Wrap(errs.KindIO, err, "create tablet dir")
			continue
		}
		mgr.AddTablet(t)
		return t, nil
	}
	if lastErr == nil {
		lastErr = errs.New(errs.KindNoAvailableRootPath, "tablet placement failed")
	}
	return nil, lastErr
}

// LoadHeader registers a tablet from an existing shard directory, e.g. after
// a snapshot restore or a clone. Without restore an already-registered tablet
// id is an error; with restore the incarnation is replaced.
func (e *Engine) LoadHeader(dir *DataDir, shard uint64, req CreateTabletRequest, restore bool) (*Tablet, error) {
	mgr, ok := e.tabletMgr.(*MemTabletManager)
	if !ok {
		return nil, errs.New(errs.KindInternal, "tablet manager does not support loading")
	}
	tabletDir := dir.TabletDir(shard, req.TabletID, req.SchemaHash)
	if _, err := os.Stat(tabletDir); err != nil {
		return nil, errs.Wrap(errs.KindMetaNotFound, err, "tablet dir missing")
	}
	if existing := mgr.GetTablet(req.TabletID); existing != nil && !restore {
		return nil, errs.Errorf(errs.KindInternal,
			"tablet %d already exists, not restoring", req.TabletID)
	}
	t := NewTablet(req.TabletID, req.SchemaHash, dir, shard)
	t.EnableUniqueKeyMergeOnWrite = req.EnableUniqueKeyMergeOnWrite
	mgr.AddTablet(t)
	log.Info("load tablet header",
		zap.Int64("tabletID", req.TabletID),
		zap.String("path", tabletDir),
		zap.Bool("restore", restore))
	return t, nil
}

// GCBinlogs applies per-tablet binlog GC watermarks.
func (e *Engine) GCBinlogs(gcTabletInfos map[int64]int64) {
	for tabletID, version := range gcTabletInfos {
		log.Info("start to gc binlogs",
			zap.Int64("tabletID", tabletID), zap.Int64("version", version))
		tablet := e.tabletMgr.GetTablet(tabletID)
		if tablet == nil {
			log.Warn("tablet not found for binlog gc", zap.Int64("tabletID", tabletID))
			continue
		}
		tablet.GCBinlogs(version)
	}
}

// AddUnusedRowset hands a superseded rowset to the delayed GC registry.
func (e *Engine) AddUnusedRowset(rs *rowset.Rowset) {
	e.UnusedRowsets.Add(rs, time.Duration(e.cfg.UnusedRowsetDelaySec)*time.Second)
	metricUnusedRowsets.Set(float64(e.UnusedRowsets.Len()))
}

// Start launches the background daemons.
func (e *Engine) Start() {
	e.runDaemon("disk_stat_monitor",
		time.Duration(e.cfg.DiskStatMonitorIntervalSec)*time.Second,
		e.diskStatMonitorTick)
	e.runDaemon("unused_rowset_monitor",
		time.Duration(e.cfg.UnusedRowsetMonitorIntervalSec)*time.Second,
		e.StartDeleteUnusedRowset)
	e.startTrashSweeperDaemon()
	e.compaction.start(e)
}

// Stop signals every daemon, joins them and closes the dirs.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
	e.compaction.stop()
	e.closeStores()
}

func (e *Engine) closeStores() {
	for _, dir := range e.storeMap {
		dir.Close()
	}
}

func (e *Engine) runDaemon(name string, interval time.Duration, tick func()) {
	if interval <= 0 {
		interval = time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Info("start background daemon", zap.String("name", name))
		for {
			select {
			case <-e.stopCh:
				log.Info("stop background daemon", zap.String("name", name))
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// startTrashSweeperDaemon runs the trash sweeper with an interval that shrinks
// linearly from max to min with the usage fraction of the fullest disk; it
// reaches min only when that disk is full.
func (e *Engine) startTrashSweeperDaemon() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		log.Info("start background daemon", zap.String("name", "trash_sweeper"))
		for {
			interval := e.trashSweepInterval()
			select {
			case <-e.stopCh:
				log.Info("stop background daemon", zap.String("name", "trash_sweeper"))
				return
			case <-time.After(interval):
				if err := e.StartTrashSweep(false); err != nil {
					log.Warn("trash sweep", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Engine) trashSweepInterval() time.Duration {
	maxSec := e.cfg.MaxGarbageSweepIntervalSec
	minSec := e.cfg.MinGarbageSweepIntervalSec
	if maxSec <= minSec {
		return time.Duration(minSec) * time.Second
	}
	maxUsage := 0.0
	for _, dir := range e.GetStores(false) {
		if u := dir.Usage(0); u > maxUsage {
			maxUsage = u
		}
	}
	span := float64(maxSec - minSec)
	sec := maxSec - int(span*maxUsage)
	if sec < minSec {
		sec = minSec
	}
	return time.Duration(sec) * time.Second
}
