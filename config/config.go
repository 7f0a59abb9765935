package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// StorageMedium is the declared medium of one storage root path.
type StorageMedium int

const (
	MediumHDD StorageMedium = iota
	MediumSSD
	MediumRemote
)

func (m StorageMedium) String() string {
	switch m {
	case MediumHDD:
		return "HDD"
	case MediumSSD:
		return "SSD"
	case MediumRemote:
		return "REMOTE"
	}
	return "UNKNOWN"
}

// StorePath is one parsed entry of Config.StorePaths.
type StorePath struct {
	Path          string
	CapacityBytes int64 // <= 0 means use the whole disk
	Medium        StorageMedium
}

type Config struct {
	StoreAddr string `toml:"store-addr"`
	HTTPAddr  string `toml:"http-addr"`
	LogLevel  string `toml:"log-level"`
	LogFile   string `toml:"log-file"`

	// Storage root paths, each formatted as "/path[,capacity]". The medium is
	// taken from a ".SSD" / ".HDD" path suffix, default HDD. Capacity accepts
	// human-readable sizes ("200GB").
	StorePaths []string `toml:"storage_root_path"`

	TabletMapShardSize        int `toml:"tablet_map_shard_size"`
	TxnMapShardSize           int `toml:"txn_map_shard_size"`
	TxnShardSize              int `toml:"txn_shard_size"`
	PartitionDiskIndexLRUSize int `toml:"partition_disk_index_lru_size"`

	MinFileDescriptorNumber  uint64 `toml:"min_file_descriptor_number"`
	MaxPercentageOfErrorDisk int    `toml:"max_percentage_of_error_disk"`

	SnapshotExpireTimeSec         int `toml:"snapshot_expire_time_sec"`
	TrashFileExpireTimeSec        int `toml:"trash_file_expire_time_sec"`
	StorageFloodStageUsagePercent int `toml:"storage_flood_stage_usage_percent"`
	GarbageSweepBatchSize         int `toml:"garbage_sweep_batch_size"`

	// Interval bounds for the trash sweeper; the actual interval shrinks as
	// disk usage grows.
	MaxGarbageSweepIntervalSec int `toml:"max_garbage_sweep_interval"`
	MinGarbageSweepIntervalSec int `toml:"min_garbage_sweep_interval"`

	UnusedRowsetMonitorIntervalSec int `toml:"unused_rowset_monitor_interval"`
	DiskStatMonitorIntervalSec     int `toml:"disk_stat_monitor_interval"`
	UnusedRowsetDelaySec           int `toml:"unused_rowset_delay_sec"`

	DefaultRowsetType string `toml:"default_rowset_type"` // ALPHA | BETA

	EnableCompactionPriorityScheduling  bool `toml:"enable_compaction_priority_scheduling"`
	LowPriorityCompactionTaskNumPerDisk int  `toml:"low_priority_compaction_task_num_per_disk"`
	BaseCompactionThreadNum             int  `toml:"base_compaction_thread_num"`
	CumulativeCompactionThreadNum       int  `toml:"cumulative_compaction_thread_num"`

	MaxRunningTxnNumPerDB           int  `toml:"max_running_txn_num_per_db"`
	LabelNumThreshold               int  `toml:"label_num_threshold"`
	LabelKeepMaxSecond              int  `toml:"label_keep_max_second"`
	StreamingLabelKeepMaxSecond     int  `toml:"streaming_label_keep_max_second"`
	LockReportingThresholdMs        int  `toml:"lock_reporting_threshold_ms"`
	PublishWaitTimeSecond           int  `toml:"publish_wait_time_second"`
	PublishVersionCheckAlterReplica bool `toml:"publish_version_check_alter_replica"`
	PublishFailLogIntervalSecond    int  `toml:"publish_fail_log_interval_second"`

	// Paths marked broken by the disk monitor, persisted across restarts.
	BrokenStoragePath []string `toml:"broken_storage_path"`
	// File the broken path list is persisted to. Empty disables persistence.
	BrokenPathPersistFile string `toml:"broken_path_persist_file"`
}

const (
	KB int64 = 1024
	MB int64 = 1024 * 1024
	GB int64 = 1024 * 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:                 "127.0.0.1:9060",
		HTTPAddr:                  "127.0.0.1:8040",
		LogLevel:                  getLogLevel(),
		StorePaths:                []string{"/tmp/doris_storage"},
		TabletMapShardSize:        4,
		TxnMapShardSize:           128,
		TxnShardSize:              1024,
		PartitionDiskIndexLRUSize: 10000,
		MinFileDescriptorNumber:   60000,
		MaxPercentageOfErrorDisk:  0,
		SnapshotExpireTimeSec:     172800,
		TrashFileExpireTimeSec:    259200,

		StorageFloodStageUsagePercent: 90,
		GarbageSweepBatchSize:         100,
		MaxGarbageSweepIntervalSec:    3600,
		MinGarbageSweepIntervalSec:    180,

		UnusedRowsetMonitorIntervalSec: 30,
		DiskStatMonitorIntervalSec:     5,
		UnusedRowsetDelaySec:           1800,
		DefaultRowsetType:              "BETA",

		EnableCompactionPriorityScheduling:  true,
		LowPriorityCompactionTaskNumPerDisk: 1,
		BaseCompactionThreadNum:             4,
		CumulativeCompactionThreadNum:       10,

		MaxRunningTxnNumPerDB:           1000,
		LabelNumThreshold:               2000,
		LabelKeepMaxSecond:              3 * 24 * 3600,
		StreamingLabelKeepMaxSecond:     12 * 3600,
		LockReportingThresholdMs:        3000,
		PublishWaitTimeSecond:           300,
		PublishVersionCheckAlterReplica: true,
		PublishFailLogIntervalSecond:    5,
	}
}

func NewTestConfig() *Config {
	c := NewDefaultConfig()
	c.SnapshotExpireTimeSec = 1
	c.TrashFileExpireTimeSec = 1
	c.MinGarbageSweepIntervalSec = 1
	c.MaxGarbageSweepIntervalSec = 1
	c.UnusedRowsetMonitorIntervalSec = 1
	c.DiskStatMonitorIntervalSec = 1
	c.UnusedRowsetDelaySec = 0
	c.MinFileDescriptorNumber = 0
	c.LockReportingThresholdMs = 100
	return c
}

func (c *Config) Validate() error {
	if len(c.StorePaths) == 0 {
		return fmt.Errorf("at least one storage_root_path is required")
	}
	if _, err := c.ParseStorePaths(); err != nil {
		return err
	}
	switch strings.ToUpper(c.DefaultRowsetType) {
	case "ALPHA", "BETA":
	default:
		return fmt.Errorf("unknown default_rowset_type %q", c.DefaultRowsetType)
	}
	if c.MaxPercentageOfErrorDisk < 0 || c.MaxPercentageOfErrorDisk > 100 {
		return fmt.Errorf("max_percentage_of_error_disk must be in [0, 100]")
	}
	if c.StorageFloodStageUsagePercent <= 0 || c.StorageFloodStageUsagePercent > 100 {
		return fmt.Errorf("storage_flood_stage_usage_percent must be in (0, 100]")
	}
	if c.MinGarbageSweepIntervalSec > c.MaxGarbageSweepIntervalSec {
		return fmt.Errorf("min_garbage_sweep_interval must not exceed max_garbage_sweep_interval")
	}
	return nil
}

// ParseStorePaths expands the raw StorePaths entries. Duplicate paths are an
// error because a DataDir's root path is its identity.
func (c *Config) ParseStorePaths() ([]StorePath, error) {
	seen := make(map[string]struct{}, len(c.StorePaths))
	parsed := make([]StorePath, 0, len(c.StorePaths))
	for _, raw := range c.StorePaths {
		sp, err := ParseStorePath(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[sp.Path]; ok {
			return nil, fmt.Errorf("duplicated storage_root_path %q", sp.Path)
		}
		seen[sp.Path] = struct{}{}
		parsed = append(parsed, sp)
	}
	return parsed, nil
}

func ParseStorePath(raw string) (StorePath, error) {
	var sp StorePath
	fields := strings.Split(strings.TrimSpace(raw), ",")
	if fields[0] == "" {
		return sp, fmt.Errorf("empty storage_root_path entry in %q", raw)
	}
	sp.Path = fields[0]
	sp.Medium = MediumHDD
	upper := strings.ToUpper(sp.Path)
	if strings.HasSuffix(upper, ".SSD") {
		sp.Medium = MediumSSD
		sp.Path = sp.Path[:len(sp.Path)-len(".SSD")]
	} else if strings.HasSuffix(upper, ".HDD") {
		sp.Path = sp.Path[:len(sp.Path)-len(".HDD")]
	}
	if len(fields) > 1 && strings.TrimSpace(fields[1]) != "" {
		capBytes, err := units.RAMInBytes(strings.TrimSpace(fields[1]))
		if err != nil {
			return sp, errors.Annotatef(err, "invalid capacity in storage_root_path %q", raw)
		}
		sp.CapacityBytes = capBytes
	}
	return sp, nil
}

func (c *Config) LoadFromFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (c *Config) SnapshotExpire() time.Duration {
	return time.Duration(c.SnapshotExpireTimeSec) * time.Second
}

func (c *Config) TrashFileExpire() time.Duration {
	return time.Duration(c.TrashFileExpireTimeSec) * time.Second
}
