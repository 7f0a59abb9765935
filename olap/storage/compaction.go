package storage

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
)

// CompactionType selects which merge policy a submitted task runs.
type CompactionType int

const (
	CompactionBase CompactionType = iota
	CompactionCumulative
)

func (t CompactionType) String() string {
	if t == CompactionBase {
		return "base"
	}
	return "cumulative"
}

// compactionScheduler owns the bounded worker pools and the submitted sets.
// The compaction algorithms themselves live with the tablets; the scheduler
// only dedups submissions and bounds concurrency.
type compactionScheduler struct {
	cfg *config.Config

	mu        sync.Mutex
	submitted map[CompactionType]map[int64]struct{}
	// lowPriorityPerDisk counts running low-priority tasks per data dir path.
	lowPriorityPerDisk map[string]int

	basePool       chan struct{}
	cumulativePool chan struct{}

	wg      sync.WaitGroup
	stopped chan struct{}
}

func newCompactionScheduler(cfg *config.Config) *compactionScheduler {
	baseN := cfg.BaseCompactionThreadNum
	if baseN <= 0 {
		baseN = 1
	}
	cumuN := cfg.CumulativeCompactionThreadNum
	if cumuN <= 0 {
		cumuN = 1
	}
	return &compactionScheduler{
		cfg: cfg,
		submitted: map[CompactionType]map[int64]struct{}{
			CompactionBase:       {},
			CompactionCumulative: {},
		},
		lowPriorityPerDisk: make(map[string]int),
		basePool:           make(chan struct{}, baseN),
		cumulativePool:     make(chan struct{}, cumuN),
		stopped:            make(chan struct{}),
	}
}

func (c *compactionScheduler) start(e *Engine) {}

func (c *compactionScheduler) stop() {
	close(c.stopped)
	c.wg.Wait()
}

func (c *compactionScheduler) pool(tp CompactionType) chan struct{} {
	if tp == CompactionBase {
		return c.basePool
	}
	return c.cumulativePool
}

// SubmitCompactionTask queues a compaction of the tablet. Duplicate
// submissions for a (type, tablet) pair are dropped. With priority scheduling
// enabled, low-priority tasks are refused once a disk already runs
// low_priority_compaction_task_num_per_disk of them.
func (e *Engine) SubmitCompactionTask(t *Tablet, tp CompactionType, lowPriority bool, run func()) bool {
	c := e.compaction
	diskPath := ""
	if t.DataDir() != nil {
		diskPath = t.DataDir().Path()
	}

	c.mu.Lock()
	if _, ok := c.submitted[tp][t.ID]; ok {
		c.mu.Unlock()
		return false
	}
	if lowPriority && c.cfg.EnableCompactionPriorityScheduling {
		if c.lowPriorityPerDisk[diskPath] >= c.cfg.LowPriorityCompactionTaskNumPerDisk {
			c.mu.Unlock()
			return false
		}
		c.lowPriorityPerDisk[diskPath]++
	}
	c.submitted[tp][t.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.submitted[tp], t.ID)
			if lowPriority && c.cfg.EnableCompactionPriorityScheduling {
				c.lowPriorityPerDisk[diskPath]--
			}
			c.mu.Unlock()
		}()
		pool := c.pool(tp)
		select {
		case <-c.stopped:
			return
		case pool <- struct{}{}:
		}
		defer func() { <-pool }()
		log.Debug("run compaction task",
			zap.Int64("tabletID", t.ID), zap.Stringer("type", tp))
		if run != nil {
			run()
		}
	}()
	return true
}

// GetCompactionStatusJSON reports the submitted sets, mirroring what the
// admin HTTP endpoint serves.
func (e *Engine) GetCompactionStatusJSON() (string, error) {
	c := e.compaction
	c.mu.Lock()
	status := struct {
		BaseTablets       []int64 `json:"base_compaction_tablets"`
		CumulativeTablets []int64 `json:"cumulative_compaction_tablets"`
	}{}
	for id := range c.submitted[CompactionBase] {
		status.BaseTablets = append(status.BaseTablets, id)
	}
	for id := range c.submitted[CompactionCumulative] {
		status.CumulativeTablets = append(status.CumulativeTablets, id)
	}
	c.mu.Unlock()
	sort.Slice(status.BaseTablets, func(i, j int) bool { return status.BaseTablets[i] < status.BaseTablets[j] })
	sort.Slice(status.CumulativeTablets, func(i, j int) bool { return status.CumulativeTablets[i] < status.CumulativeTablets[j] })
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
