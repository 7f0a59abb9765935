package transaction

import (
	"fmt"
	"sync"
	"time"
)

// Status is the load-transaction state machine position.
//
//	PREPARE -> COMMITTED -> VISIBLE
//	PREPARE -> PRECOMMITTED -> COMMITTED
//	PREPARE | PRECOMMITTED -> ABORTED
//
// VISIBLE and ABORTED are final; everything else is running.
type Status int

const (
	StatusUnknown Status = iota
	StatusPrepare
	StatusPrecommitted
	StatusCommitted
	StatusVisible
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPrepare:
		return "PREPARE"
	case StatusPrecommitted:
		return "PRECOMMITTED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusVisible:
		return "VISIBLE"
	case StatusAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

func (s Status) IsFinal() bool {
	return s == StatusVisible || s == StatusAborted
}

// SourceType records who drove the load.
type SourceType int

const (
	SourceFrontend SourceType = iota
	SourceBackend
	SourceFrontendStreaming
	SourceRoutineLoadTask
	SourceBatchLoadJob
)

func (t SourceType) String() string {
	switch t {
	case SourceFrontend:
		return "FRONTEND"
	case SourceBackend:
		return "BACKEND"
	case SourceFrontendStreaming:
		return "FRONTEND_STREAMING"
	case SourceRoutineLoadTask:
		return "ROUTINE_LOAD_TASK"
	case SourceBatchLoadJob:
		return "BATCH_LOAD_JOB"
	}
	return "UNKNOWN"
}

// Coordinator describes where the load originated.
type Coordinator struct {
	SourceType SourceType
	IP         string
}

// PartitionCommitInfo fixes the version one partition will advance to when
// the transaction publishes.
type PartitionCommitInfo struct {
	PartitionID int64
	// Version is the partition's target visible version; -1 until a 2PC
	// transaction runs its final commit.
	Version     int64
	VersionTime time.Time
	RangeDesc   string
}

// TableCommitInfo groups the partition commit infos of one table.
type TableCommitInfo struct {
	TableID              int64
	PartitionCommitInfos map[int64]*PartitionCommitInfo
}

func NewTableCommitInfo(tableID int64) *TableCommitInfo {
	return &TableCommitInfo{
		TableID:              tableID,
		PartitionCommitInfos: make(map[int64]*PartitionCommitInfo),
	}
}

// TabletCommitInfo is one (tablet, backend) success report delivered with a
// commit request.
type TabletCommitInfo struct {
	TabletID  int64
	BackendID int64
}

// PublishVersionTask tracks one backend's publish RPC for a transaction.
// Newer backends report the exact tablets that succeeded; legacy backends
// only report the failing ones, with SuccTablets left nil.
type PublishVersionTask struct {
	BackendID    int64
	TxnID        int64
	Version      int64
	Finished     bool
	SuccTablets  []int64
	ErrorTablets []int64
}

func (t *PublishVersionTask) succeededOn(tabletID int64) (ok, reported bool) {
	if t.SuccTablets == nil {
		return false, false
	}
	for _, id := range t.SuccTablets {
		if id == tabletID {
			return true, true
		}
	}
	return false, true
}

func (t *PublishVersionTask) erroredOn(tabletID int64) bool {
	for _, id := range t.ErrorTablets {
		if id == tabletID {
			return true
		}
	}
	return false
}

// State is the full record of one load transaction.
type State struct {
	TxnID       int64
	Label       string
	DBID        int64
	TableIDList []int64
	Coordinator Coordinator
	// RequestID makes begin retryable: a second begin with the same label and
	// request id returns the original transaction.
	RequestID string
	// CallbackID keys the state-change listener, 0 = none.
	CallbackID int64

	TimeoutMs int64

	mu     sync.Mutex
	status Status
	reason string

	prepareTime      time.Time
	preCommitTime    time.Time
	commitTime       time.Time
	firstPublishTime time.Time
	lastPublishTime  time.Time
	finishTime       time.Time

	errMsg string

	errorReplicas map[int64]struct{}

	tableCommitInfos map[int64]*TableCommitInfo

	publishVersionTasks map[int64]*PublishVersionTask // backendID -> task

	// loadedTableIndexIDs restricts quorum checks to the declared subset of
	// materialized indexes; empty means all.
	loadedTableIndexIDs map[int64][]int64

	// publishTimeoutProlonged marks transactions whose tables were in rollup
	// or schema change at commit; publish tasks get a longer deadline.
	publishTimeoutProlonged bool
}

func newState(txnID int64, label string, dbID int64, tableIDs []int64,
	coordinator Coordinator, requestID string, timeoutMs int64, callbackID int64) *State {
	return &State{
		TxnID:               txnID,
		Label:               label,
		DBID:                dbID,
		TableIDList:         append([]int64(nil), tableIDs...),
		Coordinator:         coordinator,
		RequestID:           requestID,
		CallbackID:          callbackID,
		TimeoutMs:           timeoutMs,
		status:              StatusPrepare,
		prepareTime:         time.Now(),
		errorReplicas:       make(map[int64]struct{}),
		tableCommitInfos:    make(map[int64]*TableCommitInfo),
		publishVersionTasks: make(map[int64]*PublishVersionTask),
		loadedTableIndexIDs: make(map[int64][]int64),
	}
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *State) ErrMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

func (s *State) setErrMsg(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
}

func (s *State) PrepareTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepareTime
}

func (s *State) CommitTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitTime
}

func (s *State) FinishTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishTime
}

// setStatus applies a transition and stamps the matching timestamp. Legality
// is the caller's job; the per-database manager serializes all transitions.
func (s *State) setStatus(status Status, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	switch status {
	case StatusPrecommitted:
		s.preCommitTime = now
	case StatusCommitted:
		s.commitTime = now
	case StatusVisible, StatusAborted:
		s.finishTime = now
	}
}

func (s *State) setReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
}

// MarkPublishAttempt records a publish wave.
func (s *State) MarkPublishAttempt(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstPublishTime.IsZero() {
		s.firstPublishTime = now
	}
	s.lastPublishTime = now
}

func (s *State) FirstPublishTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstPublishTime
}

func (s *State) AddErrorReplica(replicaID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorReplicas[replicaID] = struct{}{}
}

func (s *State) removeErrorReplica(replicaID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errorReplicas, replicaID)
}

func (s *State) IsErrorReplica(replicaID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.errorReplicas[replicaID]
	return ok
}

func (s *State) ErrorReplicaIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.errorReplicas))
	for id := range s.errorReplicas {
		out = append(out, id)
	}
	return out
}

func (s *State) putTableCommitInfo(info *TableCommitInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tableCommitInfos[info.TableID] = info
}

func (s *State) TableCommitInfo(tableID int64) *TableCommitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableCommitInfos[tableID]
}

func (s *State) TableCommitInfos() []*TableCommitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TableCommitInfo, 0, len(s.tableCommitInfos))
	for _, info := range s.tableCommitInfos {
		out = append(out, info)
	}
	return out
}

func (s *State) removeTableCommitInfo(tableID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tableCommitInfos, tableID)
}

// ReservePublishTask creates the placeholder slot for a backend at commit
// time; the real task arrives with the publish result.
func (s *State) ReservePublishTask(backendID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.publishVersionTasks[backendID]; !ok {
		s.publishVersionTasks[backendID] = nil
	}
}

func (s *State) SetPublishTask(task *PublishVersionTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishVersionTasks[task.BackendID] = task
}

func (s *State) PublishTask(backendID int64) *PublishVersionTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishVersionTasks[backendID]
}

func (s *State) PublishTaskBackends() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.publishVersionTasks))
	for be := range s.publishVersionTasks {
		out = append(out, be)
	}
	return out
}

func (s *State) SetLoadedTableIndexIDs(tableID int64, indexIDs []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedTableIndexIDs[tableID] = append([]int64(nil), indexIDs...)
}

func (s *State) loadedIndexesOf(tableID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedTableIndexIDs[tableID]
}

// ProlongPublishTimeout doubles the patience for transactions racing a
// schema change; the alter job will backfill whatever publish misses.
func (s *State) ProlongPublishTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishTimeoutProlonged = true
}

func (s *State) publishWaitBudget(base time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishTimeoutProlonged {
		return 2 * base
	}
	return base
}

// isShortLabel picks the retention deque: streaming-style loads churn labels
// fast and keep them briefly; batch loads keep them for days.
func (s *State) isShortLabel() bool {
	switch s.Coordinator.SourceType {
	case SourceBackend, SourceFrontendStreaming, SourceRoutineLoadTask:
		return true
	}
	return false
}

func (s *State) isExpired(now time.Time, shortKeep, longKeep time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.IsFinal() || s.finishTime.IsZero() {
		return false
	}
	keep := longKeep
	if s.isShortLabelLocked() {
		keep = shortKeep
	}
	return now.Sub(s.finishTime) > keep
}

func (s *State) isShortLabelLocked() bool {
	switch s.Coordinator.SourceType {
	case SourceBackend, SourceFrontendStreaming, SourceRoutineLoadTask:
		return true
	}
	return false
}

func (s *State) isTimeout(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPrepare && s.status != StatusPrecommitted {
		return false
	}
	return now.Sub(s.prepareTime) > time.Duration(s.TimeoutMs)*time.Millisecond
}

func (s *State) String() string {
	return fmt.Sprintf("txn[id=%d, label=%s, db=%d, status=%s]",
		s.TxnID, s.Label, s.DBID, s.Status())
}
