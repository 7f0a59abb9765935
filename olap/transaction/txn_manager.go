package transaction

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/awkwardd/doris/config"
)

// idGenerator mints globally-unique, monotonic transaction ids.
type idGenerator struct {
	counter atomic.Int64
}

func (g *idGenerator) next() int64 { return g.counter.Inc() }

// Callback hooks observe transaction state transitions. A nil-returning
// registry lookup means the transaction has no listener.
type Callback interface {
	BeforeStateTransform(st *State, to Status) error
	AfterStateTransform(st *State, to Status)
	AfterVisible(st *State)
	AfterAborted(st *State)
}

type callbackRegistry struct {
	mu        sync.RWMutex
	callbacks map[int64]Callback
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{callbacks: make(map[int64]Callback)}
}

func (r *callbackRegistry) Register(id int64, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[id] = cb
}

func (r *callbackRegistry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, id)
}

func (r *callbackRegistry) get(id int64) Callback {
	if id == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callbacks[id]
}

func (r *callbackRegistry) beforeStateTransform(st *State, to Status) error {
	if cb := r.get(st.CallbackID); cb != nil {
		return cb.BeforeStateTransform(st, to)
	}
	return nil
}

func (r *callbackRegistry) afterStateTransform(st *State, to Status) {
	if cb := r.get(st.CallbackID); cb != nil {
		cb.AfterStateTransform(st, to)
	}
}

func (r *callbackRegistry) afterVisible(st *State) {
	if cb := r.get(st.CallbackID); cb != nil {
		cb.AfterVisible(st)
	}
}

func (r *callbackRegistry) afterAborted(st *State) {
	if cb := r.get(st.CallbackID); cb != nil {
		cb.AfterAborted(st)
	}
}

// ClearTransactionTask asks one backend to drop the leftovers of an aborted
// transaction.
type ClearTransactionTask struct {
	BackendID    int64
	TxnID        int64
	PartitionIDs []int64
}

// ClearTaskSender ships batched clear tasks to the backends.
type ClearTaskSender interface {
	SendClearTransactionTasks(tasks []ClearTransactionTask)
}

// clearTaskQueue batches clear-transaction tasks; the queue flushes once it
// outgrows twice the backend count.
type clearTaskQueue struct {
	mu     sync.Mutex
	tasks  []ClearTransactionTask
	sender ClearTaskSender
}

func newClearTaskQueue(sender ClearTaskSender) *clearTaskQueue {
	return &clearTaskQueue{sender: sender}
}

func (q *clearTaskQueue) enqueueForAllBackends(backendIDs []int64, txnID int64, partitionIDs []int64) {
	q.mu.Lock()
	for _, be := range backendIDs {
		q.tasks = append(q.tasks, ClearTransactionTask{
			BackendID:    be,
			TxnID:        txnID,
			PartitionIDs: partitionIDs,
		})
	}
	var flush []ClearTransactionTask
	if len(q.tasks) > 2*len(backendIDs) {
		flush = q.tasks
		q.tasks = nil
	}
	q.mu.Unlock()
	if len(flush) > 0 && q.sender != nil {
		q.sender.SendClearTransactionTasks(flush)
	}
}

func (q *clearTaskQueue) flush() {
	q.mu.Lock()
	flush := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	if len(flush) > 0 && q.sender != nil {
		q.sender.SendClearTransactionTasks(flush)
	}
}

func (q *clearTaskQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Manager is the process-wide transaction dispatcher: every operation routes
// to the per-database manager, created on first touch.
type Manager struct {
	cfg      *config.Config
	stateMgr GlobalStateMgr

	idGen      *idGenerator
	callbacks  *callbackRegistry
	clearTasks *clearTaskQueue

	mu     sync.RWMutex
	dbMgrs map[int64]*DatabaseTransactionManager

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg *config.Config, stateMgr GlobalStateMgr, sender ClearTaskSender) *Manager {
	return &Manager{
		cfg:        cfg,
		stateMgr:   stateMgr,
		idGen:      &idGenerator{},
		callbacks:  newCallbackRegistry(),
		clearTasks: newClearTaskQueue(sender),
		dbMgrs:     make(map[int64]*DatabaseTransactionManager),
		stopCh:     make(chan struct{}),
	}
}

// GetDatabaseTransactionMgr returns the per-database manager, creating it on
// demand.
func (m *Manager) GetDatabaseTransactionMgr(dbID int64) *DatabaseTransactionManager {
	m.mu.RLock()
	mgr := m.dbMgrs[dbID]
	m.mu.RUnlock()
	if mgr != nil {
		return mgr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr = m.dbMgrs[dbID]; mgr == nil {
		mgr = newDatabaseTransactionManager(dbID, m.cfg, m.stateMgr, m.idGen, m.callbacks, m.clearTasks)
		m.dbMgrs[dbID] = mgr
	}
	return mgr
}

func (m *Manager) RegisterCallback(id int64, cb Callback) { m.callbacks.Register(id, cb) }
func (m *Manager) UnregisterCallback(id int64)            { m.callbacks.Unregister(id) }

// BeginTransaction routes to the database manager. A DuplicatedRequestError
// is resolved here: the retry gets the original transaction id back.
func (m *Manager) BeginTransaction(dbID int64, tableIDs []int64, label, requestID string,
	coordinator Coordinator, timeoutMs int64, callbackID int64) (int64, error) {
	txnID, err := m.GetDatabaseTransactionMgr(dbID).BeginTransaction(
		tableIDs, label, requestID, coordinator, timeoutMs, callbackID)
	if err != nil {
		if dup, ok := err.(*DuplicatedRequestError); ok {
			log.Info("duplicated begin request, reuse txn",
				zap.Int64("dbID", dbID), zap.String("label", label),
				zap.Int64("txnID", dup.TxnID))
			return dup.TxnID, nil
		}
		return 0, err
	}
	return txnID, nil
}

func (m *Manager) PreCommitTransaction(dbID, txnID int64, infos []TabletCommitInfo) error {
	return m.GetDatabaseTransactionMgr(dbID).PreCommitTransaction(txnID, infos)
}

func (m *Manager) CommitTransaction(dbID, txnID int64, infos []TabletCommitInfo) error {
	return m.GetDatabaseTransactionMgr(dbID).CommitTransaction(txnID, infos)
}

func (m *Manager) CommitPreparedTransaction(dbID, txnID int64) error {
	return m.GetDatabaseTransactionMgr(dbID).CommitPreparedTransaction(txnID)
}

func (m *Manager) AbortTransaction(dbID, txnID int64, reason string) error {
	return m.GetDatabaseTransactionMgr(dbID).AbortTransaction(txnID, reason)
}

func (m *Manager) UpdatePublishTaskResult(dbID, txnID int64, task *PublishVersionTask) error {
	return m.GetDatabaseTransactionMgr(dbID).UpdatePublishTaskResult(txnID, task)
}

func (m *Manager) FinishTransaction(dbID, txnID int64) error {
	return m.GetDatabaseTransactionMgr(dbID).FinishTransaction(txnID)
}

// ClearTransaction enqueues explicit clear tasks for one transaction.
func (m *Manager) ClearTransaction(txnID int64, partitionIDs []int64) {
	m.clearTasks.enqueueForAllBackends(m.stateMgr.GetBackendIDs(), txnID, partitionIDs)
}

// FlushClearTasks drains the queued clear tasks immediately.
func (m *Manager) FlushClearTasks() {
	m.clearTasks.flush()
}

// RemoveExpiredAndTimeoutTxns runs one expiry round across all databases.
func (m *Manager) RemoveExpiredAndTimeoutTxns(now time.Time) {
	m.mu.RLock()
	mgrs := make([]*DatabaseTransactionManager, 0, len(m.dbMgrs))
	for _, mgr := range m.dbMgrs {
		mgrs = append(mgrs, mgr)
	}
	m.mu.RUnlock()
	for _, mgr := range mgrs {
		mgr.RemoveExpiredAndTimeoutTxns(now)
	}
}

// Start launches the expiry sweeper.
func (m *Manager) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.RemoveExpiredAndTimeoutTxns(time.Now())
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.clearTasks.flush()
}
