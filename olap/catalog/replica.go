package catalog

import (
	"sync"
)

// ReplicaState mirrors the lifecycle of one tablet replica on a backend.
type ReplicaState int

const (
	ReplicaNormal ReplicaState = iota
	ReplicaClone
	ReplicaAlter
	ReplicaDecommission
)

// Replica is one backend's copy of a tablet. Version bookkeeping follows the
// publish protocol: version is the newest contiguous version the replica
// holds, lastFailedVersion the newest version it is known to have missed, and
// lastSuccessVersion the newest version it ever wrote successfully.
type Replica struct {
	ID        int64
	BackendID int64

	mu                 sync.Mutex
	state              ReplicaState
	version            int64
	lastFailedVersion  int64
	lastSuccessVersion int64
	// alterWatermarkTxnID: load txns with id at or below this predate the replica's
	// alter job and are not required to publish into it.
	alterWatermarkTxnID int64
}

func NewReplica(id, backendID, version int64) *Replica {
	return &Replica{
		ID:                 id,
		BackendID:          backendID,
		version:            version,
		lastFailedVersion:  -1,
		lastSuccessVersion: version,
	}
}

func (r *Replica) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Replica) LastFailedVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFailedVersion
}

func (r *Replica) LastSuccessVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccessVersion
}

func (r *Replica) State() ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replica) SetState(s ReplicaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Replica) SetAlterWatermark(txnID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alterWatermarkTxnID = txnID
}

func (r *Replica) AlterWatermark() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alterWatermarkTxnID
}

// UpdateVersionWithFailedInfo commits the post-publish version bookkeeping in
// one step. A lastFailedVersion at or below the resulting version is cleared;
// the success version never regresses.
func (r *Replica) UpdateVersionWithFailedInfo(newVersion, lastFailedVersion, lastSuccessVersion int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newVersion > r.version {
		r.version = newVersion
	}
	if lastFailedVersion > r.lastFailedVersion {
		r.lastFailedVersion = lastFailedVersion
	}
	if r.lastFailedVersion >= 0 && r.lastFailedVersion <= r.version {
		r.lastFailedVersion = -1
	}
	if lastSuccessVersion > r.lastSuccessVersion {
		r.lastSuccessVersion = lastSuccessVersion
	}
}

// SetLastFailedVersion records a missed version without touching the rest.
func (r *Replica) SetLastFailedVersion(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v > r.lastFailedVersion {
		r.lastFailedVersion = v
	}
}

// VersionContinuousTo reports whether the replica can apply target next:
// it holds target-1 and has no recorded gap.
func (r *Replica) VersionContinuousTo(target int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version >= target-1 && r.lastFailedVersion < 0
}
