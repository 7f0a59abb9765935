package transaction

import (
	"fmt"
)

// LabelAlreadyUsedError rejects a begin whose label is taken by a non-aborted
// transaction.
type LabelAlreadyUsedError struct {
	Label     string
	TxnID     int64
	TxnStatus Status
}

func (e *LabelAlreadyUsedError) Error() string {
	return fmt.Sprintf("label [%s] has already been used by txn %d (%s)",
		e.Label, e.TxnID, e.TxnStatus)
}

// DuplicatedRequestError signals an idempotent begin retry; it carries the
// transaction id of the original request.
type DuplicatedRequestError struct {
	RequestID string
	TxnID     int64
}

func (e *DuplicatedRequestError) Error() string {
	return fmt.Sprintf("duplicated request %s maps to txn %d", e.RequestID, e.TxnID)
}

// BeginTransactionError rejects a begin because the database hit its running
// transaction quota.
type BeginTransactionError struct {
	DBID    int64
	Running int
	Quota   int
}

func (e *BeginTransactionError) Error() string {
	return fmt.Sprintf("current running txns on db %d is %d, larger than limit %d",
		e.DBID, e.Running, e.Quota)
}

// NotFoundError reports an unknown transaction id.
type NotFoundError struct {
	TxnID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction [%d] not found", e.TxnID)
}

// CommitFailedError covers commit-time refusals that are not quorum failures.
type CommitFailedError struct {
	TxnID  int64
	Reason string
}

func (e *CommitFailedError) Error() string {
	return fmt.Sprintf("transaction [%d] commit failed: %s", e.TxnID, e.Reason)
}

// TabletQuorumFailedError reports a tablet that could not gather enough
// success replicas at commit, with the full replica breakdown.
type TabletQuorumFailedError struct {
	TxnID    int64
	TabletID int64
	Required int
	Succ     int
	Detail   string
}

func (e *TabletQuorumFailedError) Error() string {
	return fmt.Sprintf(
		"tablet %d succ replica num %d < quorum %d for txn %d: %s",
		e.TabletID, e.Succ, e.Required, e.TxnID, e.Detail)
}
