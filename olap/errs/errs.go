// Package errs carries the typed error kinds shared by the storage engine and
// the transaction layer. Callers match on Kind with errs.Is; the wrapped cause
// keeps its stack through pingcap/errors.
package errs

import (
	"fmt"

	"github.com/pingcap/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindCorruption
	KindIO
	KindOS
	KindMemoryAllocFailed
	KindExceededLimit
	KindCmdParamsError
	KindNoAvailableRootPath
	KindInvalidRootPath
	KindDuplicatedRequest
	KindLabelAlreadyUsed
	KindTransactionNotFound
	KindTransactionCommitFailed
	KindTabletQuorumFailed
	KindQuotaExceeded
	KindBeginTxnLimitExceeded
	KindMetaNotFound
)

var kindNames = map[Kind]string{
	KindInternal:                "INTERNAL",
	KindCorruption:              "CORRUPTION",
	KindIO:                      "IO",
	KindOS:                      "OS",
	KindMemoryAllocFailed:       "MEMORY_ALLOC_FAILED",
	KindExceededLimit:           "EXCEEDED_LIMIT",
	KindCmdParamsError:          "CE_CMD_PARAMS_ERROR",
	KindNoAvailableRootPath:     "NO_AVAILABLE_ROOT_PATH",
	KindInvalidRootPath:         "INVALID_ROOT_PATH",
	KindDuplicatedRequest:       "DUPLICATED_REQUEST",
	KindLabelAlreadyUsed:        "LABEL_ALREADY_USED",
	KindTransactionNotFound:     "TRANSACTION_NOT_FOUND",
	KindTransactionCommitFailed: "TRANSACTION_COMMIT_FAILED",
	KindTabletQuorumFailed:      "TABLET_QUORUM_FAILED",
	KindQuotaExceeded:           "QUOTA_EXCEEDED",
	KindBeginTxnLimitExceeded:   "BEGIN_TXN_LIMIT_EXCEEDED",
	KindMetaNotFound:            "META_NOT_FOUND",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int(k))
}

// Error is a kinded error. Wrap places the cause beneath it; further wrapping
// is done with errors.Annotate so the kind survives.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.msg)
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, msg string) error {
	return errors.Trace(&Error{kind: kind, msg: msg})
}

func Errorf(kind Kind, format string, args ...interface{}) error {
	return errors.Trace(&Error{kind: kind, msg: fmt.Sprintf(format, args...)})
}

func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return errors.Trace(&Error{kind: kind, msg: msg, cause: cause})
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.kind == kind
		}
		switch v := err.(type) {
		case interface{ Cause() error }:
			err = v.Cause()
		case interface{ Unwrap() error }:
			err = v.Unwrap()
		default:
			return false
		}
	}
	return false
}

// KindOf returns the kind carried by err, or KindInternal when none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.kind
		}
		switch v := err.(type) {
		case interface{ Cause() error }:
			err = v.Cause()
		case interface{ Unwrap() error }:
			err = v.Unwrap()
		default:
			return KindInternal
		}
	}
	return KindInternal
}
