package txn

import "fmt"

// ErrorClass is the closed taxonomy every store-layer error is classified
// into before the attempt acts on it.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassDocNotFound
	ClassDocAlreadyExists
	ClassCasMismatch
	ClassAtrFull
	ClassTransient
	ClassAmbiguous
	ClassPathNotFound
	ClassPathAlreadyExists
	ClassHard
	ClassExpiry
)

func (c ErrorClass) String() string {
	switch c {
	case ClassDocNotFound:
		return "FAIL_DOC_NOT_FOUND"
	case ClassDocAlreadyExists:
		return "FAIL_DOC_ALREADY_EXISTS"
	case ClassCasMismatch:
		return "FAIL_CAS_MISMATCH"
	case ClassAtrFull:
		return "FAIL_ATR_FULL"
	case ClassTransient:
		return "FAIL_TRANSIENT"
	case ClassAmbiguous:
		return "FAIL_AMBIGUOUS"
	case ClassPathNotFound:
		return "FAIL_PATH_NOT_FOUND"
	case ClassPathAlreadyExists:
		return "FAIL_PATH_ALREADY_EXISTS"
	case ClassHard:
		return "FAIL_HARD"
	case ClassExpiry:
		return "FAIL_EXPIRY"
	default:
		return "FAIL_OTHER"
	}
}

// StoreErrorCode is the small set of underlying store response codes the
// classifier maps into ErrorClass. The concrete Store implementation is
// responsible for translating its own wire errors into these.
type StoreErrorCode int

const (
	StoreErrOther StoreErrorCode = iota
	StoreErrDocNotFound
	StoreErrDocExists
	StoreErrCasMismatch
	StoreErrAtrFull
	StoreErrTransient
	StoreErrAmbiguous
	StoreErrPathNotFound
	StoreErrPathExists
	StoreErrTimeout
	StoreErrExpiry
)

// PathError carries multi-path sub-document response detail, so the
// classifier can re-map a first-failing-path PATH_NOT_FOUND/PATH_EXISTS
// into its dedicated class.
type PathError struct {
	Code       StoreErrorCode
	FirstIndex int
}

// StoreError is the error type a Store implementation returns. ClassifyError
// turns it into an ErrorClass; the attempt never inspects StoreError fields
// directly.
type StoreError struct {
	Code  StoreErrorCode
	Paths []PathError
	Cause error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error %v: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("store error %v", e.Code)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// ClassifyError maps a StoreError into the closed ErrorClass taxonomy. For a
// multi-path sub-document response, the first failing path's own code wins
// when it is itself a path-level error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	se, ok := err.(*StoreError)
	if !ok {
		return ClassOther
	}
	if len(se.Paths) > 0 {
		switch se.Paths[0].Code {
		case StoreErrPathNotFound:
			return ClassPathNotFound
		case StoreErrPathExists:
			return ClassPathAlreadyExists
		}
	}
	switch se.Code {
	case StoreErrDocNotFound:
		return ClassDocNotFound
	case StoreErrDocExists:
		return ClassDocAlreadyExists
	case StoreErrCasMismatch:
		return ClassCasMismatch
	case StoreErrAtrFull:
		return ClassAtrFull
	case StoreErrTransient:
		return ClassTransient
	case StoreErrAmbiguous:
		return ClassAmbiguous
	case StoreErrPathNotFound:
		return ClassPathNotFound
	case StoreErrPathExists:
		return ClassPathAlreadyExists
	case StoreErrTimeout:
		return ClassTransient
	case StoreErrExpiry:
		return ClassExpiry
	default:
		return ClassHard
	}
}

// TransactionOperationFailedError wraps a classified error raised by an
// attempt operation, with the four orthogonal flags the attempt state machine.
// It is always the concrete error type an attempt operation returns on
// failure — never a bare StoreError.
type TransactionOperationFailedError struct {
	Class             ErrorClass
	Retry             bool
	Rollback          bool
	Expired           bool
	FailedPostCommit  bool
	Cause             error
}

func (e *TransactionOperationFailedError) Error() string {
	return fmt.Sprintf("transaction operation failed (%s retry=%v rollback=%v expired=%v failed_post_commit=%v): %v",
		e.Class, e.Retry, e.Rollback, e.Expired, e.FailedPostCommit, e.Cause)
}

func (e *TransactionOperationFailedError) Unwrap() error { return e.Cause }

// newOpFailed is the single constructor every classified failure funnels
// through, so the four flags are always set deliberately.
func newOpFailed(class ErrorClass, retry, rollback, expired, failedPostCommit bool, cause error) *TransactionOperationFailedError {
	return &TransactionOperationFailedError{
		Class: class, Retry: retry, Rollback: rollback,
		Expired: expired, FailedPostCommit: failedPostCommit, Cause: cause,
	}
}

// FailureType is the terminal classification surfaced to the caller of a
// transaction when an attempt cannot continue.
type FailureType int

const (
	FailureTypeFail FailureType = iota
	FailureTypeExpiry
	FailureTypeCommitAmbiguous
	FailureTypeFailedPostCommit
)

func (f FailureType) String() string {
	switch f {
	case FailureTypeExpiry:
		return "EXPIRY"
	case FailureTypeCommitAmbiguous:
		return "COMMIT_AMBIGUOUS"
	case FailureTypeFailedPostCommit:
		return "FAILED_POST_COMMIT"
	default:
		return "FAIL"
	}
}

// TransactionFailedError is the terminal exception a transaction's Run
// surfaces on non-recoverable failure.
type TransactionFailedError struct {
	Type    FailureType
	Cause   *TransactionOperationFailedError
	Message string
}

func (e *TransactionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *TransactionFailedError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// errAlreadyFailed is returned by every attempt operation issued after the
// attempt's first operation failure "fail fast with
// 'previous operation failed'".
var errAlreadyFailed = fmt.Errorf("previous operation failed")
