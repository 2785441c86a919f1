package mvcore

import "fmt"

// ErrorCode enumerates the error categories the storage core surfaces to
// callers, per the documented error taxonomy.
type ErrorCode int

const (
	// Unknown is an unspecified error condition.
	Unknown ErrorCode = iota
	// NotFound means the record id is absent.
	NotFound
	// InvalidID means the id is empty, too long, or carries a reserved mark byte.
	InvalidID
	// LockDenied means a required record or group lock is held by another owner.
	LockDenied
	// LockTableFull means no free cell was found in the lock table's probe sequence.
	LockTableFull
	// Deadlock means the wait-for graph walk detected a cycle.
	Deadlock
	// ReadOnly means a write was attempted on a read-only file variable.
	ReadOnly
	// Corrupt means an on-disk structure violated an invariant.
	Corrupt
	// IoError means a seek/read/write syscall failed.
	IoError
	// NoMemory means a buffer allocation failed.
	NoMemory
	// Triggered means a trigger callback vetoed the operation.
	Triggered
	// Retry means a transient failure the caller may retry immediately.
	Retry
)

func (c ErrorCode) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case InvalidID:
		return "InvalidID"
	case LockDenied:
		return "LockDenied"
	case LockTableFull:
		return "LockTableFull"
	case Deadlock:
		return "Deadlock"
	case ReadOnly:
		return "ReadOnly"
	case Corrupt:
		return "Corrupt"
	case IoError:
		return "IoError"
	case NoMemory:
		return "NoMemory"
	case Triggered:
		return "Triggered"
	case Retry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// Error is the storage core's error type: a code, the wrapped cause, and
// caller-relevant data (e.g. a lock's blocking user id).
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: user data: %v", e.Code, e.UserData)
	}
	return fmt.Errorf("%s: %w (user data: %v)", e.Code, e.Err, e.UserData).Error()
}

func (e Error) Unwrap() error { return e.Err }

// NewError constructs an Error with no wrapped cause.
func NewError(code ErrorCode, userData any) error {
	return Error{Code: code, UserData: userData}
}

// Wrap constructs an Error wrapping err.
func Wrap(code ErrorCode, err error, userData any) error {
	return Error{Code: code, Err: err, UserData: userData}
}

// CodeOf extracts the ErrorCode from err, or Unknown if err is not (or does
// not wrap) an Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if ok := asError(err, &e); ok {
		return e.Code
	}
	return Unknown
}

func asError(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
