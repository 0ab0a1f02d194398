package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// CodeStorageUnavailable indicates the local database could not be read
	// or written. Never retried internally.
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeRemoteUnreachable indicates a remote call failed or timed out.
	CodeRemoteUnreachable ErrorCode = "REMOTE_UNREACHABLE"

	// CodeConnectionTestFailed indicates a backend probe failed during
	// registration or activation.
	CodeConnectionTestFailed ErrorCode = "CONNECTION_TEST_FAILED"

	// CodeInvalidReplicationPair indicates replication source equals target.
	CodeInvalidReplicationPair ErrorCode = "INVALID_REPLICATION_PAIR"

	// CodePermanentSyncFailure indicates an operation exhausted its retries.
	CodePermanentSyncFailure ErrorCode = "PERMANENT_SYNC_FAILURE"

	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeUnknownBackend  ErrorCode = "UNKNOWN_BACKEND"
)

// Error is the structured error type returned across package boundaries.
// Two Errors match under errors.Is when their codes are equal, so the
// sentinels below can be used to classify wrapped errors.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Sentinels for errors.Is.
var (
	ErrStorageUnavailable     = &Error{Code: CodeStorageUnavailable}
	ErrRemoteUnreachable      = &Error{Code: CodeRemoteUnreachable}
	ErrConnectionTestFailed   = &Error{Code: CodeConnectionTestFailed}
	ErrInvalidReplicationPair = &Error{Code: CodeInvalidReplicationPair}
	ErrPermanentSyncFailure   = &Error{Code: CodePermanentSyncFailure}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument}
	ErrUnknownBackend         = &Error{Code: CodeUnknownBackend}
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around a cause. Returns nil when err is nil.
func Wrap(code ErrorCode, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
