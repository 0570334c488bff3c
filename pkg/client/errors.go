package client

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrConstruction is matched by every error returned from NewManager. Nothing was
	// attempted against the backend.
	ErrConstruction = errors.New("invalid client configuration")

	// ErrConnection is matched by errors raised while establishing the shared connection.
	ErrConnection = errors.New("connection failed")

	// ErrPermanentCall is matched by every call failure that will not be retried,
	// including exhausted retries.
	ErrPermanentCall = errors.New("call failed permanently")

	// ErrCallFailed is matched by call failures that were transient but ran out of retries.
	ErrCallFailed = errors.New("call failed after exhausting retries")

	// ErrClosedConnection is returned for any call or accessor use after Close.
	ErrClosedConnection = errors.New("connection manager is closed")
)

// ConstructionError describes why NewManager rejected its input.
type ConstructionError struct {
	Reason string
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConstruction, e.Reason)
}

func (e *ConstructionError) Is(target error) bool {
	return target == ErrConstruction
}

func constructionErrorf(format string, args ...any) error {
	return &ConstructionError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectionError is shared by every caller that waited on the same failed
// establishment attempt.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConnection, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// CallError is the terminal outcome of a call that was attempted at least once.
// It unwraps to the last underlying error, so status.Code and status.FromError
// keep reporting the backend's status.
type CallError struct {
	Method   string
	Attempts int
	// Exhausted is set when the last failure was transient and no retries remained.
	Exhausted bool
	Err       error
}

func (e *CallError) Error() string {
	kind := ErrPermanentCall
	if e.Exhausted {
		kind = ErrCallFailed
	}
	return fmt.Sprintf("%s %s (attempts=%d): %v", e.Method, kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrPermanentCall:
		return true
	case ErrCallFailed:
		return e.Exhausted
	}
	return false
}

// GRPCStatus lets status.FromError see through the wrapper.
func (e *CallError) GRPCStatus() *status.Status {
	if st, ok := status.FromError(e.Err); ok {
		return st
	}
	return status.New(codes.Unknown, e.Err.Error())
}

// IsTransient reports whether err is a failure that is likely to succeed on retry.
// Errors that are not gRPC statuses are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// IsAuthError reports whether err was rejected by the backend for missing or
// insufficient credentials. Callers typically rotate the credential and retry.
func IsAuthError(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	default:
		return false
	}
}

// errAttemptTimeout is the cancellation cause of an attempt that exceeded the per-call timeout.
var errAttemptTimeout = errors.New("per-call timeout exceeded")

// classifyAttempt decides whether a failed attempt may be retried. callerCtx is the
// context supplied by the caller and attemptCtx the derived one used for the attempt:
// a deadline hit by the attempt alone is retryable, one hit by the caller is not.
func classifyAttempt(callerCtx, attemptCtx context.Context, err error) (retryable bool, out error) {
	if callerCtx.Err() != nil {
		return false, err
	}

	if errors.Is(context.Cause(attemptCtx), errAttemptTimeout) {
		switch status.Code(err) {
		case codes.DeadlineExceeded, codes.Canceled:
			return true, status.Error(codes.DeadlineExceeded, errAttemptTimeout.Error())
		}
	}

	return IsTransient(err), err
}
