package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error implements repositories.RepositoryError for Firestore-backed stores.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e.kind == kindNotFound }

// IsConflict reports a contended or already-existing document.
func (e *Error) IsConflict() bool { return e.kind == kindConflict }

// IsUnavailable reports a transient backend failure worth retrying.
func (e *Error) IsUnavailable() bool { return e.kind == kindUnavailable }

// WrapError classifies err by its gRPC code. Context cancellation passes through unwrapped so callers can
// tell an abandoned request from a storage failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}

	kind := kindOther
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		kind = kindNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		kind = kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal:
		kind = kindUnavailable
	}
	if errors.Is(err, ErrProviderClosed) {
		kind = kindUnavailable
	}
	return &Error{op: op, err: err, kind: kind}
}
