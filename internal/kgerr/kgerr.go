// Package kgerr provides the error wrapping and classification used across
// kgrag, mirroring how the teacher project's helper.NewError tagged every
// error with the operation that produced it.
package kgerr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind classifies an error for caller-side branching, per the error
// handling design: validation/parse errors are never retried, storage
// errors are retried only when Kind is StorageTransient.
type Kind int

const (
	Unknown Kind = iota
	Validation
	Parse
	NotFound
	StorageTransient
	StorageFatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Parse:
		return "parse"
	case NotFound:
		return "not_found"
	case StorageTransient:
		return "storage_transient"
	case StorageFatal:
		return "storage_fatal"
	default:
		return "unknown"
	}
}

// Error is an operation-tagged, kind-classified wrapper around a cause.
type Error struct {
	Op    string
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps err with the operation name and kind. New(op, Unknown, err) is
// the direct analogue of the teacher's helper.NewError(op, err).
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, cause: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retry runs fn up to maxAttempts times, retrying only while fn returns an
// error of Kind StorageTransient, with capped exponential backoff and jitter.
// Hand-rolled over the standard library: no example in the retrieval pack
// imports a backoff library directly in its own code (cenkalti/backoff
// appears only as an indirect dependency of testcontainers), so there is no
// grounded third-party choice here.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	base := 50 * time.Millisecond
	cap := 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Is(lastErr, StorageTransient) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := base * time.Duration(1<<uint(attempt))
		if backoff > cap {
			backoff = cap
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2 + 1))
		wait := backoff/2 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
