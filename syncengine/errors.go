// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorKind classifies a sync failure by how the engine reacts to it.
type ErrorKind int

const (
	// KindFatal is an unrecoverable local failure (storage). Never retried.
	KindFatal ErrorKind = iota
	// KindRetryable is a transient failure (timeout, unavailable, rate limited).
	KindRetryable
	// KindPermanent is a non-retryable remote refusal (forbidden, invalid).
	KindPermanent
	// KindConflict is an optimistic concurrency failure handled inside the worker.
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	default:
		return "fatal"
	}
}

var (
	// ErrNotFound is returned by EntityStore.GetLocal when the record does not
	// exist in the owner's scope.
	ErrNotFound = errors.New("record not found")

	// ErrNoOwner is returned when an operation is requested without an
	// authenticated owner identity.
	ErrNoOwner = errors.New("no owner identity supplied")

	// ErrUnknownCategory is returned when a trigger names a category without a worker.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrClosed is returned by a coordinator after Close.
	ErrClosed = errors.New("coordinator closed")
)

// Error carries an explicit kind next to the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure of op.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Permanent wraps err as a permanent failure of op.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// Fatal wraps err as a fatal local failure of op.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies err. Context expiry counts as retryable, version conflicts
// as conflicts, and anything unclassified as fatal.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return KindConflict
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindRetryable
	}
	return KindFatal
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

// RetryDelayer is implemented by errors that carry a delay requested by the
// remote, such as an HTTP Retry-After.
type RetryDelayer interface {
	RetryDelay() time.Duration
}

// RetryDelayOf returns the delay requested by err or an error it wraps, or
// zero.
func RetryDelayOf(err error) time.Duration {
	var rd RetryDelayer
	if errors.As(err, &rd) {
		return rd.RetryDelay()
	}
	return 0
}

// VersionConflictError is returned by EntityStore.Commit when at least one
// record changed since its expected version was read.
type VersionConflictError struct {
	IDs []string
}

func (e *VersionConflictError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return "version conflict on " + strings.Join(ids, ",")
}
