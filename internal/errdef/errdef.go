// SPDX-License-Identifier: MIT

// Package errdef defines the closed error taxonomy shared by every component.
// HTTP handlers translate kinds to status codes in exactly one place; nothing
// outside this package invents a new kind.
package errdef

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error into the orchestrator's closed taxonomy.
type Kind string

const (
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindValidation        Kind = "VALIDATION"
	KindQuota             Kind = "QUOTA"
	KindBackpressure      Kind = "BACKPRESSURE"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindPersistFailed     Kind = "PERSIST_FAILED"
	KindToolchainFailed   Kind = "TOOLCHAIN_FAILED"
	KindCanceled          Kind = "CANCELED"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
)

// Quota rejection reasons form a closed set; API clients branch on them.
const (
	ReasonFileTooLarge         = "file_too_large"
	ReasonStorageQuota         = "storage_quota"
	ReasonDailyJobCap          = "daily_job_cap"
	ReasonUserQueuedCap        = "user_queued_cap"
	ReasonUserRunningCap       = "user_running_cap"
	ReasonGlobalHighRunningCap = "global_high_running_cap"
	ReasonHighModeAdminOnly    = "high_mode_admin_only"
	ReasonProcessingMinutesCap = "processing_minutes_cap"
)

// Error is the carrier for a classified error. Detail is safe to return to
// clients; wrapped causes are not.
type Error struct {
	Kind       Kind
	Detail     string
	Reason     string        // machine-readable sub-reason (quota, validation)
	RetryAfter time.Duration // advisory, for QUOTA/BACKPRESSURE
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a classified error.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Unauthenticated reports a request with no resolvable identity.
func Unauthenticated(detail string) *Error {
	return New(KindUnauthenticated, detail)
}

// Forbidden reports an authenticated but unauthorized request.
func Forbidden(detail string) *Error {
	return New(KindForbidden, detail)
}

// NotFound reports a missing (or deliberately hidden) object.
func NotFound(detail string) *Error {
	return New(KindNotFound, detail)
}

// Conflict reports an illegal state for the requested operation.
func Conflict(detail string) *Error {
	return New(KindConflict, detail)
}

// Validation reports malformed client input with a machine-readable reason.
func Validation(reason, detail string) *Error {
	return &Error{Kind: KindValidation, Detail: detail, Reason: reason}
}

// Quota reports a quota rejection with its closed-set reason.
func Quota(reason, detail string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuota, Detail: detail, Reason: reason, RetryAfter: retryAfter}
}

// Backpressure reports a deferred admission with a retry hint.
func Backpressure(detail string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindBackpressure, Detail: detail, RetryAfter: retryAfter}
}

// IllegalTransition reports a forbidden job state transition.
func IllegalTransition(from, to string) *Error {
	return &Error{Kind: KindIllegalTransition, Detail: fmt.Sprintf("illegal transition %s -> %s", from, to)}
}

// PersistFailed wraps a persistence error.
func PersistFailed(cause error) *Error {
	return Wrap(KindPersistFailed, "persistence failed", cause)
}

// ToolchainFailed wraps a media toolchain error.
func ToolchainFailed(op string, cause error) *Error {
	return Wrap(KindToolchainFailed, "media toolchain: "+op, cause)
}

// Canceled reports cooperative cancellation.
func Canceled(detail string) *Error {
	return New(KindCanceled, detail)
}

// Unavailable reports a missing capability on an external collaborator.
func Unavailable(capability string) *Error {
	return &Error{Kind: KindUnavailable, Detail: "capability unavailable", Reason: capability}
}

// Internal wraps an unexpected error.
func Internal(cause error) *Error {
	return Wrap(KindInternal, "internal error", cause)
}

// KindOf returns the taxonomy kind of err, or KindInternal for unclassified
// errors. Context cancellation maps to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// AsError returns the classified error inside err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
