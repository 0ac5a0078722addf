package ir

import (
	"errors"
	"fmt"
)

// Error is the typed error returned by navigation, branching and
// synchronisation. Callers branch on Code; the Is* helpers use errors.As so
// wrapped errors still match.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// ExecutionID identifies the affected delivery execution, when known.
	ExecutionID string `json:"execution_id,omitempty"`

	// Details contains additional context.
	Details map[string]string `json:"details,omitempty"`
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeSessionPaused: the test session is suspended or the delivery
	// execution is paused. Recoverable once resumed.
	ErrCodeSessionPaused ErrorCode = "SESSION_PAUSED"

	// ErrCodeSessionClosed: the test session reached its terminal state.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"

	// ErrCodeIllegalNavigation: direction/scope not permitted by the
	// navigation or submission mode at the current position.
	ErrCodeIllegalNavigation ErrorCode = "ILLEGAL_NAVIGATION"

	// ErrCodeIllegalBranchTarget: a branch target re-enters a test part or
	// item the candidate may not return to.
	ErrCodeIllegalBranchTarget ErrorCode = "ILLEGAL_BRANCH_TARGET"

	// ErrCodeMissingBranchTarget: a branch rule has no target or names one
	// that is not in the route.
	ErrCodeMissingBranchTarget ErrorCode = "MISSING_BRANCH_TARGET"

	// ErrCodeInvalidActionPayload: a synchronisation entry is malformed.
	ErrCodeInvalidActionPayload ErrorCode = "INVALID_ACTION_PAYLOAD"

	// ErrCodeInvalidBranchRuleKind: unknown branch rule node.
	ErrCodeInvalidBranchRuleKind ErrorCode = "INVALID_BRANCH_RULE_KIND"

	// ErrCodeStaleSession: the session changed underneath the request.
	ErrCodeStaleSession ErrorCode = "STALE_SESSION"

	// ErrCodeSessionNotFound: no session for the execution id.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// ErrCodeItemNotFound: the item definition is neither cached nor loadable.
	ErrCodeItemNotFound ErrorCode = "ITEM_NOT_FOUND"

	// ErrCodeSessionExists: Start was called for an execution that already
	// has a session.
	ErrCodeSessionExists ErrorCode = "SESSION_EXISTS"

	// ErrCodeBatchLimit: the entry lies beyond the batch size the server
	// accepts. Resend it in a later batch.
	ErrCodeBatchLimit ErrorCode = "BATCH_LIMIT_EXCEEDED"

	// ErrCodeActionDeferred: an earlier action of the batch failed with a
	// retryable error, so this one was not attempted.
	ErrCodeActionDeferred ErrorCode = "ACTION_DEFERRED"

	// ErrCodeInternal: a persistence or infrastructure failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, e.Message, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether resubmitting the same request later can succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeStaleSession, ErrCodeSessionPaused, ErrCodeBatchLimit, ErrCodeActionDeferred, ErrCodeInternal:
		return true
	}
	return false
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsSessionPaused reports whether err is a SESSION_PAUSED error.
func IsSessionPaused(err error) bool { return hasCode(err, ErrCodeSessionPaused) }

// IsSessionClosed reports whether err is a SESSION_CLOSED error.
func IsSessionClosed(err error) bool { return hasCode(err, ErrCodeSessionClosed) }

// IsIllegalNavigation reports whether err is an ILLEGAL_NAVIGATION error.
func IsIllegalNavigation(err error) bool { return hasCode(err, ErrCodeIllegalNavigation) }

// IsIllegalBranchTarget reports whether err is an ILLEGAL_BRANCH_TARGET error.
func IsIllegalBranchTarget(err error) bool { return hasCode(err, ErrCodeIllegalBranchTarget) }

// IsMissingBranchTarget reports whether err is a MISSING_BRANCH_TARGET error.
func IsMissingBranchTarget(err error) bool { return hasCode(err, ErrCodeMissingBranchTarget) }

// IsInvalidActionPayload reports whether err is an INVALID_ACTION_PAYLOAD error.
func IsInvalidActionPayload(err error) bool { return hasCode(err, ErrCodeInvalidActionPayload) }

// IsInvalidBranchRuleKind reports whether err is an INVALID_BRANCH_RULE_KIND error.
func IsInvalidBranchRuleKind(err error) bool { return hasCode(err, ErrCodeInvalidBranchRuleKind) }

// IsStaleSession reports whether err is a STALE_SESSION error.
func IsStaleSession(err error) bool { return hasCode(err, ErrCodeStaleSession) }

// IsSessionNotFound reports whether err is a SESSION_NOT_FOUND error.
func IsSessionNotFound(err error) bool { return hasCode(err, ErrCodeSessionNotFound) }

// IsItemNotFound reports whether err is an ITEM_NOT_FOUND error.
func IsItemNotFound(err error) bool { return hasCode(err, ErrCodeItemNotFound) }

// IsSessionExists reports whether err is a SESSION_EXISTS error.
func IsSessionExists(err error) bool { return hasCode(err, ErrCodeSessionExists) }

// NewSessionPausedError reports a navigation attempted while paused or suspended.
func NewSessionPausedError(executionID, state string) *Error {
	return &Error{
		Code:        ErrCodeSessionPaused,
		Message:     "session is paused or suspended; resume before navigating",
		ExecutionID: executionID,
		Details:     map[string]string{"state": state},
	}
}

// NewSessionClosedError reports an action against a closed test session.
func NewSessionClosedError(executionID string) *Error {
	return &Error{
		Code:        ErrCodeSessionClosed,
		Message:     "test session is closed",
		ExecutionID: executionID,
	}
}

// NewIllegalNavigationError reports a direction/scope combination that is not permitted.
// An empty direction reports a lifecycle action (start, suspend, resume) that
// is not permitted in the current state.
func NewIllegalNavigationError(executionID string, dir Direction, scope Scope, reason string) *Error {
	msg := reason
	if dir != "" {
		msg = fmt.Sprintf("%s/%s not permitted: %s", dir, scope, reason)
	}
	return &Error{
		Code:        ErrCodeIllegalNavigation,
		Message:     msg,
		ExecutionID: executionID,
		Details: map[string]string{
			"direction": string(dir),
			"scope":     string(scope),
		},
	}
}

// NewIllegalBranchTargetError reports a branch target that cannot be entered.
func NewIllegalBranchTargetError(executionID, target, reason string) *Error {
	return &Error{
		Code:        ErrCodeIllegalBranchTarget,
		Message:     fmt.Sprintf("branch target %q cannot be entered: %s", target, reason),
		ExecutionID: executionID,
		Details:     map[string]string{"target": target},
	}
}

// NewMissingBranchTargetError reports a rule whose target is absent from the route.
func NewMissingBranchTargetError(item, target string) *Error {
	return &Error{
		Code:    ErrCodeMissingBranchTarget,
		Message: fmt.Sprintf("branch rule on %q targets %q which is not in the route", item, target),
		Details: map[string]string{"item": item, "target": target},
	}
}

// NewInvalidActionPayloadError reports a malformed synchronisation entry.
func NewInvalidActionPayloadError(index int, reason string) *Error {
	return &Error{
		Code:    ErrCodeInvalidActionPayload,
		Message: reason,
		Details: map[string]string{"index": fmt.Sprintf("%d", index)},
	}
}

// NewEmptyCommentError reports a comment request without text.
func NewEmptyCommentError(executionID string) *Error {
	return &Error{
		Code:        ErrCodeInvalidActionPayload,
		Message:     "comment text is empty",
		ExecutionID: executionID,
	}
}

// NewInvalidBranchRuleKindError reports an unknown branch rule node.
func NewInvalidBranchRuleKindError(kind string) *Error {
	return &Error{
		Code:    ErrCodeInvalidBranchRuleKind,
		Message: fmt.Sprintf("unknown branch rule kind %q", kind),
		Details: map[string]string{"kind": kind},
	}
}

// NewStaleSessionError reports an optimistic concurrency conflict.
func NewStaleSessionError(executionID string, expected, actual int64) *Error {
	return &Error{
		Code:        ErrCodeStaleSession,
		Message:     "session was modified by a concurrent request",
		ExecutionID: executionID,
		Details: map[string]string{
			"expected_version": fmt.Sprintf("%d", expected),
			"actual_version":   fmt.Sprintf("%d", actual),
		},
	}
}

// NewSessionNotFoundError reports an unknown execution id.
func NewSessionNotFoundError(executionID string) *Error {
	return &Error{
		Code:        ErrCodeSessionNotFound,
		Message:     "no test session for execution",
		ExecutionID: executionID,
	}
}

// NewSessionExistsError reports a second Start for an execution.
func NewSessionExistsError(executionID string) *Error {
	return &Error{
		Code:        ErrCodeSessionExists,
		Message:     "execution already started",
		ExecutionID: executionID,
	}
}

// NewItemNotFoundError reports an item definition that cannot be loaded.
func NewItemNotFoundError(itemID string) *Error {
	return &Error{
		Code:    ErrCodeItemNotFound,
		Message: fmt.Sprintf("item %q not found", itemID),
		Details: map[string]string{"item": itemID},
	}
}

// NewBatchLimitError reports an entry beyond the accepted batch size.
func NewBatchLimitError(index, limit int) *Error {
	return &Error{
		Code:    ErrCodeBatchLimit,
		Message: fmt.Sprintf("entry %d exceeds the batch limit of %d", index, limit),
		Details: map[string]string{"index": fmt.Sprintf("%d", index), "limit": fmt.Sprintf("%d", limit)},
	}
}

// NewActionDeferredError reports an action not attempted because the
// action with sequence blocker failed first.
func NewActionDeferredError(executionID string, blocker int64, cause ErrorCode) *Error {
	return &Error{
		Code:        ErrCodeActionDeferred,
		Message:     fmt.Sprintf("deferred behind sequence %d (%s)", blocker, cause),
		ExecutionID: executionID,
		Details:     map[string]string{"blocker": fmt.Sprintf("%d", blocker), "cause": string(cause)},
	}
}

// NewInternalError wraps an infrastructure failure for the wire.
func NewInternalError(executionID string, err error) *Error {
	return &Error{
		Code:        ErrCodeInternal,
		Message:     err.Error(),
		ExecutionID: executionID,
	}
}

// AsError returns err as an *Error, wrapping errors without a code as INTERNAL.
func AsError(executionID string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewInternalError(executionID, err)
}
