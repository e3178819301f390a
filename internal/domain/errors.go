// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a lost compare-and-swap race: the stored value changed
// since it was read. Callers re-read and decide again.
var ErrConflict = errors.New("conflict: resource was modified by another actor")

// ErrInvalidContract indicates a malformed handoff request or output contract.
var ErrInvalidContract = errors.New("invalid contract")

// ErrInvalidTransition indicates a status change the transition table forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrBudgetExceeded indicates no decomposition can fit the size budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrMergeConflict indicates a fragment redeclares an existing identifier
// without the replace flag.
var ErrMergeConflict = errors.New("merge conflict")

// ErrMergeSyntax indicates a merged document or fragment does not parse.
var ErrMergeSyntax = errors.New("merge syntax error")

// ErrTimeout indicates an await exceeded its deadline.
var ErrTimeout = errors.New("timeout")

// ErrTruncatedOutput indicates completion artifacts lack a required
// completeness marker.
var ErrTruncatedOutput = errors.New("truncated output")

// IsDecision reports whether err is a decision failure that must never be
// retried automatically.
func IsDecision(err error) bool {
	return errors.Is(err, ErrInvalidContract) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMergeConflict) ||
		errors.Is(err, ErrBudgetExceeded)
}
