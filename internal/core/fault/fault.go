// Package fault classifies pipeline failures so the job boundary can decide
// between retrying, skipping, and escalating to an operator.
package fault

import (
	"errors"
	"fmt"
)

// Category buckets a failure by how the pipeline must react.
type Category string

const (
	// Transient failures (RPC timeout, queue unavailable, DB connection drop)
	// are always retried through the failed-job ledger.
	Transient Category = "transient"
	// DataInconsistency means the chain and the store cannot be reconciled
	// automatically (reorg depth past the configured maximum). Reported,
	// never silently resolved.
	DataInconsistency Category = "data_inconsistency"
	// Malformed input (undecodable log, unknown enum value) is skipped and
	// logged; it must never take down a worker loop.
	Malformed Category = "malformed"
	// Exhausted means the retry ceiling was reached; the entry is terminal.
	Exhausted Category = "exhausted"
)

// Error carries a category alongside the underlying cause.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category.
func New(cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}

// Newf builds a categorized error from a format string.
func Newf(cat Category, format string, args ...any) error {
	return &Error{Category: cat, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category from err. Uncategorized errors, context
// cancellation included, default to Transient: retrying an idempotent job is
// always safe, dropping it is not.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return Transient
}

// Is reports whether err belongs to cat.
func Is(err error, cat Category) bool {
	return err != nil && CategoryOf(err) == cat
}
