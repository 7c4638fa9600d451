/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Blockers - unresolved rates, zero rates. Listed for the operator to fix.
  2. Conflicts - an entry was linked by another run. Never retried here.
  3. Post-commit warnings - payee or accounting sync failures after a
     document is durable. They never invalidate the document.
  4. Configuration - invalid settings, fatal before any write.

USAGE:
  if errors.Is(err, billing.ErrLinkageConflict) {
      var conflict *billing.LinkageConflictError
      errors.As(err, &conflict)
      ...
  }
*/
package billing

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnresolvedRate is returned when a person has no usable bracket or pay rate.
	ErrUnresolvedRate = errors.New("unresolved rate")

	// ErrZeroOrMissingRate is returned when a line item would be priced at zero.
	ErrZeroOrMissingRate = errors.New("zero or missing rate")

	// ErrLinkageConflict is returned when an entry already carries a reference
	// for the side being committed.
	ErrLinkageConflict = errors.New("entry already linked")

	// ErrPayeeCreation is returned when a payee vendor could not be provisioned.
	ErrPayeeCreation = errors.New("payee creation failed")

	// ErrAccountingSync is returned when pushing a document to accounting fails.
	ErrAccountingSync = errors.New("accounting sync failed")

	// ErrSyncRejected marks a push the accounting system refused outright.
	// Resending the same document won't help, so it is not retried.
	ErrSyncRejected = errors.New("accounting sync rejected")

	// ErrInvalidConfiguration is returned for settings that would make a run meaningless.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrNothingToBill is returned when a selection yields no billable hours.
	ErrNothingToBill = errors.New("nothing to bill")

	// ErrInvalidEntry is returned for malformed time entries (negative hours, missing ids).
	ErrInvalidEntry = errors.New("invalid time entry")

	// ErrInvalidSide is returned when a side is neither invoice nor vendor bill.
	ErrInvalidSide = errors.New("invalid side")

	// ErrInvalidEdit is returned when a line edit targets a missing line or
	// sets an impossible value.
	ErrInvalidEdit = errors.New("invalid line edit")

	// ErrDocumentNotFound is returned when a referenced document doesn't exist.
	ErrDocumentNotFound = errors.New("document not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnresolvedPerson identifies a person whose entries cannot be priced.
type UnresolvedPerson struct {
	PersonID   PersonID
	PersonName string
	ProjectID  ProjectID
	Reason     string
	EntryIDs   []EntryID
}

// BlockedRunError lists every person blocking an invoice run.
type BlockedRunError struct {
	Unresolved []UnresolvedPerson
}

func (e *BlockedRunError) Error() string {
	names := make([]string, len(e.Unresolved))
	for i, u := range e.Unresolved {
		names[i] = fmt.Sprintf("%s (%s)", u.PersonName, u.Reason)
	}
	return fmt.Sprintf("missing rate for %d person(s): %s", len(e.Unresolved), strings.Join(names, ", "))
}

func (e *BlockedRunError) Unwrap() error { return ErrUnresolvedRate }

// ZeroRateLine identifies one offending line item.
type ZeroRateLine struct {
	Index       int
	Description string
}

// ZeroRateError reports every line whose rate is not positive.
type ZeroRateError struct {
	Lines []ZeroRateLine
}

func (e *ZeroRateError) Error() string {
	descs := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		descs[i] = l.Description
	}
	return fmt.Sprintf("zero or missing rate on %d line(s): %s", len(e.Lines), strings.Join(descs, "; "))
}

func (e *ZeroRateError) Unwrap() error { return ErrZeroOrMissingRate }

// LinkageConflictError lists the entries another run already linked.
type LinkageConflictError struct {
	Side     Side
	EntryIDs []EntryID
}

func (e *LinkageConflictError) Error() string {
	return fmt.Sprintf("%d entries already linked on %s side, will be skipped", len(e.EntryIDs), e.Side)
}

func (e *LinkageConflictError) Unwrap() error { return ErrLinkageConflict }

// ConfigError describes an invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBlocking returns true if the error must be fixed by an operator before the
// run can be submitted again.
func IsBlocking(err error) bool {
	return errors.Is(err, ErrUnresolvedRate) ||
		errors.Is(err, ErrZeroOrMissingRate)
}

// IsConflict returns true if another run already consumed some entries.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLinkageConflict)
}

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidSide) ||
		errors.Is(err, ErrInvalidEdit) ||
		errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrNothingToBill)
}
