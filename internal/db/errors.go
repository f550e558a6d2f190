package db

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicate is returned when an email with the same Message-ID is already stored.
	ErrDuplicate = errors.New("duplicate email")
	// ErrInvalidState is returned when a transition is not allowed from the current status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrNotFound is returned for operations on an unknown email or sender.
	ErrNotFound = errors.New("not found")
	// ErrReferentialIntegrity is returned when deleting a sender that still owns emails.
	ErrReferentialIntegrity = errors.New("sender still referenced by emails")
	// ErrInvalidInput is returned when an ingest or maintenance request is unusable.
	ErrInvalidInput = errors.New("invalid input")
)

// StateError describes a rejected transition. It matches ErrInvalidState.
type StateError struct {
	ID          string
	Op          string
	Status      Status
	ReplyStatus ReplyStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s email %s: status=%s reply_status=%s", e.Op, e.ID, e.Status, e.ReplyStatus)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// DuplicateError carries the id of the email that already holds the
// Message-ID, or that was ingested from the same source file.
type DuplicateError struct {
	MessageID  string
	SourceHash string
	ExistingID string
}

func (e *DuplicateError) Error() string {
	if e.MessageID == "" && e.SourceHash != "" {
		return fmt.Sprintf("source %s already ingested as %s", e.SourceHash, e.ExistingID)
	}
	return fmt.Sprintf("email with message id %q already stored as %s", e.MessageID, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// DataQualityWarning is a non-fatal problem found while ingesting. The email is
// still stored, using a safe default for the affected field.
type DataQualityWarning struct {
	Field  string
	Reason string
}

func (w DataQualityWarning) String() string {
	return w.Field + ": " + w.Reason
}

func isConstraint(err error, code int) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == code
	}
	return false
}

func isUniqueViolation(err error) bool {
	return isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE)
}

func isForeignKeyViolation(err error) bool {
	return isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY)
}
