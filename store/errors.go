package store

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jacentio/unikey/index"
	"github.com/jacentio/unikey/uniquekey"
)

var (
	// ErrNotFound is returned when a document doesn't exist or has expired.
	ErrNotFound = errors.New("unikey: document not found")

	// ErrAlreadyExists is returned when creating a document with an existing id.
	ErrAlreadyExists = errors.New("unikey: document already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("unikey: document was modified concurrently")

	// ErrDuplicateValue is returned when a unique key constraint is violated.
	ErrDuplicateValue = errors.New("unikey: duplicate value for unique key")

	// ErrRetryWith is returned when an upsert's insert collides on a unique key.
	ErrRetryWith = errors.New("unikey: conflicting write, retry with fresh state")

	// ErrPartitionKeyChanged is returned when a replace changes the partition key value.
	ErrPartitionKeyChanged = errors.New("unikey: partition key value cannot change")

	// ErrMissingID is returned when a document has no string "id" attribute.
	ErrMissingID = errors.New("unikey: document has no string id")
)

// StatusRetryWith is the status code reported for ErrRetryWith.
const StatusRetryWith = 449

// ConflictKind classifies a unique key violation.
type ConflictKind uint8

const (
	// KindUniqueConstraintViolation is permanent: retrying with the same data fails again.
	KindUniqueConstraintViolation ConflictKind = iota
	// KindTransientConflict is reported on the upsert insert path; callers may retry.
	KindTransientConflict
)

func (k ConflictKind) String() string {
	switch k {
	case KindUniqueConstraintViolation:
		return "UniqueConstraintViolation"
	case KindTransientConflict:
		return "TransientConflict"
	}
	return fmt.Sprintf("ConflictKind(%d)", uint8(k))
}

// ConflictError reports a rejected write.
type ConflictError struct {
	Kind ConflictKind
	Op   Op

	// DocID is the id of the rejected document.
	DocID string

	// Definition is the ordinal of the violated unique key in the policy.
	Definition int
	Paths      []string
	Tuple      uniquekey.Tuple

	// Existing is the document holding the tuple, when the index reports it.
	Existing index.Entry
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("unikey: %s rejected: unique key %s value %s of document %q conflicts with document %q",
		e.Op, uniquekey.Definition{Paths: e.Paths}, e.Tuple, e.DocID, e.Existing.DocID)
	if e.Existing.Partition != "" {
		msg += fmt.Sprintf(" in partition %s", e.Existing.Partition)
	}
	return msg + " (" + e.Kind.String() + ")"
}

// Is matches ErrDuplicateValue or ErrRetryWith according to Kind.
func (e *ConflictError) Is(target error) bool {
	switch e.Kind {
	case KindUniqueConstraintViolation:
		return target == ErrDuplicateValue
	case KindTransientConflict:
		return target == ErrRetryWith
	}
	return false
}

// StatusCode maps a write result to the HTTP-style status the document service reports.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRetryWith):
		return StatusRetryWith
	case errors.Is(err, ErrDuplicateValue), errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConcurrentModification):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrPartitionKeyChanged), errors.Is(err, ErrMissingID), errors.Is(err, uniquekey.ErrInvalidPolicy):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
