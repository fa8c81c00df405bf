package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for document store operations.
var (
	// ErrNotFound is returned when no document exists at the requested path.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Transaction when a document read inside the
	// transaction was modified by another writer before commit.
	ErrConflict = errors.New("transaction conflict")

	// ErrInvalidPath indicates a malformed document path.
	ErrInvalidPath = errors.New("invalid document path")

	// ErrUnavailable indicates the backing store could not be reached.
	// This is a transient condition and safe to retry.
	ErrUnavailable = errors.New("store unavailable")

	// ErrRateLimited is returned when a caller exceeded its token bucket.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen is returned when the circuit breaker is rejecting calls.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Category classifies an error for retry and surfacing decisions.
type Category int

const (
	// CategoryPermanent errors are not retried and propagate to the caller.
	CategoryPermanent Category = iota

	// CategoryValidation errors are rejected synchronously at the boundary
	// and never retried.
	CategoryValidation

	// CategoryConcurrency errors (optimistic-lock conflicts) are retried
	// locally by reloading and reapplying the update.
	CategoryConcurrency

	// CategoryTransient errors (timeouts, rate limits, unavailability) are
	// retried with backoff by the persistence guard.
	CategoryTransient
)

// Classify maps an error to its retry category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.Is(err, ErrConflict):
		return CategoryConcurrency
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrNotFound):
		return CategoryValidation
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// Document is a stored record: a path, opaque JSON payload, and the
// version used for optimistic concurrency control.
type Document struct {
	// Path is the full hierarchical path of the document.
	Path string `json:"path"`

	// Data is the JSON-encoded document body.
	Data []byte `json:"data"`

	// Version increases by exactly one on every successful write.
	Version int64 `json:"version"`

	// UpdatedAt is when the document was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Op is a comparison operator for query filters.
type Op string

const (
	OpEq  Op = "=="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// Filter constrains a query to documents whose field satisfies the
// comparison. Numeric comparisons treat JSON numbers as float64.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// OrderBy sorts query results by a document field.
type OrderBy struct {
	Field string
	Desc  bool
}

// Tx is the handle passed to a transaction function. Reads performed
// through the handle are tracked; the transaction fails with ErrConflict
// at commit time if any read document changed underneath it.
type Tx interface {
	Get(path string) (*Document, error)
	Set(path string, data []byte) error
	Delete(path string) error
}

// Store is the abstract document store.
//
// Set overwrites unconditionally. Transaction provides read-modify-write
// with conflict detection for the few records that need it (learning
// state). Query addresses the direct children of a collection path.
type Store interface {
	Get(ctx context.Context, path string) (*Document, error)
	Set(ctx context.Context, path string, data []byte) error
	Query(ctx context.Context, collectionPath string, filters []Filter, orderBy *OrderBy, limit int) ([]*Document, error)
	Delete(ctx context.Context, path string) error
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}

// ValidatePath checks that a path is well-formed: non-empty, no empty
// segments, no leading or trailing slash.
func ValidatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return ErrInvalidPath
		}
	}
	return nil
}

// ChildID returns the final path segment for a document that is a direct
// child of collectionPath, and whether the document is such a child.
func ChildID(collectionPath, path string) (string, bool) {
	prefix := collectionPath + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
