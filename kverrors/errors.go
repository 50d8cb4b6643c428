// Package kverrors defines the error taxonomy shared by every storage
// component: a fixed set of kinds plus an Op/Err wrapper so callers can
// test for a kind with errors.Is without string matching.
package kverrors

import "errors"

// Kind classifies a failure into one of the categories the store
// distinguishes behavior on.
type Kind int

const (
	// Other is the zero value; code should not construct it directly.
	Other Kind = iota
	// Io covers read/write/open/sync failures against the filesystem.
	Io
	// IoAlignment covers an aligned-I/O request whose offset, length,
	// or buffer address was not a multiple of the device block size.
	IoAlignment
	// Corruption covers an on-disk structure that failed a header,
	// checksum, ordering, or bounds check.
	Corruption
	// PoolExhausted covers a buffer pool that is at its page limit
	// with no unpinned page to evict.
	PoolExhausted
	// NotFound covers an absent key, page, or file.
	NotFound
	// Invariant covers a condition the implementation assumes can
	// never happen; callers that see this kind have found a bug.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case IoAlignment:
		return "io_alignment"
	case Corruption:
		return "corruption"
	case PoolExhausted:
		return "pool_exhausted"
	case NotFound:
		return "not_found"
	case Invariant:
		return "invariant"
	default:
		return "other"
	}
}

// Error wraps an underlying error with the operation that produced it
// and the Kind it should be classified under.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause, using msg as the error text.
func New(op string, kind Kind, msg string) error {
	return &Error{Op: op, Kind: kind, Err: errors.New(msg)}
}

// Wrap builds an *Error around an existing error.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound is a convenience predicate for the most frequently tested kind.
func IsNotFound(err error) bool { return Is(err, NotFound) }
