package domain

import "errors"

// ReadStatus classifies the outcome of an optional metric read
type ReadStatus int

const (
	ReadPresent ReadStatus = iota
	ReadUnsupported
	ReadFailed
)

func (s ReadStatus) String() string {
	switch s {
	case ReadPresent:
		return "present"
	case ReadUnsupported:
		return "unsupported"
	default:
		return "failed"
	}
}

// Reading is the outcome of one optional metric read: a value, an explicit
// "not supported", or a hard error.
type Reading[T any] struct {
	Value  T
	Status ReadStatus
	Err    error
}

// ReadingOf classifies a (value, error) pair returned by an EnergySource
func ReadingOf[T any](value T, err error) Reading[T] {
	switch {
	case err == nil:
		return Reading[T]{Value: value, Status: ReadPresent}
	case errors.Is(err, ErrNotSupported):
		return Reading[T]{Status: ReadUnsupported, Err: err}
	default:
		return Reading[T]{Status: ReadFailed, Err: err}
	}
}

// Ptr returns a pointer to the value, or nil when the reading is absent
func (r Reading[T]) Ptr() *T {
	if r.Status != ReadPresent {
		return nil
	}
	v := r.Value
	return &v
}
