package common

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// InvariantError is the panic value raised when the caches find their own
// state inconsistent, e.g. a bit freed twice or a block released with no
// holders. These are not recoverable: continuing would write corrupt
// metadata to disk.
type InvariantError struct {
	err error
}

func (e *InvariantError) Error() string { return e.err.Error() }
func (e *InvariantError) Unwrap() error { return e.err }

// Format prints the stack where the violation was detected for %+v.
func (e *InvariantError) Format(s fmt.State, verb rune) {
	if f, ok := e.err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.err.Error())
}

// Fatalf logs an invariant violation and panics with an *InvariantError.
func Fatalf(format string, args ...interface{}) {
	err := errors.Errorf(format, args...)
	slog.Error("invariant violated", "error", err.Error(), "stack", fmt.Sprintf("%+v", err))
	panic(&InvariantError{err})
}

// IsInvariant reports whether a recovered panic value came from Fatalf.
func IsInvariant(x interface{}) bool {
	err, ok := x.(error)
	if !ok {
		return false
	}
	var ie *InvariantError
	return errors.As(err, &ie)
}
