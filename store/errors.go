package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError wraps store failures which are expected to clear on their
// own: timeouts, lost connections, pool exhaustion. Callers may retry.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return fmt.Sprintf("transient store error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps store failures which will not clear without operator
// intervention, such as constraint or syntax errors.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return fmt.Sprintf("fatal store error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether |err| is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// classify maps a driver error to the transient/fatal taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return &TransientError{Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions; class 57 is operator
		// intervention (shutdown, crash). Everything else is on us.
		switch pgErr.Code[:2] {
		case "08", "57", "53":
			return &TransientError{Err: err}
		}
		return &FatalError{Err: err}
	}
	return &TransientError{Err: err}
}
