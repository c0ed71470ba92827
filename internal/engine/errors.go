package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoActiveSchedule    = errors.New("no active schedule")
	ErrSequenceUnavailable = errors.New("sequence unavailable")
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("operation timed out")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrStoreUnavailable    = errors.New("store unavailable")
)

// classify turns a store failure into one of the engine kinds. Deadline
// errors win over fallback so a slow store always reports ErrTimeout.
func classify(ctx context.Context, fallback error, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, fallback, err)
}
