package router

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned when a non-urgent send finds the queue at capacity.
var ErrQueueFull = errors.New("router: queue full")

// UnknownDestinationError describes a message addressed to a destination
// with no configured route. The router logs it and falls back to the
// default route; it is never returned to callers.
type UnknownDestinationError struct {
	To string
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("router: unknown destination %q", e.To)
}
