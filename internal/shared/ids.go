package shared

import (
	"fmt"
	"sync"
	"time"
)

// IDAllocator derives ids from timestamps. Two calls observing the same
// clock reading still receive distinct ids: the allocator never hands out a
// value less than or equal to the previous one.
type IDAllocator struct {
	mu   sync.Mutex
	last int64
}

// NewIDAllocator returns an allocator with no history.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{}
}

// Next returns a unique nanosecond stamp derived from t.
func (a *IDAllocator) Next(t time.Time) int64 {
	n := t.UnixNano()
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= a.last {
		n = a.last + 1
	}
	a.last = n
	return n
}

// NewID returns "<prefix>_<stamp>".
func (a *IDAllocator) NewID(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%d", prefix, a.Next(t))
}
