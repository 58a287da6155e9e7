package relay

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidPortRange = errors.New("relay: invalid port range")

// PortAllocator hands out ports from an inclusive range round-robin,
// wrapping back to the base after the max.
type PortAllocator struct {
	mu   sync.Mutex
	base int
	max  int
	next int
}

func NewPortAllocator(base, max int) (*PortAllocator, error) {
	if base < 1 || max > 65535 || base > max {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, base, max)
	}
	return &PortAllocator{base: base, max: max, next: base}, nil
}

// Next returns the next port in the cycle. It never blocks on I/O.
func (a *PortAllocator) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	port := a.next
	a.next++
	if a.next > a.max {
		a.next = a.base
	}
	return port
}

// Size is the number of ports in the range.
func (a *PortAllocator) Size() int {
	return a.max - a.base + 1
}

func (a *PortAllocator) Range() (base, max int) {
	return a.base, a.max
}
