// Package portpool hands out node-exposed ports from a fixed, inclusive range.
//
// The pool is rebuilt on every process start from the ports recorded against
// non-terminated applications (see Seed); it holds no other durable state.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// Pool errors
var (
	ErrExhausted  = errors.New("no available node ports")
	ErrOutOfRange = errors.New("port outside of pool range")
)

// Range is an inclusive [Start, End] port range
type Range struct {
	Start int
	End   int
}

// Capacity returns the number of ports in the range
func (r Range) Capacity() int {
	return r.End - r.Start + 1
}

// Contains reports whether port lies in the range
func (r Range) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Pool is a first-fit allocator over a Range. Slot i maps to port Start+i.
// All methods are safe for concurrent use; the lock is only held for the
// scan-and-mark or mark-available step.
type Pool struct {
	mu        sync.Mutex
	rng       Range
	available []bool
}

// New creates a pool with every port in rng available
func New(rng Range) (*Pool, error) {
	if rng.Start > rng.End {
		return nil, fmt.Errorf("invalid port range %d-%d", rng.Start, rng.End)
	}

	available := make([]bool, rng.Capacity())
	for i := range available {
		available[i] = true
	}

	return &Pool{
		rng:       rng,
		available: available,
	}, nil
}

// Acquire marks the lowest available port as used and returns it.
// Returns ErrExhausted without changing state when every port is taken.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, free := range p.available {
		if free {
			p.available[i] = false
			return p.rng.Start + i, nil
		}
	}

	return 0, ErrExhausted
}

// Release makes port available again. Releasing a free port is a no-op.
func (p *Pool) Release(port int) error {
	if !p.rng.Contains(port) {
		return fmt.Errorf("release %d (range %d-%d): %w", port, p.rng.Start, p.rng.End, ErrOutOfRange)
	}

	p.mu.Lock()
	p.available[port-p.rng.Start] = true
	p.mu.Unlock()

	return nil
}

// Seed marks usedPorts unavailable. It is meant to run once at startup,
// before any Acquire/Release traffic. Ports outside the range are ignored.
func (p *Pool) Seed(usedPorts []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range usedPorts {
		if p.rng.Contains(port) {
			p.available[port-p.rng.Start] = false
		}
	}
}

// Range returns the configured port range
func (p *Pool) Range() Range {
	return p.rng
}

// Available returns how many ports can still be acquired
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, free := range p.available {
		if free {
			n++
		}
	}
	return n
}

// InUse returns the ports currently held, in ascending order
func (p *Pool) InUse() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := make([]int, 0)
	for i, free := range p.available {
		if !free {
			used = append(used, p.rng.Start+i)
		}
	}
	return used
}
