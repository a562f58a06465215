package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned by Allocate when every port in every configured
// range is either allocated or busy at the OS level.
var ErrExhausted = errors.New("no available ports")

// Range is a contiguous span of allocatable ports bound to a host name.
type Range struct {
	Host string
	Min  int
	Max  int
}

// Port is a single allocated endpoint.
type Port struct {
	Host   string
	Number int
}

// Pool hands out TCP ports for spawned sessions. A port is never handed out
// twice until it has been released, and candidate ports are probed with a
// real listen before being returned.
type Pool struct {
	mu        sync.Mutex
	ranges    []Range
	allocated map[int]bool
}

// NewPool creates a pool over the given ranges. Ranges must be valid and
// must not overlap, since allocation state is tracked per port number.
func NewPool(ranges []Range) (*Pool, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("at least one port range is required")
	}
	seen := make(map[int]bool)
	for _, r := range ranges {
		if r.Min <= 0 || r.Max <= 0 || r.Min > r.Max {
			return nil, fmt.Errorf("invalid port range: min %d, max %d", r.Min, r.Max)
		}
		for p := r.Min; p <= r.Max; p++ {
			if seen[p] {
				return nil, fmt.Errorf("port %d appears in more than one range", p)
			}
			seen[p] = true
		}
	}
	return &Pool{
		ranges:    ranges,
		allocated: make(map[int]bool),
	}, nil
}

// Allocate finds and allocates an available port, scanning the configured
// ranges in order. It returns ErrExhausted when no port can be handed out.
func (p *Pool) Allocate() (Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.ranges {
		for candidate := r.Min; candidate <= r.Max; candidate++ {
			if p.allocated[candidate] {
				continue
			}

			// Verify the port is actually free by listening on it briefly.
			// Something outside the pool may be squatting on it.
			l, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
			if err != nil {
				continue
			}
			l.Close()

			p.allocated[candidate] = true
			return Port{Host: r.Host, Number: candidate}, nil
		}
	}

	return Port{}, ErrExhausted
}

// Release marks a previously allocated port as available again. Releasing a
// port that is not allocated, or not managed by the pool, is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// InUse returns the number of currently allocated ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
