// Package portalloc hands out free TCP ports for dev servers.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
)

const (
	// DefaultBase is the first port scanned
	DefaultBase = 3001
	// DefaultWindow is the number of ports scanned
	DefaultWindow = 100
)

// ProbeFunc reports whether a port can currently be bound
type ProbeFunc func(port int) bool

// Allocator scans [base, base+window) for a port that is neither leased
// to a managed process nor bound by anything else on the host.
type Allocator struct {
	mu     sync.Mutex
	base   int
	window int
	probe  ProbeFunc
	leases map[int]string
}

// Option configures the Allocator
type Option func(*Allocator)

// WithProbe replaces the OS bind probe
func WithProbe(probe ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// New creates an allocator. Non-positive arguments fall back to the defaults.
func New(base, window int, opts ...Option) *Allocator {
	if base <= 0 {
		base = DefaultBase
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if base+window-1 > 65535 {
		window = 65535 - base + 1
	}

	a := &Allocator{
		base:   base,
		window: window,
		probe:  Available,
		leases: make(map[int]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate leases the lowest free port to owner
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.base+a.window; port++ {
		if _, leased := a.leases[port]; leased {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leases[port] = owner
		return port, nil
	}

	return 0, launcher.ErrNoPortAvailable(a.base, a.window)
}

// Lease records a port already in use by owner, such as one discovered
// while adopting a running process.
func (a *Allocator) Lease(port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if current, ok := a.leases[port]; ok && current != owner {
		return fmt.Errorf("port %d already leased to %s", port, current)
	}
	a.leases[port] = owner
	return nil
}

// Release drops the lease on port if owner holds it
func (a *Allocator) Release(port int, owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.leases[port] == owner {
		delete(a.leases, port)
	}
}

// Leased returns the number of outstanding leases
func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

// Range returns the scanned range as base and window
func (a *Allocator) Range() (int, int) {
	return a.base, a.window
}

// Available binds 127.0.0.1:port and closes it immediately
func Available(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
