package procmgr

import (
	"time"
)

// Role distinguishes the idle warm instance from processes serving a project
type Role int

const (
	// RoleWarm - pre-spawned and idle, held in reserve
	RoleWarm Role = iota
	// RoleAssigned - serving a named project
	RoleAssigned
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case RoleWarm:
		return "warm"
	case RoleAssigned:
		return "assigned"
	default:
		return "unknown"
	}
}

// ManagedProcess is a dev server spawned and tracked by the daemon
type ManagedProcess struct {
	PID        int
	PGID       int    // process group as listed by the OS; zero when unknown
	Name       string // empty while warm
	Port       int
	Dir        string
	Template   string
	InstanceID string
	CreatedAt  time.Time
	Role       Role

	// Exited is closed once the child has been reaped. It is nil for
	// processes adopted from an earlier daemon run.
	Exited <-chan struct{}
}

// Title returns the tag identifying this process in the OS process list
func (p ManagedProcess) Title() Title {
	return Title{
		Role:       p.Role,
		InstanceID: p.InstanceID,
		Port:       p.Port,
		Name:       p.Name,
	}
}

// GroupLeader reports whether the process leads its own process group.
// Dev servers are started in a fresh group, so their children never do.
func (p ManagedProcess) GroupLeader() bool {
	return p.PGID != 0 && p.PGID == p.PID
}

// Spawned reports whether this daemon is the parent of the process
func (p ManagedProcess) Spawned() bool {
	return p.Exited != nil
}

// Key returns the name for assigned processes and the instance id otherwise
func (p ManagedProcess) Key() string {
	if p.Name != "" {
		return p.Name
	}
	return p.InstanceID
}
