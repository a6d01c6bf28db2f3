package procmgr

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNameTaken is returned when a project name is already in use or reserved
	ErrNameTaken = errors.New("name already in use")

	// ErrUnknownInstance is returned when an instance id is not in the table
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrDuplicateInstance is returned when adding an instance id twice
	ErrDuplicateInstance = errors.New("instance already tracked")
)

// Table is the in-memory view of every managed process, keyed by instance
// id with a secondary index on project name.
type Table struct {
	mu       sync.RWMutex
	byID     map[string]*ManagedProcess
	byName   map[string]string
	reserved map[string]struct{}
	pending  map[string]struct{}
}

// NewTable creates an empty process table
func NewTable() *Table {
	return &Table{
		byID:     make(map[string]*ManagedProcess),
		byName:   make(map[string]string),
		reserved: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// ExpectInstance marks an instance id as being spawned so reconcile does not
// adopt it before the spawner adds it.
func (t *Table) ExpectInstance(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[instanceID] = struct{}{}
}

// ForgetInstance clears a mark made by ExpectInstance
func (t *Table) ForgetInstance(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, instanceID)
}

// Reserve claims a project name for an in-flight create
func (t *Table) Reserve(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("reserve %q: %w", name, ErrNameTaken)
	}
	if _, ok := t.reserved[name]; ok {
		return fmt.Errorf("reserve %q: %w", name, ErrNameTaken)
	}
	t.reserved[name] = struct{}{}
	return nil
}

// Unreserve releases a reservation made by Reserve. It is a no-op once the
// name has been bound to a process by Add or Assign.
func (t *Table) Unreserve(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, name)
}

// Add inserts a process. A reservation for its name is consumed.
func (t *Table) Add(p ManagedProcess) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(p)
}

// Adopt inserts a process found in the OS listing. Unlike Add it refuses
// instances that are still being spawned.
func (t *Table) Adopt(p ManagedProcess) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[p.InstanceID]; ok {
		return fmt.Errorf("adopt %s: %w", p.InstanceID, ErrDuplicateInstance)
	}
	return t.addLocked(p)
}

// Assign relabels a warm instance as the named project
func (t *Table) Assign(instanceID, name string) (ManagedProcess, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[instanceID]
	if !ok {
		return ManagedProcess{}, fmt.Errorf("assign %s: %w", instanceID, ErrUnknownInstance)
	}
	if owner, ok := t.byName[name]; ok && owner != instanceID {
		return ManagedProcess{}, fmt.Errorf("assign %s as %q: %w", instanceID, name, ErrNameTaken)
	}

	if p.Name != "" && p.Name != name {
		delete(t.byName, p.Name)
	}
	p.Name = name
	p.Role = RoleAssigned
	t.byName[name] = instanceID
	delete(t.reserved, name)

	return *p, nil
}

// Resolve looks a process up by project name, falling back to instance id
func (t *Table) Resolve(key string) (ManagedProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := t.resolveLocked(key)
	if p == nil {
		return ManagedProcess{}, false
	}
	return *p, true
}

// Get looks a process up by instance id
func (t *Table) Get(instanceID string) (ManagedProcess, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.byID[instanceID]
	if !ok {
		return ManagedProcess{}, false
	}
	return *p, true
}

// Detach removes the process resolved by key and returns it. The instance
// stays marked as pending, so reconcile cannot adopt it while it is being
// stopped; the caller clears the mark with ForgetInstance or re-attaches
// it with Add.
func (t *Table) Detach(key string) (ManagedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.resolveLocked(key)
	if p == nil {
		return ManagedProcess{}, false
	}
	t.removeLocked(p)
	t.pending[p.InstanceID] = struct{}{}
	return *p, true
}

// RemoveExited removes an instance only if it still refers to pid. Exit
// watchers use it so a stale notification cannot drop a re-added entry.
func (t *Table) RemoveExited(instanceID string, pid int) (ManagedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[instanceID]
	if !ok || p.PID != pid {
		return ManagedProcess{}, false
	}
	t.removeLocked(p)
	return *p, true
}

// Snapshot returns all processes ordered by creation time
func (t *Table) Snapshot() []ManagedProcess {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ManagedProcess, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ByRole returns processes with the given role ordered by creation time
func (t *Table) ByRole(role Role) []ManagedProcess {
	all := t.Snapshot()
	out := all[:0]
	for _, p := range all {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of tracked processes
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

func (t *Table) addLocked(p ManagedProcess) error {
	if _, ok := t.byID[p.InstanceID]; ok {
		return fmt.Errorf("add %s: %w", p.InstanceID, ErrDuplicateInstance)
	}
	if p.Name != "" {
		if _, ok := t.byName[p.Name]; ok {
			return fmt.Errorf("add %s as %q: %w", p.InstanceID, p.Name, ErrNameTaken)
		}
		t.byName[p.Name] = p.InstanceID
		delete(t.reserved, p.Name)
	}

	stored := p
	t.byID[p.InstanceID] = &stored
	delete(t.pending, p.InstanceID)
	return nil
}

func (t *Table) resolveLocked(key string) *ManagedProcess {
	if id, ok := t.byName[key]; ok {
		return t.byID[id]
	}
	return t.byID[key]
}

func (t *Table) removeLocked(p *ManagedProcess) {
	delete(t.byID, p.InstanceID)
	if p.Name != "" && t.byName[p.Name] == p.InstanceID {
		delete(t.byName, p.Name)
	}
}
