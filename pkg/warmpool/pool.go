// Package warmpool keeps one dev server pre-spawned so project creation
// can hand it out immediately, and owns the lifecycle of every project.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/ledger"
	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
)

// DegradedAfter is the number of consecutive replenish failures after
// which the pool reports itself degraded
const DegradedAfter = 3

// Spawner starts and stops dev servers
type Spawner interface {
	Spawn(ctx context.Context, req launcher.SpawnRequest) (procmgr.ManagedProcess, error)
	Terminate(ctx context.Context, pid int, exited <-chan struct{}, grace time.Duration) error
}

// PortAllocator hands out dev server ports
type PortAllocator interface {
	Allocate(owner string) (int, error)
	Release(port int, owner string)
	Lease(port int, owner string) error
}

// Ledger persists what the process list cannot carry
type Ledger interface {
	PutAssignment(ctx context.Context, a ledger.Assignment) error
	DeleteAssignment(ctx context.Context, instanceID string) error
	Assignments(ctx context.Context) ([]ledger.Assignment, error)
	RecordOrphan(ctx context.Context, path, reason string) error
}

// CreateRequest asks for a new project. Both fields are optional.
type CreateRequest struct {
	Name     string
	Template string
}

// Health describes the warm slot for monitoring
type Health struct {
	Status              string     `json:"status"`
	Enabled             bool       `json:"warm_pool_enabled"`
	Slot                string     `json:"slot"`
	WarmInstance        string     `json:"warm_instance,omitempty"`
	WarmPort            int        `json:"warm_port,omitempty"`
	WarmTemplate        string     `json:"warm_template"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	Projects            int        `json:"projects"`
	Strays              int        `json:"strays,omitempty"`
}

// Manager owns the warm slot and every managed process
type Manager struct {
	cfg     Config
	spawner Spawner
	ports   PortAllocator
	table   *procmgr.Table
	lister  procmgr.Lister
	ledger  Ledger
	logger  *slog.Logger
	metrics procmgr.MetricsCollector
	newID   func() string

	mu          sync.Mutex
	state       SlotState
	warmID      string
	loopActive  bool
	failures    int
	lastError   string
	lastErrorAt time.Time
	closed      bool

	// warm instances that outlived a stop; retried on every reconcile
	strays map[string]procmgr.ManagedProcess

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a warm pool manager
func New(cfg Config, spawner Spawner, ports PortAllocator, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaults.GracePeriod
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaults.BackoffMax
	}
	if cfg.WarmTemplate == "" {
		cfg.WarmTemplate = defaults.WarmTemplate
	}
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = defaults.ProjectsDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		spawner: spawner,
		ports:   ports,
		table:   procmgr.NewTable(),
		ledger:  nopLedger{},
		logger:  slog.Default(),
		metrics: procmgr.NewNoopMetricsCollector(),
		newID:   newInstanceID,
		strays:  make(map[string]procmgr.ManagedProcess),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.lister == nil {
		// the default source always resolves
		m.lister, _ = procmgr.NewLister(procmgr.DefaultSource(), m.logger)
	}
	m.logger = m.logger.With("component", "warmpool")
	return m
}

// Start reconciles against the OS process list, adopting survivors of an
// earlier run, and begins replenishing the warm slot.
func (m *Manager) Start(ctx context.Context) error {
	result, err := m.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	m.logger.Info("warm pool started",
		"adopted", len(result.Adopted),
		"dropped", len(result.Dropped),
		"enabled", m.cfg.Enabled,
		"template", m.cfg.WarmTemplate)

	m.ensureWarm()
	return nil
}

// CreateProject hands out the warm instance when it matches the requested
// template and otherwise spawns directly. Either way a replacement warm
// instance is scheduled.
func (m *Manager) CreateProject(ctx context.Context, req CreateRequest) (procmgr.ManagedProcess, error) {
	name := req.Name
	if name == "" {
		name = generateName()
	} else if !procmgr.ValidName(name) {
		return procmgr.ManagedProcess{}, launcher.ErrInvalidRequest("name", name,
			"must be 1-63 lowercase letters, digits or '-', starting with a letter or digit")
	}

	tmpl := req.Template
	if tmpl == "" {
		tmpl = m.cfg.WarmTemplate
	}

	if err := m.table.Reserve(name); err != nil {
		return procmgr.ManagedProcess{}, launcher.ErrProjectExists(name)
	}
	defer m.table.Unreserve(name)

	if p, ok := m.claimWarm(name, tmpl); ok {
		m.recordAssignment(context.WithoutCancel(ctx), p)
		m.metrics.ProjectCreated("warm")
		m.logger.Info("project created from warm instance", "name", name, "instance", p.InstanceID, "port", p.Port, "pid", p.PID)
		m.observe()
		m.ensureWarm()
		return p, nil
	}

	p, err := m.spawnOne(ctx, procmgr.RoleAssigned, name, tmpl)
	m.ensureWarm()
	if err != nil {
		return procmgr.ManagedProcess{}, err
	}

	m.mu.Lock()
	err = m.track(p)
	m.mu.Unlock()
	if err != nil {
		m.spawner.Terminate(context.WithoutCancel(ctx), p.PID, p.Exited, m.cfg.GracePeriod)
		m.ports.Release(p.Port, p.InstanceID)
		os.RemoveAll(p.Dir)
		return procmgr.ManagedProcess{}, launcher.NewError(launcher.ErrorCodeInternalError, "failed to track project").WithCause(err)
	}

	m.metrics.ProjectCreated("direct")
	m.logger.Info("project created by direct spawn", "name", name, "instance", p.InstanceID, "port", p.Port, "pid", p.PID, "template", tmpl)
	m.observe()
	return p, nil
}

// KillProject terminates a project's dev server and keeps its directory
func (m *Manager) KillProject(ctx context.Context, key string) error {
	return m.stop(ctx, key, false)
}

// DeleteProject terminates a project's dev server and removes its directory
func (m *Manager) DeleteProject(ctx context.Context, key string) error {
	return m.stop(ctx, key, true)
}

// ListProjects returns assigned processes ordered by creation time
func (m *Manager) ListProjects() []procmgr.ManagedProcess {
	return m.table.ByRole(procmgr.RoleAssigned)
}

// ListProcesses returns every tracked process including the warm one
func (m *Manager) ListProcesses() []procmgr.ManagedProcess {
	return m.table.Snapshot()
}

// ListOS returns a live listing of tagged processes straight from the OS
func (m *Manager) ListOS(ctx context.Context) ([]procmgr.ManagedProcess, error) {
	return m.lister.ListManaged(ctx)
}

// Health reports the warm slot state
func (m *Manager) Health() Health {
	m.mu.Lock()
	h := Health{
		Status:              "ok",
		Enabled:             m.cfg.Enabled,
		Slot:                m.state.String(),
		WarmTemplate:        m.cfg.WarmTemplate,
		ConsecutiveFailures: m.failures,
		LastError:           m.lastError,
		Strays:              len(m.strays),
	}
	if !m.lastErrorAt.IsZero() {
		at := m.lastErrorAt
		h.LastErrorAt = &at
	}
	if m.state == StateWarm {
		h.WarmInstance = m.warmID
	}
	m.mu.Unlock()

	if h.WarmInstance != "" {
		if p, ok := m.table.Get(h.WarmInstance); ok {
			h.WarmPort = p.Port
		}
	}
	h.Projects = len(m.ListProjects())
	if h.ConsecutiveFailures >= DegradedAfter {
		h.Status = "degraded"
	}
	return h
}

// Reconcile brings the table in line with the OS process list, terminates
// warm instances beyond the one held in the slot and drops assignment
// records whose process is gone.
func (m *Manager) Reconcile(ctx context.Context) (procmgr.ReconcileResult, error) {
	m.reapStrays(ctx)

	records, err := m.ledger.Assignments(ctx)
	if err != nil {
		m.logger.Warn("failed to read assignments, reconciling without them", "error", err)
	}
	assignments := make(map[string]string, len(records))
	for _, a := range records {
		assignments[a.InstanceID] = a.Name
	}

	result, err := procmgr.Reconcile(ctx, m.lister, m.table, procmgr.ReconcileOptions{
		Assignments: assignments,
		DirFor:      m.dirFor,
		Template:    m.cfg.WarmTemplate,
		Logger:      m.logger,
	})
	m.metrics.ReconcileRun(len(result.Adopted), len(result.Dropped), err)
	if err != nil {
		return result, err
	}

	for _, p := range result.Adopted {
		if err := m.ports.Lease(p.Port, p.InstanceID); err != nil {
			m.logger.Warn("adopted process port conflicts with a lease", "instance", p.InstanceID, "port", p.Port, "error", err)
		}
	}

	lost := false
	for _, p := range result.Dropped {
		m.ports.Release(p.Port, p.InstanceID)
		if p.Role == procmgr.RoleAssigned {
			m.forgetAssignment(ctx, p.InstanceID)
		}
		m.mu.Lock()
		if m.state == StateWarm && m.warmID == p.InstanceID {
			m.apply(EventLost)
			m.warmID = ""
			lost = true
		}
		m.mu.Unlock()
	}

	for _, a := range records {
		if _, ok := m.table.Get(a.InstanceID); !ok {
			m.logger.Info("dropping stale assignment", "instance", a.InstanceID, "name", a.Name)
			m.forgetAssignment(ctx, a.InstanceID)
		}
	}

	var extras []procmgr.ManagedProcess
	m.mu.Lock()
	for _, p := range m.table.ByRole(procmgr.RoleWarm) {
		switch {
		case m.state == StateWarm && m.warmID == p.InstanceID:
		case m.state == StateEmpty:
			m.apply(EventSpawnStarted)
			m.apply(EventSpawnReady)
			m.warmID = p.InstanceID
			m.logger.Info("adopted warm instance", "instance", p.InstanceID, "port", p.Port)
		default:
			extras = append(extras, p)
		}
	}
	m.mu.Unlock()

	for _, p := range extras {
		m.logger.Info("terminating extra warm instance", "instance", p.InstanceID, "pid", p.PID)
		if err := m.stop(ctx, p.InstanceID, true); err != nil {
			m.logger.Warn("failed to terminate extra warm instance", "instance", p.InstanceID, "error", err)
		}
	}
	result.ExtraWarm = extras

	m.observe()
	if lost {
		m.ensureWarm()
	}
	return result, nil
}

// Close stops replenishment. Dev servers keep running unless KillOnExit
// is set.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for warm pool to stop: %w", ctx.Err())
	}

	if !m.cfg.KillOnExit {
		return nil
	}

	var errs []error
	for _, p := range m.table.Snapshot() {
		if err := m.stop(ctx, p.Key(), false); err != nil {
			errs = append(errs, err)
		}
	}
	m.reapStrays(ctx)
	return errors.Join(errs...)
}

// claimWarm relabels the warm instance as the named project. Only one
// caller can win a given instance.
func (m *Manager) claimWarm(name, tmpl string) (procmgr.ManagedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateWarm {
		return procmgr.ManagedProcess{}, false
	}

	warm, ok := m.table.Get(m.warmID)
	if !ok || warm.Template != tmpl {
		return procmgr.ManagedProcess{}, false
	}

	p, err := m.table.Assign(m.warmID, name)
	if err != nil {
		m.logger.Error("failed to assign warm instance", "instance", m.warmID, "name", name, "error", err)
		return procmgr.ManagedProcess{}, false
	}

	m.apply(EventClaimed)
	m.warmID = ""
	return p, true
}

// ensureWarm starts the replenish loop unless it is already running, the
// slot is occupied or the pool is disabled or closed.
func (m *Manager) ensureWarm() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.cfg.Enabled || m.loopActive || m.state != StateEmpty {
		return
	}
	m.loopActive = true
	m.wg.Add(1)
	go m.replenish()
}

// replenish spawns a warm instance, retrying with backoff until one is
// ready or the pool is closed.
func (m *Manager) replenish() {
	defer m.wg.Done()

	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if m.closed || m.state != StateEmpty {
			m.loopActive = false
			m.mu.Unlock()
			return
		}
		m.apply(EventSpawnStarted)
		m.mu.Unlock()

		p, err := m.spawnOne(m.ctx, procmgr.RoleWarm, "", m.cfg.WarmTemplate)

		m.mu.Lock()
		if err == nil {
			err = m.track(p)
			if err != nil {
				m.spawner.Terminate(context.Background(), p.PID, p.Exited, m.cfg.GracePeriod)
				m.ports.Release(p.Port, p.InstanceID)
				os.RemoveAll(p.Dir)
			}
		}
		if err != nil {
			m.apply(EventSpawnFailed)
			m.failures++
			m.lastError = err.Error()
			m.lastErrorAt = time.Now()
			failures := m.failures
			m.mu.Unlock()

			delay := procmgr.ExponentialBackoff(attempt, m.cfg.BackoffBase, m.cfg.BackoffMax)
			m.metrics.ReplenishBackoff(delay)
			m.logger.Warn("warm spawn failed, retrying",
				"attempt", attempt+1,
				"consecutive_failures", failures,
				"retry_in", delay,
				"error", err)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-m.ctx.Done():
				timer.Stop()
				m.mu.Lock()
				m.loopActive = false
				m.mu.Unlock()
				return
			}
			continue
		}

		m.apply(EventSpawnReady)
		m.warmID = p.InstanceID
		m.failures = 0
		m.lastError = ""
		m.loopActive = false
		m.mu.Unlock()

		m.observe()
		return
	}
}

// spawnOne allocates a port and spawns an instance. The caller tracks it.
func (m *Manager) spawnOne(ctx context.Context, role procmgr.Role, name, tmpl string) (procmgr.ManagedProcess, error) {
	id := m.newID()

	port, err := m.ports.Allocate(id)
	if err != nil {
		return procmgr.ManagedProcess{}, err
	}

	m.table.ExpectInstance(id)
	p, err := m.spawner.Spawn(ctx, launcher.SpawnRequest{
		Template:   tmpl,
		Name:       name,
		Port:       port,
		Dir:        m.dirFor(id),
		Role:       role,
		InstanceID: id,
	})
	if err != nil {
		m.table.ForgetInstance(id)
		m.ports.Release(port, id)
		return procmgr.ManagedProcess{}, err
	}
	return p, nil
}

// track adds a spawned process to the table and watches for its exit.
// Must be called with m.mu held.
func (m *Manager) track(p procmgr.ManagedProcess) error {
	if err := m.table.Add(p); err != nil {
		m.table.ForgetInstance(p.InstanceID)
		return err
	}
	if p.Spawned() {
		m.wg.Add(1)
		go m.watchExit(p)
	}
	return nil
}

// watchExit cleans up after a process that exits on its own
func (m *Manager) watchExit(p procmgr.ManagedProcess) {
	defer m.wg.Done()

	select {
	case <-p.Exited:
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	removed, ok := m.table.RemoveExited(p.InstanceID, p.PID)
	wasWarm := ok && m.state == StateWarm && m.warmID == p.InstanceID
	if wasWarm {
		m.apply(EventLost)
		m.warmID = ""
	}
	m.mu.Unlock()

	if !ok {
		// detached by kill or delete
		if stray, isStray := m.takeStray(p.InstanceID, p.PID); isStray {
			m.logger.Info("stray warm instance exited", "instance", stray.InstanceID, "pid", stray.PID)
			m.releaseStray(m.ctx, stray)
		}
		return
	}

	m.ports.Release(removed.Port, removed.InstanceID)
	m.metrics.ProcessExited(removed.Role)
	m.logger.Warn("managed process exited",
		"instance", removed.InstanceID,
		"name", removed.Name,
		"role", removed.Role.String(),
		"pid", removed.PID,
		"port", removed.Port)

	if removed.Role == procmgr.RoleAssigned {
		m.forgetAssignment(m.ctx, removed.InstanceID)
	} else {
		m.removeDir(m.ctx, removed, "warm instance exited")
	}

	m.observe()
	if wasWarm {
		m.ensureWarm()
	}
}

// stop detaches, terminates and releases the process resolved by key
func (m *Manager) stop(ctx context.Context, key string, removeDir bool) error {
	m.mu.Lock()
	p, ok := m.table.Detach(key)
	if !ok {
		m.mu.Unlock()
		return launcher.ErrProjectNotFound(key)
	}
	wasWarm := m.state == StateWarm && m.warmID == p.InstanceID
	if wasWarm {
		m.apply(EventLost)
		m.warmID = ""
	}
	m.mu.Unlock()

	if wasWarm {
		m.ensureWarm()
	}

	if err := m.spawner.Terminate(ctx, p.PID, p.Exited, m.cfg.GracePeriod); err != nil {
		m.logger.Error("failed to terminate process", "key", key, "pid", p.PID, "error", err)
		if p.Role == procmgr.RoleWarm {
			// a replacement may already be warming, so this one must not
			// come back as a second warm entry
			m.mu.Lock()
			m.strays[p.InstanceID] = p
			m.mu.Unlock()
			m.logger.Warn("holding warm instance as stray until it can be terminated", "instance", p.InstanceID, "pid", p.PID)
		} else if addErr := m.table.Add(p); addErr != nil {
			m.logger.Error("failed to re-attach process after kill failure", "instance", p.InstanceID, "error", addErr)
		}
		return launcher.ErrProcessKill(key, p.PID, err)
	}

	m.table.ForgetInstance(p.InstanceID)
	m.ports.Release(p.Port, p.InstanceID)
	if p.Role == procmgr.RoleAssigned {
		m.forgetAssignment(ctx, p.InstanceID)
	}
	m.logger.Info("process terminated", "key", key, "instance", p.InstanceID, "pid", p.PID, "port", p.Port)

	if removeDir {
		m.removeDir(ctx, p, "delete "+key)
	}

	m.observe()
	return nil
}

// reapStrays retries terminating warm instances that survived a stop
func (m *Manager) reapStrays(ctx context.Context) {
	m.mu.Lock()
	strays := make([]procmgr.ManagedProcess, 0, len(m.strays))
	for _, p := range m.strays {
		strays = append(strays, p)
	}
	m.mu.Unlock()

	for _, p := range strays {
		if err := m.spawner.Terminate(ctx, p.PID, p.Exited, m.cfg.GracePeriod); err != nil {
			m.logger.Warn("stray warm instance is still running", "instance", p.InstanceID, "pid", p.PID, "error", err)
			continue
		}
		if stray, ok := m.takeStray(p.InstanceID, p.PID); ok {
			m.logger.Info("terminated stray warm instance", "instance", stray.InstanceID, "pid", stray.PID)
			m.releaseStray(ctx, stray)
		}
	}
}

// takeStray removes a stray so exactly one of the exit watcher and the
// reaper releases it
func (m *Manager) takeStray(instanceID string, pid int) (procmgr.ManagedProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.strays[instanceID]
	if !ok || p.PID != pid {
		return procmgr.ManagedProcess{}, false
	}
	delete(m.strays, instanceID)
	return p, true
}

func (m *Manager) releaseStray(ctx context.Context, p procmgr.ManagedProcess) {
	m.table.ForgetInstance(p.InstanceID)
	m.ports.Release(p.Port, p.InstanceID)
	m.removeDir(ctx, p, "stray warm instance "+p.InstanceID)
	m.observe()
}

// removeDir deletes a working directory below ProjectsDir. Failures are
// logged and queued in the ledger for the sweeper; they never fail the
// caller.
func (m *Manager) removeDir(ctx context.Context, p procmgr.ManagedProcess, reason string) {
	if p.Dir == "" {
		return
	}
	if !m.ownsDir(p.Dir) {
		m.logger.Warn("not removing directory outside projects dir", "dir", p.Dir, "projects_dir", m.cfg.ProjectsDir)
		return
	}

	if err := os.RemoveAll(p.Dir); err != nil {
		cleanupErr := launcher.ErrDirectoryCleanup(p.Dir, err)
		m.logger.Error("failed to remove project directory", "dir", p.Dir, "error", cleanupErr)
		if err := m.ledger.RecordOrphan(context.WithoutCancel(ctx), p.Dir, reason); err != nil {
			m.logger.Error("failed to record orphaned directory", "dir", p.Dir, "error", err)
		}
	}
}

func (m *Manager) ownsDir(dir string) bool {
	root, err := filepath.Abs(m.cfg.ProjectsDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}

func (m *Manager) recordAssignment(ctx context.Context, p procmgr.ManagedProcess) {
	err := m.ledger.PutAssignment(ctx, ledger.Assignment{
		InstanceID: p.InstanceID,
		Name:       p.Name,
		Port:       p.Port,
		Dir:        p.Dir,
		Template:   p.Template,
	})
	if err != nil {
		m.logger.Error("failed to persist assignment; it will look warm after a restart",
			"instance", p.InstanceID, "name", p.Name, "error", err)
	}
}

func (m *Manager) forgetAssignment(ctx context.Context, instanceID string) {
	if err := m.ledger.DeleteAssignment(context.WithoutCancel(ctx), instanceID); err != nil {
		m.logger.Warn("failed to delete assignment", "instance", instanceID, "error", err)
	}
}

// apply runs the slot state machine. Must be called with m.mu held.
func (m *Manager) apply(e Event) {
	next, err := transition(m.state, e)
	if err != nil {
		m.logger.Error("warm slot state machine rejected event", "error", err)
		return
	}
	m.logger.Debug("warm slot transition", "from", m.state.String(), "to", next.String(), "event", e.String())
	m.metrics.SlotTransition(m.state.String(), next.String())
	m.state = next
}

func (m *Manager) observe() {
	m.metrics.ProcessCount(procmgr.RoleWarm, len(m.table.ByRole(procmgr.RoleWarm)))
	m.metrics.ProcessCount(procmgr.RoleAssigned, len(m.table.ByRole(procmgr.RoleAssigned)))
}

func (m *Manager) dirFor(instanceID string) string {
	return filepath.Join(m.cfg.ProjectsDir, instanceID)
}

func newInstanceID() string {
	return uuid.New().String()[:8]
}

func generateName() string {
	return "project-" + newInstanceID()
}

type nopLedger struct{}

func (nopLedger) PutAssignment(context.Context, ledger.Assignment) error { return nil }
func (nopLedger) DeleteAssignment(context.Context, string) error         { return nil }
func (nopLedger) Assignments(context.Context) ([]ledger.Assignment, error) {
	return nil, nil
}
func (nopLedger) RecordOrphan(context.Context, string, string) error { return nil }
