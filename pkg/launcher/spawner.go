package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
)

// SpawnRequest describes one dev server to start
type SpawnRequest struct {
	Template   string
	Name       string // empty for warm instances
	Port       int
	Dir        string
	Role       procmgr.Role
	InstanceID string
}

// Spawner prepares project directories and launches dev servers
type Spawner struct {
	templates *Registry
	logger    *slog.Logger
	metrics   procmgr.MetricsCollector
	logDir    string
	readyPoll time.Duration
	killWait  time.Duration
}

// SpawnerOption configures the Spawner
type SpawnerOption func(*Spawner)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) SpawnerOption {
	return func(s *Spawner) {
		s.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc procmgr.MetricsCollector) SpawnerOption {
	return func(s *Spawner) {
		s.metrics = mc
	}
}

// WithLogDir writes each dev server's output to <dir>/<instance>.log.
// Without it output is discarded.
func WithLogDir(dir string) SpawnerOption {
	return func(s *Spawner) {
		s.logDir = dir
	}
}

// WithReadyPoll sets how often readiness is probed
func WithReadyPoll(d time.Duration) SpawnerOption {
	return func(s *Spawner) {
		s.readyPoll = d
	}
}

// NewSpawner creates a spawner resolving templates from registry
func NewSpawner(templates *Registry, opts ...SpawnerOption) *Spawner {
	s := &Spawner{
		templates: templates,
		logger:    slog.Default(),
		metrics:   procmgr.NewNoopMetricsCollector(),
		readyPoll: 100 * time.Millisecond,
		killWait:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "spawner")
	return s
}

// Spawn prepares req.Dir from the template, starts the dev server in its
// own process group and waits until it accepts connections on req.Port.
// On any failure nothing is left behind: the process group is killed and
// the directory removed.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (procmgr.ManagedProcess, error) {
	start := time.Now()

	p, err := s.spawn(ctx, req)
	s.metrics.SpawnDuration(req.Role, req.Template, time.Since(start), err)
	if err != nil {
		s.logger.Warn("spawn failed", "template", req.Template, "instance", req.InstanceID, "port", req.Port, "error", err)
		return procmgr.ManagedProcess{}, err
	}

	s.logger.Info("dev server ready",
		"instance", p.InstanceID,
		"name", p.Name,
		"role", p.Role.String(),
		"pid", p.PID,
		"port", p.Port,
		"duration", time.Since(start))
	return p, nil
}

func (s *Spawner) spawn(ctx context.Context, req SpawnRequest) (procmgr.ManagedProcess, error) {
	manifest, ok := s.templates.Get(req.Template)
	if !ok {
		return procmgr.ManagedProcess{}, ErrTemplateNotFound(req.Template, s.templates.Directory())
	}

	if err := PrepareDir(ctx, manifest, req.Dir); err != nil {
		return procmgr.ManagedProcess{}, err
	}

	fail := func(cause error) (procmgr.ManagedProcess, error) {
		os.RemoveAll(req.Dir)
		return procmgr.ManagedProcess{}, ErrSpawnFailed(req.Template, req.Port, cause)
	}

	args, env := manifest.Expand(req.Port, req.Name, req.Dir)
	title := procmgr.EncodeTitle(procmgr.Title{
		Role:       req.Role,
		InstanceID: req.InstanceID,
		Port:       req.Port,
		Name:       req.Name,
	})

	// The request context must not outlive the spawn, so the child is
	// not tied to it.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Args[0] = title
	cmd.Dir = req.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(req.Port),
		"ZENBU_PROJECT="+req.Name,
		"ZENBU_INSTANCE="+req.InstanceID,
		procmgr.TitleEnv+"="+title,
	)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := s.openLog(req.InstanceID)
	if err != nil {
		return fail(fmt.Errorf("open log: %w", err))
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Start()
	out.Close()
	if err != nil {
		return fail(fmt.Errorf("start process: %w", err))
	}

	pid := cmd.Process.Pid
	s.logger.Debug("launched process", "instance", req.InstanceID, "pid", pid, "title", title, "command", args)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	if err := s.waitReady(ctx, req.Port, exited, manifest.ReadyTimeout); err != nil {
		select {
		case <-exited:
			err = fmt.Errorf("%w: %v", err, waitErr)
		default:
			signalGroup(pid, syscall.SIGKILL)
			select {
			case <-exited:
			case <-time.After(s.killWait):
				s.logger.Error("process did not die after SIGKILL", "pid", pid)
			}
		}
		return fail(err)
	}

	return procmgr.ManagedProcess{
		PID:        pid,
		PGID:       pid,
		Name:       req.Name,
		Port:       req.Port,
		Dir:        req.Dir,
		Template:   req.Template,
		InstanceID: req.InstanceID,
		CreatedAt:  time.Now(),
		Role:       req.Role,
		Exited:     exited,
	}, nil
}

// waitReady polls until something accepts connections on port
func (s *Spawner) waitReady(ctx context.Context, port int, exited <-chan struct{}, timeout time.Duration) error {
	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.readyPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("process exited before listening on port %d", port)
		case <-deadline.C:
			return fmt.Errorf("not listening on port %d after %v", port, timeout)
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, s.readyPoll)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

func (s *Spawner) openLog(instanceID string) (*os.File, error) {
	if s.logDir == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(s.logDir, instanceID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
