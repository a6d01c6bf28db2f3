package launcher

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a dev server gets to exit after SIGTERM
const DefaultGracePeriod = 10 * time.Second

// Terminate stops the process group led by pid: SIGTERM, wait up to grace,
// then SIGKILL and wait a little longer. exited may be nil for processes
// this daemon did not start, in which case liveness is polled. A process
// that is already gone counts as terminated.
func (s *Spawner) Terminate(ctx context.Context, pid int, exited <-chan struct{}, grace time.Duration) error {
	start := time.Now()
	err := s.terminate(ctx, pid, exited, grace)
	s.metrics.TerminationDuration(time.Since(start), err)
	return err
}

func (s *Spawner) terminate(ctx context.Context, pid int, exited <-chan struct{}, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	if s.waitGone(ctx, pid, exited, grace) {
		s.logger.Debug("process exited gracefully", "pid", pid)
		return nil
	}

	s.logger.Warn("process did not exit within grace period, force killing", "pid", pid, "grace", grace)
	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("send SIGKILL: %w", err)
	}

	if s.waitGone(context.WithoutCancel(ctx), pid, exited, s.killWait) {
		return nil
	}
	return fmt.Errorf("process %d did not die after SIGKILL", pid)
}

// waitGone reports whether the process went away within timeout
func (s *Spawner) waitGone(ctx context.Context, pid int, exited <-chan struct{}, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if exited != nil {
		select {
		case <-exited:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !Alive(pid)
		case <-ctx.Done():
			return false
		}
	}
}

// Alive reports whether a process with pid exists
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signalGroup signals the process group led by pid, falling back to the
// process itself when it does not lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}
