package procmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

// TitleEnv carries the title tag in the child environment. Interpreters
// started through a shebang lose argv[0], so the procfs lister falls back
// to this variable.
const TitleEnv = "ZENBU_TITLE"

// Lister produces a point-in-time listing of managed processes from the OS
type Lister interface {
	ListManaged(ctx context.Context) ([]ManagedProcess, error)
}

// DefaultSource is the registry source picked for "auto". Only procfs can
// read ZENBU_TITLE back from the environment, which is the only tag left
// once a shebang launcher such as npm has replaced argv[0].
func DefaultSource() string {
	if runtime.GOOS == "linux" {
		return "procfs"
	}
	return "ps"
}

// NewLister returns the lister for a registry source name ("auto", "ps" or
// "procfs"). An empty source means "auto".
func NewLister(source string, logger *slog.Logger) (Lister, error) {
	if source == "" || source == "auto" {
		source = DefaultSource()
	}
	switch source {
	case "ps":
		return NewPSLister(logger), nil
	case "procfs":
		return NewProcfsLister(procfs.DefaultMountPoint, logger), nil
	default:
		return nil, fmt.Errorf("unknown registry source %q (want auto, ps or procfs)", source)
	}
}

// Leaders keeps one row per instance id. Children forked by a dev server
// inherit ZENBU_TITLE and list under the same id; the process group leader
// wins, then the lowest pid. Rows keep their order of first appearance.
func Leaders(procs []ManagedProcess) []ManagedProcess {
	index := make(map[string]int, len(procs))
	out := make([]ManagedProcess, 0, len(procs))
	for _, p := range procs {
		i, seen := index[p.InstanceID]
		if !seen {
			index[p.InstanceID] = len(out)
			out = append(out, p)
			continue
		}
		if preferLeader(p, out[i]) {
			out[i] = p
		}
	}
	return out
}

func preferLeader(a, b ManagedProcess) bool {
	if a.GroupLeader() != b.GroupLeader() {
		return a.GroupLeader()
	}
	return a.PID < b.PID
}

// PSLister lists processes by running ps
type PSLister struct {
	logger *slog.Logger
	args   []string
}

// NewPSLister creates a ps-backed lister
func NewPSLister(logger *slog.Logger) *PSLister {
	if logger == nil {
		logger = slog.Default()
	}
	return &PSLister{
		logger: logger.With("component", "ps-lister"),
		args:   []string{"-A", "-ww", "-o", "pid=", "-o", "pgid=", "-o", "args="},
	}
}

// ListManaged runs ps and returns one row per tagged instance
func (l *PSLister) ListManaged(ctx context.Context) ([]ManagedProcess, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ps", l.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ps: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	procs, err := ParseListing(&stdout, time.Now(), l.logger)
	if err != nil {
		return nil, err
	}
	return Leaders(procs), nil
}

// ParseListing parses "pid pgid args..." rows. Rows that are not tagged are
// ignored and malformed tags are logged and skipped.
func ParseListing(r io.Reader, seenAt time.Time, logger *slog.Logger) ([]ManagedProcess, error) {
	var out []ManagedProcess

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !IsTitle(fields[2]) {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			logger.Debug("skipping row with bad pid", "row", scanner.Text())
			continue
		}
		pgid, err := strconv.Atoi(fields[1])
		if err != nil {
			logger.Debug("skipping row with bad pgid", "row", scanner.Text())
			continue
		}

		p, err := fromTitle(pid, fields[2], seenAt)
		if err != nil {
			logger.Debug("skipping malformed title", "pid", pid, "error", err)
			continue
		}
		p.PGID = pgid
		out = append(out, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read process listing: %w", err)
	}

	return out, nil
}

// ProcfsLister lists processes by walking /proc
type ProcfsLister struct {
	mountPoint string
	logger     *slog.Logger
}

// NewProcfsLister creates a lister reading the proc filesystem at mountPoint
func NewProcfsLister(mountPoint string, logger *slog.Logger) *ProcfsLister {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcfsLister{
		mountPoint: mountPoint,
		logger:     logger.With("component", "procfs-lister"),
	}
}

// ListManaged walks /proc and returns one row per tagged instance
func (l *ProcfsLister) ListManaged(ctx context.Context) ([]ManagedProcess, error) {
	fs, err := procfs.NewFS(l.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", l.mountPoint, err)
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list procfs: %w", err)
	}

	now := time.Now()
	var out []ManagedProcess
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		tag := l.titleOf(proc)
		if tag == "" {
			continue
		}

		p, err := fromTitle(proc.PID, tag, now)
		if err != nil {
			l.logger.Debug("skipping malformed title", "pid", proc.PID, "error", err)
			continue
		}

		if cwd, err := proc.Cwd(); err == nil {
			p.Dir = cwd
		}
		if stat, err := proc.Stat(); err == nil {
			p.PGID = stat.PGRP
			if started, err := stat.StartTime(); err == nil {
				p.CreatedAt = time.Unix(0, int64(started*float64(time.Second)))
			}
		}
		out = append(out, p)
	}

	return Leaders(out), nil
}

// titleOf returns the tag from argv[0] or the environment, or "" when the
// process is not managed or has already gone away.
func (l *ProcfsLister) titleOf(proc procfs.Proc) string {
	cmdline, err := proc.CmdLine()
	if err == nil && len(cmdline) > 0 && IsTitle(cmdline[0]) {
		return cmdline[0]
	}

	environ, err := proc.Environ()
	if err != nil {
		return ""
	}
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, TitleEnv+"="); ok && IsTitle(v) {
			return v
		}
	}
	return ""
}

func fromTitle(pid int, tag string, seenAt time.Time) (ManagedProcess, error) {
	t, err := ParseTitle(tag)
	if err != nil {
		return ManagedProcess{}, err
	}
	return ManagedProcess{
		PID:        pid,
		Name:       t.Name,
		Port:       t.Port,
		InstanceID: t.InstanceID,
		Role:       t.Role,
		CreatedAt:  seenAt,
	}, nil
}
