// Package devserver lets a test binary stand in for a real dev server.
//
// Call Main from TestMain. When the binary is re-executed with ModeEnv set
// it behaves like a dev server in the requested mode and never returns;
// otherwise Main is a no-op and the tests run normally.
package devserver

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// ModeEnv selects the fake dev server behaviour
const ModeEnv = "ZENBU_TEST_DEVSERVER"

// Mode is a fake dev server behaviour
type Mode string

const (
	// Serve listens on $PORT and answers every request with 200
	Serve Mode = "serve"
	// ExitEarly exits with status 3 before listening
	ExitEarly Mode = "exit"
	// NeverListen runs until killed without opening a port
	NeverListen Mode = "hang"
	// IgnoreTerm listens like Serve but ignores SIGTERM
	IgnoreTerm Mode = "ignore-term"
)

// Main runs the fake dev server when requested and exits
func Main() {
	mode := Mode(os.Getenv(ModeEnv))
	if mode == "" {
		return
	}

	switch mode {
	case ExitEarly:
		fmt.Fprintln(os.Stderr, "devserver: exiting early")
		os.Exit(3)
	case NeverListen:
		for {
			time.Sleep(time.Hour)
		}
	case IgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		serve()
	case Serve:
		serve()
	default:
		fmt.Fprintf(os.Stderr, "devserver: unknown mode %q\n", mode)
		os.Exit(2)
	}
}

func serve() {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", os.Getenv("PORT")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "ok %s\n", os.Getenv("ZENBU_PROJECT"))
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.Serve(ln)
	os.Exit(0)
}

// Template describes a template directory to write for a test
type Template struct {
	Name         string
	Mode         Mode
	Files        map[string]string // source files, relative path -> content
	ReadyTimeout time.Duration

	// Shebang starts the server through a /bin/sh script that forks a
	// background child first, the way npm and friends launch dev servers.
	Shebang bool
}

// WriteTemplate writes root/<name>/template.yaml whose command re-executes
// the running test binary as a fake dev server.
func WriteTemplate(t testing.TB, root string, tmpl Template) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("devserver: locate test binary: %v", err)
	}

	dir := filepath.Join(root, tmpl.Name)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		t.Fatalf("devserver: %v", err)
	}
	for rel, content := range tmpl.Files {
		path := filepath.Join(dir, "files", filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("devserver: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("devserver: %v", err)
		}
	}

	timeout := tmpl.ReadyTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	command := exe
	if tmpl.Shebang {
		command = filepath.Join(dir, "dev.sh")
		script := fmt.Sprintf("#!/bin/sh\nsleep 300 &\nexec %q \"$@\"\n", exe)
		if err := os.WriteFile(command, []byte(script), 0o755); err != nil {
			t.Fatalf("devserver: %v", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", tmpl.Name)
	fmt.Fprintf(&b, "description: fake dev server (%s)\n", tmpl.Mode)
	fmt.Fprintf(&b, "source: ./files\n")
	fmt.Fprintf(&b, "command: [%q, \"--port\", \"{{port}}\"]\n", command)
	fmt.Fprintf(&b, "env:\n  %s: %q\n  PROJECT_DIR: \"{{dir}}\"\n", ModeEnv, string(tmpl.Mode))
	fmt.Fprintf(&b, "ready_timeout: %s\n", timeout)

	if err := os.WriteFile(filepath.Join(dir, "template.yaml"), []byte(b.String()), 0o644); err != nil {
		t.Fatalf("devserver: %v", err)
	}
	return dir
}
