package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/portalloc"
	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
	"github.com/RobPruzan/zenbu-daemon/pkg/warmpool"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeService struct {
	created   warmpool.CreateRequest
	createErr error
	deleteErr error
	killErr   error
	deleted   []string
	killed    []string
	projects  []procmgr.ManagedProcess
	procs     []procmgr.ManagedProcess
	osProcs   []procmgr.ManagedProcess
	osErr     error
	health    warmpool.Health
}

func (f *fakeService) CreateProject(ctx context.Context, req warmpool.CreateRequest) (procmgr.ManagedProcess, error) {
	f.created = req
	if f.createErr != nil {
		return procmgr.ManagedProcess{}, f.createErr
	}
	name := req.Name
	if name == "" {
		name = "project-0a1b2c3d"
	}
	return procmgr.ManagedProcess{PID: 4242, Name: name, Port: 3001, Dir: "/projects/0a1b2c3d", Role: procmgr.RoleAssigned}, nil
}

func (f *fakeService) DeleteProject(ctx context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.deleteErr
}

func (f *fakeService) KillProject(ctx context.Context, key string) error {
	f.killed = append(f.killed, key)
	return f.killErr
}

func (f *fakeService) ListProjects() []procmgr.ManagedProcess  { return f.projects }
func (f *fakeService) ListProcesses() []procmgr.ManagedProcess { return f.procs }
func (f *fakeService) ListOS(ctx context.Context) ([]procmgr.ManagedProcess, error) {
	return f.osProcs, f.osErr
}
func (f *fakeService) Health() warmpool.Health { return f.health }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestListProjectsEmptyIsArray(t *testing.T) {
	srv := NewServer(&fakeService{}, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodGet, "/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestListProjects(t *testing.T) {
	svc := &fakeService{projects: []procmgr.ManagedProcess{
		{PID: 10, Name: "blog", Port: 3001, Dir: "/projects/aaaaaaaa", Role: procmgr.RoleAssigned},
	}}
	srv := NewServer(svc, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodGet, "/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"name":"blog","port":3001,"pid":10,"cwd":"/projects/aaaaaaaa"}]`, w.Body.String())
}

func TestCreateProject(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantReq    warmpool.CreateRequest
	}{
		{name: "no body", wantStatus: http.StatusOK},
		{name: "empty object", body: `{}`, wantStatus: http.StatusOK},
		{name: "named", body: `{"name":"blog","template":"vite"}`, wantStatus: http.StatusOK,
			wantReq: warmpool.CreateRequest{Name: "blog", Template: "vite"}},
		{name: "malformed body", body: `{"name":`, wantStatus: http.StatusBadRequest},
		{name: "invalid name", body: `{"name":"Bad Name"}`, err: launcher.ErrInvalidRequest("name", "Bad Name", "bad"),
			wantStatus: http.StatusBadRequest, wantReq: warmpool.CreateRequest{Name: "Bad Name"}},
		{name: "duplicate", body: `{"name":"blog"}`, err: launcher.ErrProjectExists("blog"),
			wantStatus: http.StatusConflict, wantReq: warmpool.CreateRequest{Name: "blog"}},
		{name: "spawn failure", err: launcher.ErrSpawnFailed("default", 3001, errors.New("exit status 1")),
			wantStatus: http.StatusInternalServerError},
		{name: "no port", err: launcher.ErrNoPortAvailable(3001, 100), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{createErr: tt.err}
			srv := NewServer(svc, WithLogger(quietLogger()))

			w := do(t, srv.Handler(), http.MethodPost, "/projects", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, decodeError(t, w))
				return
			}
			assert.Equal(t, tt.wantReq, svc.created)

			var p Project
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
			assert.Equal(t, 3001, p.Port)
			assert.Equal(t, 4242, p.PID)
			assert.NotEmpty(t, p.Name)
		})
	}
}

func TestDeleteProject(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodDelete, "/projects/blog", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, []string{"blog"}, svc.deleted)

	svc.deleteErr = launcher.ErrProjectNotFound("blog")
	w = do(t, srv.Handler(), http.MethodDelete, "/projects/blog", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeError(t, w), "not found")

	svc.deleteErr = launcher.ErrProcessKill("blog", 10, errors.New("operation not permitted"))
	w = do(t, srv.Handler(), http.MethodDelete, "/projects/blog", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestKillProject(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodPost, "/projects/blog/kill", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"blog"}, svc.killed)

	svc.killErr = launcher.ErrProjectNotFound("docs")
	w = do(t, srv.Handler(), http.MethodPost, "/projects/docs/kill", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProcesses(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &fakeService{
		procs: []procmgr.ManagedProcess{
			{PID: 10, InstanceID: "aaaaaaaa", Port: 3001, Role: procmgr.RoleWarm, Template: "default", CreatedAt: created},
		},
		osProcs: []procmgr.ManagedProcess{
			{PID: 11, InstanceID: "bbbbbbbb", Name: "blog", Port: 3002, Role: procmgr.RoleAssigned, CreatedAt: created},
		},
	}
	srv := NewServer(svc, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodGet, "/processes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"instance_id":"aaaaaaaa","role":"warm","port":3001,"pid":10,"cwd":"","template":"default","created_at":"2026-01-02T03:04:05Z"}]`, w.Body.String())

	w = do(t, srv.Handler(), http.MethodGet, "/processes?source=os", "")
	require.Equal(t, http.StatusOK, w.Code)
	var procs []Process
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "blog", procs[0].Name)
	assert.Equal(t, "assigned", procs[0].Role)

	w = do(t, srv.Handler(), http.MethodGet, "/processes?source=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.osErr = errors.New("exec: \"ps\": executable file not found in $PATH")
	w = do(t, srv.Handler(), http.MethodGet, "/processes?source=os", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealth(t *testing.T) {
	svc := &fakeService{health: warmpool.Health{Status: "degraded", Slot: "empty", ConsecutiveFailures: 3, LastError: "boom"}}
	srv := NewServer(svc, WithLogger(quietLogger()))

	w := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var h map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
	assert.Equal(t, "degraded", h["status"])
	assert.Equal(t, "empty", h["slot"])
	assert.EqualValues(t, 3, h["consecutive_failures"])
}

func TestMetricsEndpoint(t *testing.T) {
	collector := procmgr.NewPrometheusMetricsCollector("")
	collector.ProjectCreated("warm")

	srv := NewServer(&fakeService{}, WithLogger(quietLogger()), WithMetricsRegistry(collector.Registry()))
	w := do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `zenbu_projects_created_total{source="warm"} 1`)

	srv = NewServer(&fakeService{}, WithLogger(quietLogger()))
	w = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// instantSpawner starts nothing; every process is alive until terminated.
type instantSpawner struct {
	mu    sync.Mutex
	pid   int
	exits map[int]chan struct{}
}

func (s *instantSpawner) Spawn(ctx context.Context, req launcher.SpawnRequest) (procmgr.ManagedProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exits == nil {
		s.exits = make(map[int]chan struct{})
	}
	s.pid++
	exited := make(chan struct{})
	s.exits[s.pid] = exited
	return procmgr.ManagedProcess{
		PID: s.pid, Name: req.Name, Port: req.Port, Dir: req.Dir, Template: req.Template,
		InstanceID: req.InstanceID, Role: req.Role, CreatedAt: time.Now(), Exited: exited,
	}, nil
}

func (s *instantSpawner) Terminate(ctx context.Context, pid int, exited <-chan struct{}, grace time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.exits[pid]; ok {
		close(ch)
		delete(s.exits, pid)
	}
	return nil
}

type emptyLister struct{}

func (emptyLister) ListManaged(ctx context.Context) ([]procmgr.ManagedProcess, error) { return nil, nil }

func TestProjectLifecycleOverHTTP(t *testing.T) {
	ports := portalloc.New(3001, 20, portalloc.WithProbe(func(int) bool { return true }))
	pool := warmpool.New(warmpool.Config{
		ProjectsDir:  t.TempDir(),
		WarmTemplate: "default",
		Enabled:      true,
	}, &instantSpawner{}, ports, warmpool.WithLister(emptyLister{}), warmpool.WithLogger(quietLogger()))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { pool.Close(context.Background()) })

	require.Eventually(t, func() bool { return pool.Health().Slot == "warm" }, 2*time.Second, 5*time.Millisecond)

	srv := NewServer(pool, WithLogger(quietLogger()))
	h := srv.Handler()

	w := do(t, h, http.MethodGet, "/projects", "")
	assert.JSONEq(t, `[]`, w.Body.String(), "warm instance is never listed")

	seen := map[int]bool{}
	for _, name := range []string{"blog", "docs", "shop"} {
		w = do(t, h, http.MethodPost, "/projects", `{"name":"`+name+`"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p Project
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		assert.False(t, seen[p.Port], "port %d reused", p.Port)
		seen[p.Port] = true
	}

	w = do(t, h, http.MethodGet, "/projects", "")
	var listed []Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 3)

	w = do(t, h, http.MethodPost, "/projects", `{"name":"blog"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodDelete, "/projects/blog", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodDelete, "/projects/blog", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
