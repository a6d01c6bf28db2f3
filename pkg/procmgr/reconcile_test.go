package procmgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	procs []ManagedProcess
	err   error
}

func (f *fakeLister) ListManaged(ctx context.Context) ([]ManagedProcess, error) {
	return f.procs, f.err
}

func TestReconcileAdoptsAndAppliesAssignments(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{procs: []ManagedProcess{
		{PID: 10, InstanceID: "aaaaaaaa", Role: RoleWarm, Port: 3001, CreatedAt: now},
		{PID: 11, InstanceID: "bbbbbbbb", Role: RoleWarm, Port: 3002, CreatedAt: now.Add(time.Second)},
		{PID: 12, InstanceID: "cccccccc", Role: RoleAssigned, Name: "docs", Port: 3003, CreatedAt: now},
	}}
	table := NewTable()

	result, err := Reconcile(context.Background(), lister, table, ReconcileOptions{
		Assignments: map[string]string{"bbbbbbbb": "blog"},
		DirFor:      func(id string) string { return filepath.Join("/projects", id) },
		Template:    "default",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Listed)
	assert.Len(t, result.Adopted, 3)
	assert.Empty(t, result.ExtraWarm)

	blog, ok := table.Resolve("blog")
	require.True(t, ok)
	assert.Equal(t, RoleAssigned, blog.Role)
	assert.Equal(t, "/projects/bbbbbbbb", blog.Dir)
	assert.Equal(t, "default", blog.Template)

	warm := table.ByRole(RoleWarm)
	require.Len(t, warm, 1)
	assert.Equal(t, "aaaaaaaa", warm[0].InstanceID)
}

func TestReconcileReportsExtraWarm(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{procs: []ManagedProcess{
		{PID: 11, InstanceID: "bbbbbbbb", Role: RoleWarm, Port: 3002, CreatedAt: now.Add(time.Second)},
		{PID: 10, InstanceID: "aaaaaaaa", Role: RoleWarm, Port: 3001, CreatedAt: now},
	}}
	table := NewTable()

	result, err := Reconcile(context.Background(), lister, table, ReconcileOptions{})
	require.NoError(t, err)

	require.Len(t, result.ExtraWarm, 1)
	assert.Equal(t, "bbbbbbbb", result.ExtraWarm[0].InstanceID, "oldest warm instance is kept")
}

func TestReconcileDropsVanishedAdoptedOnly(t *testing.T) {
	table := NewTable()
	exited := make(chan struct{})

	require.NoError(t, table.Add(ManagedProcess{PID: 10, InstanceID: "aaaaaaaa", Role: RoleAssigned, Name: "gone"}))
	require.NoError(t, table.Add(ManagedProcess{PID: 11, InstanceID: "bbbbbbbb", Role: RoleAssigned, Name: "mine", Exited: exited}))

	result, err := Reconcile(context.Background(), &fakeLister{}, table, ReconcileOptions{})
	require.NoError(t, err)

	require.Len(t, result.Dropped, 1)
	assert.Equal(t, "gone", result.Dropped[0].Name)

	_, ok := table.Resolve("mine")
	assert.True(t, ok, "spawned processes are left to their exit watcher")
}

func TestReconcileDropsReusedPID(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Add(ManagedProcess{PID: 10, InstanceID: "aaaaaaaa", Role: RoleAssigned, Name: "blog"}))

	lister := &fakeLister{procs: []ManagedProcess{
		{PID: 99, InstanceID: "aaaaaaaa", Role: RoleAssigned, Name: "blog"},
	}}
	result, err := Reconcile(context.Background(), lister, table, ReconcileOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Dropped, 1)
}

func TestReconcileSkipsPendingSpawns(t *testing.T) {
	table := NewTable()
	table.ExpectInstance("aaaaaaaa")

	lister := &fakeLister{procs: []ManagedProcess{
		{PID: 10, InstanceID: "aaaaaaaa", Role: RoleWarm, Port: 3001},
	}}
	result, err := Reconcile(context.Background(), lister, table, ReconcileOptions{})
	require.NoError(t, err)

	assert.Empty(t, result.Adopted)
	assert.Equal(t, 0, table.Len())
}

func TestReconcileListingError(t *testing.T) {
	_, err := Reconcile(context.Background(), &fakeLister{err: errors.New("ps: not found")}, NewTable(), ReconcileOptions{})
	assert.ErrorContains(t, err, "ps: not found")
}

func TestReconcileCollapsesForkedChildren(t *testing.T) {
	// a shebang launcher keeps its tag only in the environment, which the
	// sleep it forked inherited
	lister := &fakeLister{procs: []ManagedProcess{
		{PID: 6391, PGID: 6391, InstanceID: "abcdef12", Role: RoleWarm, Port: 3001},
		{PID: 6392, PGID: 6391, InstanceID: "abcdef12", Role: RoleWarm, Port: 3001},
	}}
	table := NewTable()
	opts := ReconcileOptions{Assignments: map[string]string{"abcdef12": "blog"}}

	result, err := Reconcile(context.Background(), lister, table, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Listed)
	require.Len(t, result.Adopted, 1)
	assert.Equal(t, 6391, result.Adopted[0].PID)
	assert.Empty(t, result.Dropped)

	blog, ok := table.Resolve("blog")
	require.True(t, ok)
	assert.Equal(t, 6391, blog.PID)

	// the child listed first on the next pass changes nothing
	lister.procs[0], lister.procs[1] = lister.procs[1], lister.procs[0]
	result, err = Reconcile(context.Background(), lister, table, opts)
	require.NoError(t, err)
	assert.Empty(t, result.Adopted)
	assert.Empty(t, result.Dropped)
	assert.Equal(t, 1, table.Len())
}
