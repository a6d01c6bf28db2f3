package warmpool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/portalloc"
	"github.com/RobPruzan/zenbu-daemon/pkg/testing/devserver"
)

func TestMain(m *testing.M) {
	devserver.Main()
	os.Exit(m.Run())
}

func get(t *testing.T, port int) string {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRealDevServers(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	templates := t.TempDir()
	devserver.WriteTemplate(t, templates, devserver.Template{
		Name:  "default",
		Mode:  devserver.Serve,
		Files: map[string]string{"src/main.js": "console.log('hi')"},
	})
	registry := launcher.NewRegistry(templates, nil)
	require.NoError(t, registry.Discover())

	spawner := launcher.NewSpawner(registry, launcher.WithReadyPoll(20*time.Millisecond))
	projects := t.TempDir()

	m := New(Config{
		ProjectsDir:  projects,
		WarmTemplate: "default",
		Enabled:      true,
		GracePeriod:  2 * time.Second,
		KillOnExit:   true,
	}, spawner, portalloc.New(43100, 50), WithLister(&fakeLister{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(ctx)
	})

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.Health().Slot == StateWarm.String()
	}, 15*time.Second, 20*time.Millisecond)

	warm, err := m.CreateProject(context.Background(), CreateRequest{Name: "blog"})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(warm.Dir, "src", "main.js"))
	assert.Equal(t, "ok \n", get(t, warm.Port), "warm instances start without a project")

	direct, err := m.CreateProject(context.Background(), CreateRequest{Name: "docs"})
	require.NoError(t, err)
	assert.NotEqual(t, warm.Port, direct.Port)
	// served warm when replenishment already finished, by direct spawn otherwise
	assert.Contains(t, []string{"ok docs\n", "ok \n"}, get(t, direct.Port))

	require.NoError(t, m.DeleteProject(context.Background(), "blog"))
	assert.NoDirExists(t, warm.Dir)
	_, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/", warm.Port))
	assert.Error(t, err, "dev server is gone after delete")

	assert.ErrorContains(t, m.DeleteProject(context.Background(), "blog"), string(launcher.ErrorCodeProjectNotFound))
}
