package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up in each template directory
const ManifestFile = "template.yaml"

// DefaultReadyTimeout bounds how long a dev server may take to listen
const DefaultReadyTimeout = 60 * time.Second

// Manifest defines the declarative configuration for a project template
type Manifest struct {
	// Name of the template (e.g., "default", "vite-react")
	Name string `yaml:"name"`

	// Optional: Description of the template
	Description string `yaml:"description"`

	// Directory or archive copied into each project (relative to manifest file)
	Source string `yaml:"source"`

	// Dev server command; {{port}}, {{name}} and {{dir}} are substituted
	Command []string `yaml:"command"`

	// Environment variables for the dev server process
	Environment map[string]string `yaml:"env"`

	// How long the dev server may take to accept connections
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// Internal: Absolute path to manifest file (populated during load)
	manifestPath string `yaml:"-"`
}

// LoadManifest loads a manifest from a YAML file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	manifest.manifestPath = absPath

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	return &manifest, nil
}

// Validate checks if the manifest is valid and fills in defaults
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if len(m.Command) == 0 || strings.TrimSpace(m.Command[0]) == "" {
		return fmt.Errorf("command is required")
	}

	if m.ReadyTimeout < 0 {
		return fmt.Errorf("ready_timeout must not be negative, got: %s", m.ReadyTimeout)
	}
	if m.ReadyTimeout == 0 {
		m.ReadyTimeout = DefaultReadyTimeout
	}

	if m.Source != "" {
		if _, err := os.Stat(m.SourcePath()); err != nil {
			return fmt.Errorf("source not found: %s: %w", m.SourcePath(), err)
		}
	}

	for key := range m.Environment {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("invalid env key %q", key)
		}
	}

	return nil
}

// SourcePath returns the absolute path to the template source, or "" when
// the template has no source and projects start from an empty directory.
func (m *Manifest) SourcePath() string {
	if m.Source == "" {
		return ""
	}
	if filepath.IsAbs(m.Source) {
		return m.Source
	}

	manifestDir := filepath.Dir(m.manifestPath)
	return filepath.Join(manifestDir, m.Source)
}

// ManifestPath returns the absolute path to the manifest file
func (m *Manifest) ManifestPath() string {
	return m.manifestPath
}

// Expand substitutes {{port}}, {{name}} and {{dir}} in the command and
// environment. It returns copies and leaves the manifest untouched.
func (m *Manifest) Expand(port int, name, dir string) ([]string, map[string]string) {
	r := strings.NewReplacer(
		"{{port}}", fmt.Sprint(port),
		"{{name}}", name,
		"{{dir}}", dir,
	)

	args := make([]string, len(m.Command))
	for i, arg := range m.Command {
		args[i] = r.Replace(arg)
	}

	env := make(map[string]string, len(m.Environment))
	for k, v := range m.Environment {
		env[k] = r.Replace(v)
	}

	return args, env
}
