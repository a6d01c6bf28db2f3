package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Registry maintains the collection of discovered project templates
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Manifest // template name -> manifest
	directory string               // root directory for template discovery
	logger    *slog.Logger
}

// NewRegistry creates a new template registry
func NewRegistry(directory string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		templates: make(map[string]*Manifest),
		directory: directory,
		logger:    logger.With("component", "templates"),
	}
}

// Discover scans the templates directory and loads all manifests. Invalid
// manifests are logged and skipped; finding none at all is an error. The
// previous set stays in place when discovery fails.
func (r *Registry) Discover() error {
	r.logger.Debug("discovering templates", "dir", r.directory)

	if _, err := os.Stat(r.directory); err != nil {
		return fmt.Errorf("templates directory not found: %s: %w", r.directory, err)
	}

	entries, err := os.ReadDir(r.directory)
	if err != nil {
		return fmt.Errorf("read templates directory: %w", err)
	}

	discovered := make(map[string]*Manifest)
	failed := 0

	// Scan each subdirectory for template.yaml
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(r.directory, entry.Name(), ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			r.logger.Debug("template directory has no manifest, skipping", "dir", entry.Name())
			continue
		}

		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			r.logger.Warn("failed to load template manifest", "dir", entry.Name(), "error", err)
			failed++
			continue
		}

		if prev, ok := discovered[manifest.Name]; ok {
			r.logger.Warn("duplicate template name, keeping first",
				"template", manifest.Name, "kept", prev.ManifestPath(), "skipped", manifestPath)
			failed++
			continue
		}

		discovered[manifest.Name] = manifest
		r.logger.Debug("discovered template", "template", manifest.Name, "source", manifest.SourcePath())
	}

	r.logger.Info("template discovery complete", "discovered", len(discovered), "failed", failed)

	if len(discovered) == 0 {
		return fmt.Errorf("no templates discovered in directory: %s", r.directory)
	}

	r.mu.Lock()
	r.templates = discovered
	r.mu.Unlock()

	return nil
}

// Get returns a manifest by name
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest, ok := r.templates[name]
	return manifest, ok
}

// List returns all registered templates sorted by name
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	templates := make([]*Manifest, 0, len(r.templates))
	for _, manifest := range r.templates {
		templates = append(templates, manifest)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

	return templates
}

// Count returns the number of registered templates
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.templates)
}

// Directory returns the root directory scanned by Discover
func (r *Registry) Directory() string {
	return r.directory
}

// Reload re-discovers all templates (used by the watcher for hot reload)
func (r *Registry) Reload() error {
	return r.Discover()
}
