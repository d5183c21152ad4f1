// Package linker copies freshly built package output into the node_modules
// trees of consumer projects listed in the workspace link manifest.
package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultManifestPath is the conventional link manifest location, relative
// to the workspace root.
const DefaultManifestPath = ".fdt-link.toml"

// Manifest lists the consumers that receive build output.
type Manifest struct {
	// OutputDirs overrides the default output directories for every
	// consumer that does not set its own.
	OutputDirs []string   `toml:"output_dirs,omitempty"`
	Consumers  []Consumer `toml:"consumer"`
}

// Consumer is a project outside the workspace that installs workspace
// packages.
type Consumer struct {
	// Path is the consumer root, absolute or relative to the workspace root.
	Path string `toml:"path"`
	// Packages limits syncing to these package names. Empty means all.
	Packages   []string `toml:"packages,omitempty"`
	OutputDirs []string `toml:"output_dirs,omitempty"`
}

// Wants reports whether the consumer takes the named package.
func (c Consumer) Wants(name string) bool {
	return len(c.Packages) == 0 || slices.Contains(c.Packages, name)
}

// LoadManifest reads a link manifest. If the file does not exist, it returns
// an empty manifest and no error.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("reading link manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing link manifest %s: %w", path, err)
	}
	for i, c := range m.Consumers {
		if c.Path == "" {
			return nil, fmt.Errorf("parsing link manifest %s: consumer %d has no path", path, i+1)
		}
	}
	return &m, nil
}

// SaveManifest writes the manifest to path, creating parent directories as
// needed.
func SaveManifest(path string, m *Manifest) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling link manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing link manifest: %w", err)
	}
	return nil
}
