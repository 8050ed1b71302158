package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestEntry is one docset declared in the bootstrap manifest.
type ManifestEntry struct {
	BaseURL      string   `yaml:"baseUrl"`
	SeedSlug     string   `yaml:"seedSlug,omitempty"`
	Name         string   `yaml:"name,omitempty"`
	AllowedPaths []string `yaml:"allowedPaths,omitempty"`
}

// Manifest is the optional <dataDir>/docsets.yaml: docsets to register on
// worker start. A missing file is an empty manifest; a malformed file is
// reported to the caller, who logs and continues — the manifest is a
// convenience, never a gate.
type Manifest struct {
	Docsets []ManifestEntry `yaml:"docsets"`
}

// LoadManifest reads the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	valid := m.Docsets[:0]
	for _, entry := range m.Docsets {
		if entry.BaseURL == "" {
			continue
		}
		valid = append(valid, entry)
	}
	m.Docsets = valid
	return &m, nil
}
