// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Manifest describes one installable plugin. It ships next to the
// plugin artifact as a YAML file.
type Manifest struct {
	// ID is the stable plugin identifier. Lowercase alphanumerics plus
	// dot, dash, underscore; it names the plugin's socket, data
	// directory, and database rows.
	ID string `yaml:"id"`

	// Name is the human-readable display name.
	Name string `yaml:"name"`

	// Version is the plugin's own version string.
	Version string `yaml:"version"`

	// EntryPoint is the class or symbol the sandbox instantiates.
	EntryPoint string `yaml:"entry_point"`

	// Artifact is the plugin code bundle, relative to the manifest
	// file's directory.
	Artifact string `yaml:"artifact"`

	// Capabilities the plugin needs at runtime. Enabling fails until
	// every one is granted.
	Capabilities []string `yaml:"capabilities"`

	// Dependencies are plugin IDs that must be installed before this
	// plugin loads.
	Dependencies []string `yaml:"dependencies"`
}

var pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ReadManifest loads and validates a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// Validate checks the manifest's internal consistency.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !pluginIDPattern.MatchString(m.ID) {
		return fmt.Errorf("invalid id %q", m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("entry_point is required")
	}
	if m.Artifact == "" {
		return fmt.Errorf("artifact is required")
	}
	if filepath.IsAbs(m.Artifact) {
		return fmt.Errorf("artifact must be relative to the manifest directory")
	}

	seen := make(map[string]bool)
	for _, capability := range m.Capabilities {
		if capability == "" {
			return fmt.Errorf("empty capability")
		}
		if seen[capability] {
			return fmt.Errorf("duplicate capability %q", capability)
		}
		seen[capability] = true
	}

	deps := make(map[string]bool)
	for _, dependency := range m.Dependencies {
		if !pluginIDPattern.MatchString(dependency) {
			return fmt.Errorf("invalid dependency id %q", dependency)
		}
		if dependency == m.ID {
			return fmt.Errorf("plugin depends on itself")
		}
		if deps[dependency] {
			return fmt.Errorf("duplicate dependency %q", dependency)
		}
		deps[dependency] = true
	}
	return nil
}
