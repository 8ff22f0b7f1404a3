// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validManifest() Manifest {
	return Manifest{
		ID:           "weather",
		Name:         "Weather",
		Version:      "1.0.0",
		EntryPoint:   "com.example.weather.Main",
		Artifact:     "bundle.plug",
		Capabilities: []string{"network"},
		Dependencies: []string{"geocoder"},
	}
}

func TestManifestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"missing id", func(m *Manifest) { m.ID = "" }, "id is required"},
		{"uppercase id", func(m *Manifest) { m.ID = "Weather" }, "invalid id"},
		{"id starts with dash", func(m *Manifest) { m.ID = "-weather" }, "invalid id"},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name is required"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version is required"},
		{"missing entry point", func(m *Manifest) { m.EntryPoint = "" }, "entry_point is required"},
		{"missing artifact", func(m *Manifest) { m.Artifact = "" }, "artifact is required"},
		{"absolute artifact", func(m *Manifest) { m.Artifact = "/etc/passwd" }, "must be relative"},
		{"duplicate capability", func(m *Manifest) { m.Capabilities = []string{"network", "network"} }, "duplicate capability"},
		{"empty capability", func(m *Manifest) { m.Capabilities = []string{""} }, "empty capability"},
		{"self dependency", func(m *Manifest) { m.Dependencies = []string{"weather"} }, "depends on itself"},
		{"duplicate dependency", func(m *Manifest) { m.Dependencies = []string{"a", "a"} }, "duplicate dependency"},
		{"invalid dependency id", func(m *Manifest) { m.Dependencies = []string{"Bad ID"} }, "invalid dependency"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := validManifest()
			tc.mutate(&manifest)
			err := manifest.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(`
id: weather
name: Weather
version: 2.1.0
entry_point: com.example.weather.Main
artifact: bundle.plug
capabilities: [network, location]
dependencies: [geocoder]
`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	manifest, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.ID != "weather" || manifest.Version != "2.1.0" {
		t.Errorf("manifest = %+v", manifest)
	}
	if len(manifest.Capabilities) != 2 || manifest.Capabilities[1] != "location" {
		t.Errorf("capabilities = %v", manifest.Capabilities)
	}
}

func TestReadManifestRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadManifest(path); err == nil {
		t.Fatal("garbage manifest accepted")
	}
}
