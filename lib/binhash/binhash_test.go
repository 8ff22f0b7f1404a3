// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashArtifactStable(t *testing.T) {
	data := []byte("plugin package bytes")
	first := HashArtifact(data)
	second := HashArtifact(data)
	if first != second {
		t.Errorf("same input produced different digests: %s vs %s", first, second)
	}
	if HashArtifact([]byte("other bytes")) == first {
		t.Error("different inputs produced the same digest")
	}
}

func TestHashArtifactFileMatchesBuffer(t *testing.T) {
	data := []byte("on-disk artifact content")
	path := filepath.Join(t.TempDir(), "plugin.pkg")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fromFile, err := HashArtifactFile(path)
	if err != nil {
		t.Fatalf("HashArtifactFile: %v", err)
	}
	if fromFile != HashArtifact(data) {
		t.Errorf("file digest %s != buffer digest %s", fromFile, HashArtifact(data))
	}
}

func TestHashArtifactFileMissing(t *testing.T) {
	if _, err := HashArtifactFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDigestRoundTrip(t *testing.T) {
	digest := HashArtifact([]byte("round trip"))
	parsed, err := ParseDigest(digest.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != digest {
		t.Errorf("ParseDigest(%s) = %s", digest, parsed)
	}
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	for _, input := range []string{"", "zz", "abcd", digestOfWrongLength()} {
		if _, err := ParseDigest(input); err == nil {
			t.Errorf("ParseDigest(%q) succeeded, want error", input)
		}
	}
}

func digestOfWrongLength() string {
	return "abcdef0123456789abcdef0123456789abcdef0123456789abcdef01234567" // 31.5 bytes
}
