// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest. Plugin artifact identity is
// always this size.
type Digest [32]byte

// artifactDomainKey is the BLAKE3 keyed-hash domain for plugin
// artifacts. Domain separation ensures artifact digests can never
// collide with hashes of the same bytes computed in another context.
// The key is the ASCII domain name zero-padded to 32 bytes — readable
// in hex dumps, and an opaque 32-byte value as far as BLAKE3 keyed
// mode is concerned. Changing it invalidates every recorded digest.
var artifactDomainKey = [32]byte{
	'w', 'a', 'r', 'd', 'e', 'n', '.', 'p', 'l', 'u', 'g', 'i', 'n', '.',
	'a', 'r', 't', 'i', 'f', 'a', 'c', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashArtifact computes the artifact-domain digest of data. Used for
// in-memory artifact bytes; prefer HashArtifactFile for installed
// packages.
func HashArtifact(data []byte) Digest {
	hasher, err := blake3.NewKeyed(artifactDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a key that is not 32 bytes.
		panic("binhash: keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(data)

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// HashArtifactFile computes the artifact-domain digest of the file at
// path, streaming in chunks so memory stays constant regardless of
// artifact size.
func HashArtifactFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher, err := blake3.NewKeyed(artifactDomainKey[:])
	if err != nil {
		panic("binhash: keyed hasher initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// String returns the hex encoding of the digest. This is the canonical
// format for plugin records, log output, and the control socket.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the zero value, meaning no
// artifact has been hashed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return Digest{}, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	var digest Digest
	copy(digest[:], decoded)
	return digest, nil
}
