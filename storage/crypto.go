// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// loadOrCreateIdentity reads the store's age X25519 identity from path,
// generating and persisting a fresh one on first use. The key file is
// created 0600; plugins never see it — values cross the sandbox
// boundary as plaintext over the already-private socket and are sealed
// only at rest.
func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("parsing storage key %s: %w", path, err)
		}
		return identity, nil
	case os.IsNotExist(err):
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating storage key: %w", err)
		}
		if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("writing storage key %s: %w", path, err)
		}
		return identity, nil
	default:
		return nil, fmt.Errorf("reading storage key %s: %w", path, err)
	}
}

// seal encrypts a value to the store's recipient.
func seal(recipient age.Recipient, plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting value: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// unseal decrypts a stored value with the store's identity.
func unseal(identity age.Identity, ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted value: %w", err)
	}
	return plaintext, nil
}
