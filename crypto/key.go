package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const serverKeyPEMType = "VOIDLINK SERVER KEY"

// EnsureServerKey loads the per-installation envelope key from disk,
// generating and persisting a fresh random key on first run. The key is never
// derived from a password.
func EnsureServerKey(path string) ([]byte, error) {
	key, err := LoadServerKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	if err := SaveServerKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// LoadServerKey reads the envelope key from a PEM file.
func LoadServerKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != serverKeyPEMType {
		return nil, fmt.Errorf("parse server key %q: no %s PEM block", path, serverKeyPEMType)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("invalid server key length: got %d want %d", len(block.Bytes), KeySize)
	}

	return block.Bytes, nil
}

// SaveServerKey writes the envelope key to a PEM file readable only by the owner.
func SaveServerKey(path string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("invalid server key length: got %d want %d", len(key), KeySize)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create server key dir: %w", err)
	}

	raw := pem.EncodeToMemory(&pem.Block{Type: serverKeyPEMType, Bytes: key})
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write server key: %w", err)
	}

	return nil
}
