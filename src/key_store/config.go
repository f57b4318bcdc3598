package key_store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// poolFile is the on-disk layout of a key pool.
type poolFile struct {
	KeyStores []KeyStore `toml:"key_stores"`
}

// LoadPool reads a pool from a toml file. A missing file yields an empty
// pool.
func LoadPool(path string) (*Pool, error) {
	var file poolFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewPool()
		}
		return nil, fmt.Errorf("failed to decode key pool %s: %w", path, err)
	}
	p, err := NewPool(file.KeyStores...)
	if err != nil {
		return nil, fmt.Errorf("bad key pool %s: %w", path, err)
	}
	return p, nil
}

// SavePool writes the pool to path, replacing any previous file only once
// the new one is complete.
func SavePool(path string, p *Pool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create key pool directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key pool file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := toml.NewEncoder(tmpFile)
	if err := encoder.Encode(poolFile{KeyStores: p.All()}); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to encode key pool: %w", err)
	}
	if err := tmpFile.Chmod(0600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to restrict key pool permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp key pool file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to publish key pool file: %w", err)
	}
	cleanupTmp = false
	return nil
}
