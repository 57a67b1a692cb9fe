// Package filestore writes report objects and resolves stored document
// references. Keys are tenant-prefixed by the caller (see tenant.StorageKey).
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidKey = errors.New("invalid object key")

// Store is implemented by GCS and Dir.
type Store interface {
	// Put writes data under key and returns the reference to record.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Resolve returns a URL an external service can fetch ref from.
	Resolve(ctx context.Context, ref string) (string, error)
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Dir stores objects on the local filesystem under root.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", key, err)
	}
	return key, nil
}

func (d *Dir) Resolve(ctx context.Context, ref string) (string, error) {
	if err := checkKey(ref); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(d.root, filepath.FromSlash(ref)))
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Read returns the object stored under key.
func (d *Dir) Read(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(d.root, filepath.FromSlash(key)))
}
