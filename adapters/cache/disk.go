// Package cache provides concrete MemoryCache/DiskCache collaborators.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	apperrors "github.com/imgpipe/imgpipe/errors"
)

// Disk is a filesystem-backed byte cache. Cache keys are arbitrary
// strings (they routinely contain "/" and "?"), so they are hashed to a
// filename rather than used as a path directly.
type Disk struct {
	rootDir     string
	permissions os.FileMode
}

// NewDisk creates a Disk cache rooted at dir, creating it if absent.
func NewDisk(dir string, perm os.FileMode) (*Disk, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataLoadingFailed, "disk.new", err)
	}
	return &Disk{rootDir: dir, permissions: perm}, nil
}

func (d *Disk) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(d.rootDir, name[:2], name[2:])
}

func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (d *Disk) Set(ctx context.Context, key string, data []byte) {
	if ctx.Err() != nil {
		return
	}
	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, d.permissions)
}

func (d *Disk) Remove(ctx context.Context, key string) {
	if ctx.Err() != nil {
		return
	}
	path := d.path(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return
	}
}

func (d *Disk) Contains(ctx context.Context, key string) bool {
	if ctx.Err() != nil {
		return false
	}
	_, err := os.Stat(d.path(key))
	return err == nil
}

func (d *Disk) RemoveAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	entries, err := os.ReadDir(d.rootDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(d.rootDir, e.Name()))
	}
}
