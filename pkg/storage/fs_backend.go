package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshfs/pkg/types"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// FSBackend stores each object as a file under root, sharded by the first
// two address bytes: root/ab/cd/abcd....
type FSBackend struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// NewFSBackend creates the object directory on fs if needed.
func NewFSBackend(fs afero.Fs, root string, logger *zap.Logger) (*FSBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	return &FSBackend{fs: fs, root: root, logger: logger}, nil
}

func (b *FSBackend) objectPath(addr types.Address) string {
	name := addr.String()
	return filepath.Join(b.root, name[0:2], name[2:4], name)
}

func (b *FSBackend) Has(_ context.Context, addr types.Address) (bool, error) {
	return afero.Exists(b.fs, b.objectPath(addr))
}

func (b *FSBackend) Get(_ context.Context, addr types.Address) ([]byte, error) {
	data, err := afero.ReadFile(b.fs, b.objectPath(addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", addr.Short(), err)
	}
	return data, nil
}

// Put writes to a temporary file and renames it into place so a reader
// never observes a partially written object.
func (b *FSBackend) Put(_ context.Context, addr types.Address, raw []byte) error {
	path := b.objectPath(addr)
	if ok, _ := afero.Exists(b.fs, path); ok {
		return nil
	}
	if err := b.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("failed to generate temp name: %w", err)
	}
	tmp := path + ".tmp-" + hex.EncodeToString(suffix)
	if err := afero.WriteFile(b.fs, tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", addr.Short(), err)
	}
	if err := b.fs.Rename(tmp, path); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("failed to commit object %s: %w", addr.Short(), err)
	}
	return nil
}

func (b *FSBackend) Delete(_ context.Context, addr types.Address) error {
	err := b.fs.Remove(b.objectPath(addr))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", addr.Short(), err)
	}
	return nil
}

func (b *FSBackend) Walk(ctx context.Context, fn func(types.Address) error) error {
	return afero.Walk(b.fs, b.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.Contains(name, ".tmp-") {
			return nil
		}
		addr, perr := types.ParseAddress(name)
		if perr != nil {
			b.logger.Debug("Skipping unknown file in object store", zap.String("path", path))
			return nil
		}
		return fn(addr)
	})
}

func (b *FSBackend) Close() error { return nil }
