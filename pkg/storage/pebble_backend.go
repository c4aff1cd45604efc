package storage

import (
	"context"
	"errors"
	"fmt"

	"meshfs/pkg/types"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

var objectKeyPrefix = []byte("o/")

// PebbleBackend stores objects in a Pebble LSM tree keyed by "o/"+address.
type PebbleBackend struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// OpenPebbleBackend opens (or creates) the database at path. With inMemory
// set, path is ignored and nothing touches disk.
func OpenPebbleBackend(path string, inMemory bool, logger *zap.Logger) (*PebbleBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &pebble.Options{
		Logger: &pebbleLogger{logger},
	}
	if inMemory {
		opts.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Info("Pebble object store opened", zap.String("path", path), zap.Bool("in_memory", inMemory))
	return &PebbleBackend{db: db, path: path, logger: logger}, nil
}

func objectKey(addr types.Address) []byte {
	key := make([]byte, 0, len(objectKeyPrefix)+types.AddressSize)
	key = append(key, objectKeyPrefix...)
	return append(key, addr[:]...)
}

func (p *PebbleBackend) Has(_ context.Context, addr types.Address) (bool, error) {
	_, closer, err := p.db.Get(objectKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get: %w", err)
	}
	closer.Close()
	return true, nil
}

func (p *PebbleBackend) Get(_ context.Context, addr types.Address) ([]byte, error) {
	data, closer, err := p.db.Get(objectKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (p *PebbleBackend) Put(ctx context.Context, addr types.Address, raw []byte) error {
	if ok, err := p.Has(ctx, addr); err == nil && ok {
		return nil
	}
	if err := p.db.Set(objectKey(addr), raw, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (p *PebbleBackend) Delete(_ context.Context, addr types.Address) error {
	if err := p.db.Delete(objectKey(addr), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

func (p *PebbleBackend) Walk(ctx context.Context, fn func(types.Address) error) error {
	upper := append([]byte{}, objectKeyPrefix...)
	upper[len(upper)-1]++
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: objectKeyPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		addr, err := types.AddressFromBytes(iter.Key()[len(objectKeyPrefix):])
		if err != nil {
			continue
		}
		if err := fn(addr); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
