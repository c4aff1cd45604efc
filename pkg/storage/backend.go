package storage

import (
	"context"
	"errors"

	"meshfs/pkg/types"
)

// ErrObjectNotFound is returned by backends for an absent object.
var ErrObjectNotFound = errors.New("object not found")

// Backend persists encoded objects by address. Objects are immutable, so
// implementations may treat a second Put of the same address as a no-op.
type Backend interface {
	Has(ctx context.Context, addr types.Address) (bool, error)
	Get(ctx context.Context, addr types.Address) ([]byte, error)
	Put(ctx context.Context, addr types.Address, raw []byte) error
	Delete(ctx context.Context, addr types.Address) error
	// Walk calls fn for every stored address. Returning an error stops the walk.
	Walk(ctx context.Context, fn func(types.Address) error) error
	Close() error
}
