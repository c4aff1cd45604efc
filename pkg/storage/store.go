package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"meshfs/pkg/fserr"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// maxPrealloc bounds the buffer reserved up front from a size recorded in
// an object; larger payloads grow the buffer as verified chunks arrive.
const maxPrealloc = 64 << 20

// Store is the content-addressed object store. Payloads are chunked into a
// Merkle tree whose root address names the whole payload.
type Store struct {
	backend Backend
	chunker *ChunkManager
	logger  *zap.Logger

	// gcMu is held shared by writers and exclusively by Sweep.
	gcMu sync.RWMutex

	recentMu sync.Mutex
	recent   map[types.Address]struct{}
}

func NewStore(backend Backend, chunker *ChunkManager, logger *zap.Logger) *Store {
	if chunker == nil {
		chunker = NewChunkManager()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		chunker: chunker,
		logger:  logger,
		recent:  make(map[types.Address]struct{}),
	}
}

func (s *Store) Chunker() *ChunkManager { return s.chunker }

// Put stores data and returns its root address. Storing the same payload
// again returns the same address and writes nothing new.
func (s *Store) Put(ctx context.Context, data []byte) (types.Address, error) {
	root, objects := s.chunker.BuildTree(data)

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	written := 0
	for _, obj := range objects {
		if ctx.Err() != nil {
			return types.Address{}, ctx.Err()
		}
		ok, err := s.backend.Has(ctx, obj.Address)
		if err != nil {
			return types.Address{}, fmt.Errorf("failed to check object: %w", err)
		}
		if ok {
			continue
		}
		if err := s.backend.Put(ctx, obj.Address, obj.Raw); err != nil {
			return types.Address{}, fmt.Errorf("failed to store object: %w", err)
		}
		written++
	}
	s.markRecent(root)

	s.logger.Debug("Stored payload",
		zap.String("address", root.Short()),
		zap.Int("size", len(data)),
		zap.Int("objects", len(objects)),
		zap.Int("written", written))

	return root, nil
}

// PutObject stores a single raw object received from a peer, after checking
// that it hashes to addr and decodes.
func (s *Store) PutObject(ctx context.Context, addr types.Address, raw []byte) error {
	if Hash(raw) != addr {
		return fserr.Errorf(fserr.Corrupt, "storage.PutObject", "object %s does not match its address", addr.Short())
	}
	if _, err := DecodeObject(raw); err != nil {
		return fserr.New(fserr.Corrupt, "storage.PutObject", err)
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	if err := s.backend.Put(ctx, addr, raw); err != nil {
		return fmt.Errorf("failed to store object: %w", err)
	}
	s.markRecent(addr)
	return nil
}

// GetObject returns the verified raw encoding of one object.
func (s *Store) GetObject(ctx context.Context, addr types.Address) ([]byte, error) {
	raw, err := s.backend.Get(ctx, addr)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fserr.Errorf(fserr.NotFound, "storage.GetObject", "object %s", addr.Short())
	}
	if err != nil {
		return nil, err
	}
	if Hash(raw) != addr {
		s.logger.Error("Object failed verification", zap.String("address", addr.String()))
		return nil, fserr.Errorf(fserr.Corrupt, "storage.GetObject", "object %s fails hash check", addr.Short())
	}
	return raw, nil
}

func (s *Store) object(ctx context.Context, addr types.Address) (*Object, error) {
	raw, err := s.GetObject(ctx, addr)
	if err != nil {
		return nil, err
	}
	obj, err := DecodeObject(raw)
	if err != nil {
		return nil, fserr.New(fserr.Corrupt, "storage.decode", err)
	}
	return obj, nil
}

// Has reports whether the root object of addr is present. The payload may
// still be incomplete, see Missing.
func (s *Store) Has(ctx context.Context, addr types.Address) (bool, error) {
	return s.backend.Has(ctx, addr)
}

// Get reassembles the payload rooted at addr. It fails with NotFound if the
// root is absent, Incomplete if any descendant is absent and Corrupt if any
// object fails verification.
func (s *Store) Get(ctx context.Context, addr types.Address) ([]byte, error) {
	root, err := s.object(ctx, addr)
	if err != nil {
		return nil, err
	}
	size := root.Size()
	if size > math.MaxInt {
		return nil, fserr.Errorf(fserr.Corrupt, "storage.Get", "object %s declares %d bytes", addr.Short(), size)
	}
	buf := make([]byte, 0, min(size, maxPrealloc))
	buf, err = s.appendPayload(ctx, root, buf)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) != size {
		return nil, fserr.Errorf(fserr.Corrupt, "storage.Get", "payload %s is %d bytes, root declares %d", addr.Short(), len(buf), size)
	}
	return buf, nil
}

// child loads the object c points to and checks it covers c.Size bytes.
func (s *Store) child(ctx context.Context, op string, c Child) (*Object, error) {
	obj, err := s.object(ctx, c.Address)
	if fserr.Is(err, fserr.NotFound) {
		return nil, fserr.Errorf(fserr.Incomplete, op, "missing object %s", c.Address.Short())
	}
	if err != nil {
		return nil, err
	}
	if got := obj.Size(); got != c.Size {
		return nil, fserr.Errorf(fserr.Corrupt, op, "object %s covers %d bytes, parent records %d", c.Address.Short(), got, c.Size)
	}
	return obj, nil
}

func (s *Store) appendPayload(ctx context.Context, obj *Object, buf []byte) ([]byte, error) {
	if obj.Leaf {
		return append(buf, obj.Data...), nil
	}
	for _, c := range obj.Children {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		child, err := s.child(ctx, "storage.Get", c)
		if err != nil {
			return nil, err
		}
		if buf, err = s.appendPayload(ctx, child, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReadAt returns up to length bytes of the payload starting at off, reading
// only the chunks that overlap the range.
func (s *Store) ReadAt(ctx context.Context, addr types.Address, off, length int64) ([]byte, error) {
	if off < 0 || length < 0 {
		return nil, fmt.Errorf("invalid range %d+%d", off, length)
	}
	root, err := s.object(ctx, addr)
	if err != nil {
		return nil, err
	}
	size := int64(root.Size())
	if off >= size || length == 0 {
		return []byte{}, nil
	}
	if off+length > size {
		length = size - off
	}
	buf := make([]byte, 0, min(uint64(length), maxPrealloc))
	return s.appendRange(ctx, root, uint64(off), uint64(off+length), buf)
}

// appendRange appends bytes [lo, hi) of obj, where bounds are relative to obj.
func (s *Store) appendRange(ctx context.Context, obj *Object, lo, hi uint64, buf []byte) ([]byte, error) {
	if obj.Leaf {
		if hi > uint64(len(obj.Data)) || lo > hi {
			return nil, fserr.Errorf(fserr.Corrupt, "storage.ReadAt", "range %d-%d outside %d byte chunk", lo, hi, len(obj.Data))
		}
		return append(buf, obj.Data[lo:hi]...), nil
	}
	for _, c := range obj.Children {
		start, end := c.Offset, c.Offset+c.Size
		if end <= lo || start >= hi {
			continue
		}
		child, err := s.child(ctx, "storage.ReadAt", c)
		if err != nil {
			return nil, err
		}
		clo := uint64(0)
		if lo > start {
			clo = lo - start
		}
		chi := c.Size
		if hi < end {
			chi = hi - start
		}
		if buf, err = s.appendRange(ctx, child, clo, chi, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Size returns the payload size recorded in the root object.
func (s *Store) Size(ctx context.Context, addr types.Address) (int64, error) {
	root, err := s.object(ctx, addr)
	if err != nil {
		return 0, err
	}
	return int64(root.Size()), nil
}

// Missing lists the addresses under addr that are not stored locally. The
// subtree below a missing node is unknown until that node is fetched, so
// only the frontier is reported. A missing root is reported as itself.
func (s *Store) Missing(ctx context.Context, addr types.Address) ([]types.Address, error) {
	var missing []types.Address
	err := s.walk(ctx, addr, func(a types.Address, obj *Object) error {
		if obj == nil {
			missing = append(missing, a)
		}
		return nil
	})
	return missing, err
}

// Complete reports whether every object under addr is present.
func (s *Store) Complete(ctx context.Context, addr types.Address) (bool, error) {
	missing, err := s.Missing(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// walk visits addr and its present descendants depth first. fn receives a
// nil object for absent addresses.
func (s *Store) walk(ctx context.Context, addr types.Address, fn func(types.Address, *Object) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	obj, err := s.object(ctx, addr)
	if fserr.Is(err, fserr.NotFound) {
		return fn(addr, nil)
	}
	if err != nil {
		return err
	}
	if err := fn(addr, obj); err != nil {
		return err
	}
	for _, c := range obj.Children {
		if err := s.walk(ctx, c.Address, fn); err != nil {
			return err
		}
	}
	return nil
}

// Retain spares addr from the next sweep. Callers about to reference
// content that is already stored from a new entry call it first, so a
// sweep whose live set predates the entry does not remove the content.
func (s *Store) Retain(addr types.Address) {
	s.gcMu.RLock()
	s.markRecent(addr)
	s.gcMu.RUnlock()
}

func (s *Store) markRecent(addr types.Address) {
	s.recentMu.Lock()
	s.recent[addr] = struct{}{}
	s.recentMu.Unlock()
}

func (s *Store) Close() error {
	return s.backend.Close()
}
