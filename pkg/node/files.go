package node

import (
	"context"
	"fmt"

	"meshfs/pkg/capability"
	"meshfs/pkg/discovery"
	"meshfs/pkg/fserr"
	"meshfs/pkg/replica"
	"meshfs/pkg/replication"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// CreateReplica starts a new replica owned by this node.
func (n *Node) CreateReplica(ctx context.Context) (types.ReplicaID, error) {
	r, _, err := n.registry.Create(ctx)
	if err != nil {
		return types.ReplicaID{}, err
	}
	return r.ID(), nil
}

// DeleteReplica drops the replica and its log. Content it referenced is
// reclaimed by the next garbage collection.
func (n *Node) DeleteReplica(ctx context.Context, id types.ReplicaID) error {
	return n.registry.Delete(ctx, id)
}

func (n *Node) ListReplicas() []replica.Info { return n.registry.List() }

// Watch streams replica lifecycle and change events until ctx is done.
func (n *Node) Watch(ctx context.Context) <-chan replica.Event { return n.registry.Watch(ctx) }

// SyncReplica syncs id with its known holders now.
func (n *Node) SyncReplica(ctx context.Context, id types.ReplicaID) ([]replication.Result, error) {
	return n.engine.SyncReplica(ctx, id)
}

// WriteFile stores data and records it at path.
func (n *Node) WriteFile(ctx context.Context, id types.ReplicaID, path string, data []byte) (*replica.Entry, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	chain, err := n.registry.Authorize(id, path, capability.RightWrite)
	if err != nil {
		return nil, err
	}
	addr, err := n.store.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	e, err := r.Propose(ctx, replica.Proposal{
		Path:       path,
		Address:    addr,
		Size:       int64(len(data)),
		Capability: chain,
	})
	if err != nil {
		return nil, err
	}
	if n.discovery != nil {
		n.discovery.Track(discovery.ObjectSubject(addr), n.address)
	}
	return e, nil
}

// Entry returns the live entry at path.
func (n *Node) Entry(id types.ReplicaID, path string) (*replica.Entry, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	e, ok := r.Lookup(path)
	if !ok || e.Tombstone {
		return nil, fserr.Errorf(fserr.NotFound, "entry", "no such file").WithReplica(id).WithPath(path)
	}
	return e, nil
}

// ReadFile returns the content at path. Content not held locally is
// fetched from the replica's holders first.
func (n *Node) ReadFile(ctx context.Context, id types.ReplicaID, path string) ([]byte, error) {
	if _, err := n.registry.Authorize(id, path, capability.RightRead); err != nil {
		return nil, err
	}
	e, err := n.Entry(id, path)
	if err != nil {
		return nil, err
	}
	if err := n.ensureContent(ctx, id, e.Address); err != nil {
		return nil, fserr.New(fserr.KindOf(err), "read", err).WithReplica(id).WithPath(path)
	}
	return n.store.Get(ctx, e.Address)
}

// ReadAt reads a byte range of the content at path.
func (n *Node) ReadAt(ctx context.Context, id types.ReplicaID, path string, off, length int64) ([]byte, error) {
	if _, err := n.registry.Authorize(id, path, capability.RightRead); err != nil {
		return nil, err
	}
	e, err := n.Entry(id, path)
	if err != nil {
		return nil, err
	}
	if err := n.ensureContent(ctx, id, e.Address); err != nil {
		return nil, fserr.New(fserr.KindOf(err), "read", err).WithReplica(id).WithPath(path)
	}
	return n.store.ReadAt(ctx, e.Address, off, length)
}

func (n *Node) ensureContent(ctx context.Context, id types.ReplicaID, addr types.Address) error {
	ok, err := n.store.Complete(ctx, addr)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return n.engine.FetchContent(ctx, id, addr)
}

// FetchFile syncs the replica with its holders and then reads path. A
// failed sync falls back to whatever is held locally.
func (n *Node) FetchFile(ctx context.Context, id types.ReplicaID, path string) ([]byte, error) {
	if _, err := n.engine.SyncReplica(ctx, id); err != nil {
		if fserr.Is(err, fserr.NotFound) {
			return nil, err
		}
		n.logger.Debug("Sync before fetch failed, reading local copy",
			zap.String("replica", id.String()),
			zap.String("path", path),
			zap.Error(err))
	}
	return n.ReadFile(ctx, id, path)
}

// ListFiles returns the live entries under prefix that a held capability
// lets this node read.
func (n *Node) ListFiles(id types.ReplicaID, prefix string) ([]*replica.Entry, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	readable, err := n.readable(id)
	if err != nil {
		return nil, err
	}
	var out []*replica.Entry
	for p, e := range r.View(prefix) {
		if readable(p) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Children lists the readable immediate children of dir.
func (n *Node) Children(id types.ReplicaID, dir string) ([]replica.Child, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	readable, err := n.readable(id)
	if err != nil {
		return nil, err
	}
	base := replica.NormalizePrefix(dir)
	var out []replica.Child
	for _, c := range r.Snapshot().Children(base) {
		p := replica.Rebase("/"+c.Name, "/", base)
		if c.Dir || readable(p) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (n *Node) readable(id types.ReplicaID) (func(string) bool, error) {
	caps, err := n.registry.Capabilities(id)
	if err != nil {
		return nil, err
	}
	var scopes []capability.Scope
	for _, c := range caps {
		if c.Rights.Has(capability.RightRead) {
			scopes = append(scopes, c.Scope)
		}
	}
	return func(p string) bool {
		for _, s := range scopes {
			if s.Covers(p) {
				return true
			}
		}
		return false
	}, nil
}

// DeleteFile records a tombstone for path.
func (n *Node) DeleteFile(ctx context.Context, id types.ReplicaID, path string) (*replica.Entry, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := n.Entry(id, path); err != nil {
		return nil, err
	}
	chain, err := n.registry.Authorize(id, path, capability.RightWrite)
	if err != nil {
		return nil, err
	}
	return r.Propose(ctx, replica.Proposal{Path: path, Tombstone: true, Capability: chain})
}

// DeleteDirectory tombstones every live path under prefix and returns how
// many were deleted.
func (n *Node) DeleteDirectory(ctx context.Context, id types.ReplicaID, prefix string) (int, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return 0, err
	}
	var paths []string
	for p := range r.View(prefix) {
		paths = append(paths, p)
	}

	deleted := 0
	for _, p := range paths {
		chain, err := n.registry.Authorize(id, p, capability.RightWrite)
		if err != nil {
			return deleted, err
		}
		if _, err := r.Propose(ctx, replica.Proposal{Path: p, Tombstone: true, Capability: chain}); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// MoveFile copies path into the target replica and then tombstones the
// source. Source and target may be the same replica.
func (n *Node) MoveFile(ctx context.Context, from types.ReplicaID, fromPath string, to types.ReplicaID, toPath string) (*replica.Entry, error) {
	src, err := n.Entry(from, fromPath)
	if err != nil {
		return nil, err
	}
	if from == to && replica.NormalizePrefix(fromPath) == replica.NormalizePrefix(toPath) {
		return src, nil
	}
	moved, err := n.copyEntry(ctx, from, src, to, toPath)
	if err != nil {
		return nil, err
	}
	if _, err := n.DeleteFile(ctx, from, fromPath); err != nil {
		return moved, fmt.Errorf("copied to %s but failed to remove source: %w", toPath, err)
	}
	return moved, nil
}

// MoveDirectory moves every live path under fromPrefix to the same
// relative place under toPrefix and returns how many were moved.
func (n *Node) MoveDirectory(ctx context.Context, from types.ReplicaID, fromPrefix string, to types.ReplicaID, toPrefix string) (int, error) {
	fromPrefix = replica.NormalizePrefix(fromPrefix)
	toPrefix = replica.NormalizePrefix(toPrefix)
	if from == to && replica.Under(toPrefix, fromPrefix) {
		return 0, fmt.Errorf("cannot move %s into itself", fromPrefix)
	}
	entries, err := n.ListFiles(from, fromPrefix)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range entries {
		target := replica.Rebase(e.Path, fromPrefix, toPrefix)
		if _, err := n.MoveFile(ctx, from, e.Path, to, target); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// copyEntry writes src's content at path in the target replica. Within one
// node the content is already in the store, so only a new entry is needed.
func (n *Node) copyEntry(ctx context.Context, from types.ReplicaID, src *replica.Entry, to types.ReplicaID, path string) (*replica.Entry, error) {
	if _, err := n.registry.Authorize(from, src.Path, capability.RightRead); err != nil {
		return nil, err
	}
	if err := n.ensureContent(ctx, from, src.Address); err != nil {
		return nil, err
	}
	n.store.Retain(src.Address)
	r, err := n.registry.Get(to)
	if err != nil {
		return nil, err
	}
	chain, err := n.registry.Authorize(to, path, capability.RightWrite)
	if err != nil {
		return nil, err
	}
	return r.Propose(ctx, replica.Proposal{
		Path:       path,
		Address:    src.Address,
		Size:       src.Size,
		Capability: chain,
	})
}
