package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// EventKind classifies a registry notification.
type EventKind int

const (
	Created EventKind = iota
	Imported
	Deleted
	Changed
	Synced
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Imported:
		return "imported"
	case Deleted:
		return "deleted"
	case Changed:
		return "changed"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered to watchers when a replica is created, imported,
// deleted, gains an entry, or finishes a sync that changed it.
type Event struct {
	Kind    EventKind
	Replica types.ReplicaID
	Entry   *Entry
}

// Info summarizes a held replica for listings.
type Info struct {
	ID      types.ReplicaID
	Root    types.PublicKey
	Created time.Time
	Rights  capability.Rights
	Entries int
	Paths   int
}

// Writable reports whether the local key can write somewhere in the replica.
func (i Info) Writable() bool { return i.Rights.Has(capability.RightWrite) }

// RegistryConfig wires a registry.
type RegistryConfig struct {
	Store         LogStore
	Author        *types.Keypair
	Gate          *capability.Gate
	Clock         *Clock
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	SnapshotEvery int
}

type held struct {
	replica *Replica
	caps    []*capability.Capability
}

// Registry owns every replica held by a node.
type Registry struct {
	cfg    RegistryConfig
	logger *zap.Logger

	mu       sync.RWMutex
	replicas map[types.ReplicaID]*held

	watchMu  sync.Mutex
	watchers map[chan Event]struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Gate == nil {
		cfg.Gate = capability.NewGate(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock(0, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		replicas: make(map[types.ReplicaID]*held),
		watchers: make(map[chan Event]struct{}),
	}
}

// Gate returns the gate shared by every replica.
func (g *Registry) Gate() *capability.Gate { return g.cfg.Gate }

// Author returns the local signing key.
func (g *Registry) Author() *types.Keypair { return g.cfg.Author }

// Load opens every replica recorded in the store.
func (g *Registry) Load(ctx context.Context) error {
	metas, err := g.cfg.Store.LoadMeta()
	if err != nil {
		return fmt.Errorf("load replica metadata: %w", err)
	}
	for _, m := range metas {
		if _, err := g.open(ctx, m); err != nil {
			return err
		}
	}
	g.updateGauge()
	g.logger.Info("Replicas loaded", zap.Int("count", len(metas)))
	return nil
}

func (g *Registry) open(ctx context.Context, m Meta) (*held, error) {
	raws, err := g.cfg.Store.Capabilities(m.ID)
	if err != nil {
		return nil, fmt.Errorf("load capabilities for %s: %w", m.ID, err)
	}
	h := &held{}
	for _, raw := range raws {
		c, err := capability.Unmarshal(raw)
		if err != nil {
			g.logger.Warn("Skipping unreadable capability", zap.String("replica", m.ID.String()), zap.Error(err))
			continue
		}
		h.caps = append(h.caps, c)
	}

	id := m.ID
	r, err := Open(ctx, Config{
		Meta:          m,
		Author:        g.cfg.Author,
		Gate:          g.cfg.Gate,
		Clock:         g.cfg.Clock,
		Store:         g.cfg.Store,
		Logger:        g.logger,
		Metrics:       g.cfg.Metrics,
		SnapshotEvery: g.cfg.SnapshotEvery,
		OnChange: func(e *Entry) {
			g.emit(Event{Kind: Changed, Replica: id, Entry: e})
		},
	})
	if err != nil {
		return nil, err
	}
	h.replica = r

	g.mu.Lock()
	g.replicas[m.ID] = h
	g.mu.Unlock()
	return h, nil
}

// Create makes a new replica rooted at the local key and returns it with
// its self-issued root capability.
func (g *Registry) Create(ctx context.Context) (*Replica, *capability.Capability, error) {
	m := Meta{ID: types.NewReplicaID(), Root: g.cfg.Author.Public(), Created: time.Now().UTC()}
	root := capability.NewRoot(g.cfg.Author, m.ID)

	if err := g.cfg.Store.SaveCapability(m.ID, root.Marshal()); err != nil {
		return nil, nil, fmt.Errorf("save root capability: %w", err)
	}
	if err := g.cfg.Store.SaveMeta(m); err != nil {
		return nil, nil, fmt.Errorf("save replica metadata: %w", err)
	}
	h, err := g.open(ctx, m)
	if err != nil {
		return nil, nil, err
	}

	g.updateGauge()
	g.emit(Event{Kind: Created, Replica: m.ID})
	g.logger.Info("Replica created", zap.String("replica", m.ID.String()))
	return h.replica, root, nil
}

// Import registers a replica shared with the local key through chain, or
// adds chain to a replica already held. The chain must grant at least read.
func (g *Registry) Import(ctx context.Context, root types.PublicKey, chain *capability.Capability) (*Replica, error) {
	if chain == nil {
		return nil, fserr.Errorf(fserr.Unauthorized, "import", "no capability")
	}
	id := chain.Scope.Replica
	err := g.cfg.Gate.Verify(chain, capability.Request{
		Root:   root,
		Scope:  capability.Scope{Replica: id},
		Rights: capability.RightRead,
		As:     g.cfg.Author.Public(),
		At:     time.Now(),
	})
	if err != nil {
		return nil, fserr.New(fserr.Unauthorized, "import", err).WithReplica(id)
	}

	if err := g.cfg.Store.SaveCapability(id, chain.Marshal()); err != nil {
		return nil, fmt.Errorf("save capability: %w", err)
	}

	g.mu.Lock()
	if h, ok := g.replicas[id]; ok {
		if h.replica.Root() != root {
			g.mu.Unlock()
			return nil, fserr.Errorf(fserr.Unauthorized, "import", "root key differs from the held replica").WithReplica(id)
		}
		h.caps = appendUnique(h.caps, chain)
		g.mu.Unlock()
		g.emit(Event{Kind: Imported, Replica: id})
		return h.replica, nil
	}
	g.mu.Unlock()

	m := Meta{ID: id, Root: root, Created: time.Now().UTC()}
	if err := g.cfg.Store.SaveMeta(m); err != nil {
		return nil, fmt.Errorf("save replica metadata: %w", err)
	}
	h, err := g.open(ctx, m)
	if err != nil {
		return nil, err
	}

	g.updateGauge()
	g.emit(Event{Kind: Imported, Replica: id})
	g.logger.Info("Replica imported",
		zap.String("replica", id.String()),
		zap.Stringer("rights", chain.Rights),
		zap.String("prefix", chain.Scope.Prefix))
	return h.replica, nil
}

func appendUnique(caps []*capability.Capability, c *capability.Capability) []*capability.Capability {
	d := c.Digest()
	for _, existing := range caps {
		if existing.Digest() == d {
			return caps
		}
	}
	return append(caps, c)
}

// Get returns a held replica or a NotFound error.
func (g *Registry) Get(id types.ReplicaID) (*Replica, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.replicas[id]
	if !ok {
		return nil, fserr.Errorf(fserr.NotFound, "get replica", "replica not held").WithReplica(id)
	}
	return h.replica, nil
}

// IDs returns every held replica id, sorted.
func (g *Registry) IDs() []types.ReplicaID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]types.ReplicaID, 0, len(g.replicas))
	for id := range g.replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// List describes every held replica, sorted by id.
func (g *Registry) List() []Info {
	var out []Info
	for _, id := range g.IDs() {
		g.mu.RLock()
		h, ok := g.replicas[id]
		var caps []*capability.Capability
		if ok {
			caps = append(caps, h.caps...)
		}
		g.mu.RUnlock()
		if !ok {
			continue
		}
		info := Info{
			ID:      id,
			Root:    h.replica.Root(),
			Created: h.replica.Meta().Created,
			Entries: h.replica.Len(),
			Paths:   h.replica.Snapshot().Len(),
		}
		for _, c := range g.valid(h.replica, caps) {
			info.Rights |= c.Rights
		}
		out = append(out, info)
	}
	return out
}

// Capabilities returns the chains held for a replica that still verify for
// the local key.
func (g *Registry) Capabilities(id types.ReplicaID) ([]*capability.Capability, error) {
	g.mu.RLock()
	h, ok := g.replicas[id]
	var caps []*capability.Capability
	if ok {
		caps = append(caps, h.caps...)
	}
	g.mu.RUnlock()
	if !ok {
		return nil, fserr.Errorf(fserr.NotFound, "capabilities", "replica not held").WithReplica(id)
	}
	return g.valid(h.replica, caps), nil
}

func (g *Registry) valid(r *Replica, caps []*capability.Capability) []*capability.Capability {
	var out []*capability.Capability
	now := time.Now()
	for _, c := range caps {
		err := g.cfg.Gate.Verify(c, capability.Request{
			Root:  r.Root(),
			Scope: capability.Scope{Replica: r.ID()},
			As:    g.cfg.Author.Public(),
			At:    now,
		})
		if err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Authorize picks a held capability granting rights at path. Among several
// it prefers the widest rights, then the shortest prefix.
func (g *Registry) Authorize(id types.ReplicaID, path string, rights capability.Rights) (*capability.Capability, error) {
	caps, err := g.Capabilities(id)
	if err != nil {
		return nil, err
	}
	var best *capability.Capability
	for _, c := range caps {
		if !c.Rights.Has(rights) || (path != "" && !c.Scope.Covers(path)) {
			continue
		}
		if best == nil || wider(c, best) {
			best = c
		}
	}
	if best == nil {
		return nil, fserr.New(fserr.Unauthorized, "authorize",
			&capability.UnauthorizedError{Reason: capability.RightsExceeded, Detail: fmt.Sprintf("no held capability grants %s", rights)}).
			WithReplica(id).WithPath(path)
	}
	return best, nil
}

func wider(a, b *capability.Capability) bool {
	if a.Rights != b.Rights {
		return a.Rights.Has(b.Rights)
	}
	return len(a.Scope.Prefix) < len(b.Scope.Prefix)
}

// Delete closes a replica and removes its log, snapshot and capabilities.
func (g *Registry) Delete(ctx context.Context, id types.ReplicaID) error {
	g.mu.Lock()
	h, ok := g.replicas[id]
	delete(g.replicas, id)
	g.mu.Unlock()
	if !ok {
		return fserr.Errorf(fserr.NotFound, "delete replica", "replica not held").WithReplica(id)
	}
	if err := h.replica.Close(); err != nil {
		g.logger.Warn("Failed to snapshot replica before deletion", zap.Error(err))
	}
	if err := g.cfg.Store.DeleteReplica(id); err != nil {
		return fmt.Errorf("delete replica %s: %w", id, err)
	}

	g.updateGauge()
	g.emit(Event{Kind: Deleted, Replica: id})
	g.logger.Info("Replica deleted", zap.String("replica", id.String()))
	return nil
}

// Watch delivers events until ctx is done. Slow watchers miss events rather
// than block writers.
func (g *Registry) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	g.watchMu.Lock()
	g.watchers[ch] = struct{}{}
	g.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		g.watchMu.Lock()
		delete(g.watchers, ch)
		close(ch)
		g.watchMu.Unlock()
	}()
	return ch
}

// NotifySynced tells watchers a sync session applied new entries to id.
func (g *Registry) NotifySynced(id types.ReplicaID) {
	g.emit(Event{Kind: Synced, Replica: id})
}

func (g *Registry) emit(ev Event) {
	g.watchMu.Lock()
	defer g.watchMu.Unlock()
	for ch := range g.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (g *Registry) updateGauge() {
	g.mu.RLock()
	n := len(g.replicas)
	g.mu.RUnlock()
	g.cfg.Metrics.Replicas.Set(float64(n))
}

// Close snapshots every replica.
func (g *Registry) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for id, h := range g.replicas {
		if err := h.replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replica %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
