// Package replica implements the mergeable, append-only entry log behind one
// versioned directory tree.
//
// Every accepted entry is kept forever. The visible state of a path is the
// entry with the greatest (timestamp, author) among all entries observed for
// it, so merging the same set of entries in any order, any number of times,
// yields the same view.
package replica

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"
	"meshfs/pkg/types"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"go.uber.org/zap"
)

// DefaultSnapshotEvery is the number of appends between view snapshots.
const DefaultSnapshotEvery = 256

// MergeResult reports what Merge did with an entry.
type MergeResult int

const (
	Rejected MergeResult = iota
	Applied
	Duplicate
)

func (r MergeResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	}
	return "rejected"
}

// Config wires a replica to its collaborators.
type Config struct {
	Meta          Meta
	Author        *types.Keypair
	Gate          *capability.Gate
	Clock         *Clock
	Store         LogStore
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	SnapshotEvery int
	// OnChange, when set, is called after an entry is appended, outside the
	// replica lock.
	OnChange func(*Entry)
}

// Replica is safe for concurrent use. Appends are serialized; reads go
// through an immutable snapshot and never block.
type Replica struct {
	meta     Meta
	author   *types.Keypair
	gate     *capability.Gate
	clock    *Clock
	store    LogStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onChange func(*Entry)

	snapshotEvery int

	mu            sync.Mutex
	byID          map[EntryID]*Entry
	history       map[string][]*Entry
	authors       map[types.PublicKey]*authorState
	logLen        uint64
	sinceSnapshot int
	closed        bool

	view atomic.Pointer[iradix.Tree[*Entry]]
}

// Open loads a replica from its store, replaying the log and seeding the
// view from the last snapshot when one is usable.
func Open(ctx context.Context, cfg Config) (*Replica, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("replica %s: no log store", cfg.Meta.ID)
	}
	if cfg.Author == nil {
		return nil, fmt.Errorf("replica %s: no author key", cfg.Meta.ID)
	}
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
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultSnapshotEvery
	}

	r := &Replica{
		meta:          cfg.Meta,
		author:        cfg.Author,
		gate:          cfg.Gate,
		clock:         cfg.Clock,
		store:         cfg.Store,
		logger:        cfg.Logger.With(zap.String("replica", cfg.Meta.ID.String())),
		metrics:       cfg.Metrics,
		onChange:      cfg.OnChange,
		snapshotEvery: cfg.SnapshotEvery,
		byID:          make(map[EntryID]*Entry),
		history:       make(map[string][]*Entry),
		authors:       make(map[types.PublicKey]*authorState),
	}
	if err := r.load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Replica) load(ctx context.Context) error {
	var ordered []*Entry
	err := r.store.ReadLog(r.meta.ID, func(pos uint64, raw []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pos != r.logLen {
			return fmt.Errorf("log gap at position %d, expected %d", pos, r.logLen)
		}
		e, err := UnmarshalEntry(raw)
		if err != nil {
			return fmt.Errorf("log position %d: %w", pos, err)
		}
		r.index(e)
		ordered = append(ordered, e)
		r.logLen++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay replica %s: %w", r.meta.ID, err)
	}
	r.sortHistory()

	txn := iradix.New[*Entry]().Txn()
	start := uint64(0)
	if snap, err := r.store.LoadSnapshot(r.meta.ID); err != nil {
		r.logger.Warn("Ignoring unreadable snapshot", zap.Error(err))
	} else if snap != nil && snap.Watermark <= r.logLen {
		seeded := iradix.New[*Entry]().Txn()
		ok := true
		for _, id := range snap.Winners {
			e, found := r.byID[id]
			if !found {
				ok = false
				break
			}
			seeded.Insert([]byte(e.Path), e)
		}
		if ok {
			txn = seeded
			start = snap.Watermark
		} else {
			r.logger.Warn("Snapshot references unknown entries, rebuilding view")
		}
	}
	for _, e := range ordered[start:] {
		if cur, ok := txn.Get([]byte(e.Path)); !ok || Compare(e, cur) > 0 {
			txn.Insert([]byte(e.Path), e)
		}
	}
	r.view.Store(txn.Commit())

	r.logger.Debug("Replica loaded",
		zap.Uint64("entries", r.logLen),
		zap.Uint64("snapshot_watermark", start),
		zap.Int("paths", len(r.history)))
	return nil
}

func (r *Replica) index(e *Entry) {
	r.byID[e.ID()] = e
	r.history[e.Path] = append(r.history[e.Path], e)
	a := r.authors[e.Author]
	if a == nil {
		a = &authorState{}
		r.authors[e.Author] = a
	}
	a.add(e)
}

func (r *Replica) sortHistory() {
	for _, entries := range r.history {
		sort.Slice(entries, func(i, j int) bool { return Compare(entries[i], entries[j]) < 0 })
	}
}

func (r *Replica) ID() types.ReplicaID { return r.meta.ID }

// Root returns the key whose self-issued capability roots every valid chain.
func (r *Replica) Root() types.PublicKey { return r.meta.Root }

func (r *Replica) Meta() Meta { return r.meta }

// Author returns the key local proposals are signed with.
func (r *Replica) Author() types.PublicKey { return r.author.Public() }

// Proposal is a local write or deletion.
type Proposal struct {
	Path       string
	Address    types.Address
	Size       int64
	Tombstone  bool
	Capability *capability.Capability
}

// Propose stamps, authorizes and appends a local entry.
func (r *Replica) Propose(ctx context.Context, p Proposal) (*Entry, error) {
	path, err := NormalizePath(p.Path)
	if err != nil {
		return nil, fserr.Errorf(fserr.MalformedEntry, "propose", "%v: %q", err, p.Path).WithReplica(r.meta.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ts := r.clock.Now()
	if err := r.authorize(p.Capability, path, capability.RightWrite, r.author.Public(), ts.Time()); err != nil {
		return nil, fserr.New(fserr.Unauthorized, "propose", err).WithReplica(r.meta.ID).WithPath(path)
	}

	r.mu.Lock()
	var seq uint64 = 1
	if a := r.authors[r.author.Public()]; a != nil {
		seq = a.maxSeq + 1
	}
	e := &Entry{
		Replica:    r.meta.ID,
		Path:       path,
		Timestamp:  ts,
		Seq:        seq,
		Capability: p.Capability,
	}
	if p.Tombstone {
		e.Tombstone = true
	} else {
		e.Address = p.Address
		e.Size = p.Size
	}
	e.sign(r.author)
	err = r.appendLocked(e)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r.metrics.EntriesApplied.WithLabelValues("local").Inc()
	r.notify(e)
	r.logger.Debug("Entry proposed", zap.String("path", path), zap.Stringer("entry", e.ID()))
	return e, nil
}

// Merge validates and applies an entry received from a peer. Expiry is
// judged at the entry's own timestamp so every peer reaches the same verdict.
func (r *Replica) Merge(ctx context.Context, e *Entry) (MergeResult, error) {
	if err := r.validate(e); err != nil {
		r.metrics.MergeRejections.WithLabelValues("malformed").Inc()
		return Rejected, err
	}
	if r.Has(e.ID()) {
		return Duplicate, nil
	}
	if err := ctx.Err(); err != nil {
		return Rejected, err
	}

	if err := r.authorize(e.Capability, e.Path, capability.RightWrite, e.Author, e.Timestamp.Time()); err != nil {
		r.metrics.MergeRejections.WithLabelValues("unauthorized").Inc()
		return Rejected, fserr.New(fserr.Unauthorized, "merge", err).WithReplica(r.meta.ID).WithPath(e.Path)
	}
	if !r.clock.Observe(e.Timestamp) {
		r.logger.Debug("Remote timestamp beyond clock drift, not adopted",
			zap.Stringer("timestamp", e.Timestamp),
			zap.Stringer("author", e.Author))
	}

	r.mu.Lock()
	if _, ok := r.byID[e.ID()]; ok {
		r.mu.Unlock()
		return Duplicate, nil
	}
	err := r.appendLocked(e)
	r.mu.Unlock()
	if err != nil {
		return Rejected, err
	}

	r.metrics.EntriesApplied.WithLabelValues("remote").Inc()
	r.notify(e)
	return Applied, nil
}

func (r *Replica) validate(e *Entry) error {
	if e == nil {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "nil entry")
	}
	if e.Replica != r.meta.ID {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "entry belongs to replica %s", e.Replica).WithReplica(r.meta.ID)
	}
	if p, err := NormalizePath(e.Path); err != nil || p != e.Path {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "path %q is not normalized", e.Path).WithReplica(r.meta.ID)
	}
	if e.Seq == 0 || e.Timestamp.IsZero() || e.Size < 0 {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "missing sequence, timestamp or size").WithReplica(r.meta.ID).WithPath(e.Path)
	}
	if !e.VerifySignature() {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "bad author signature").WithReplica(r.meta.ID).WithPath(e.Path)
	}
	if e.id != e.computeID() {
		return fserr.Errorf(fserr.MalformedEntry, "merge", "entry id does not match contents").WithReplica(r.meta.ID).WithPath(e.Path)
	}
	return nil
}

func (r *Replica) authorize(chain *capability.Capability, path string, rights capability.Rights, as types.PublicKey, at time.Time) error {
	err := r.gate.Verify(chain, capability.Request{
		Root:   r.meta.Root,
		Scope:  capability.Scope{Replica: r.meta.ID},
		Path:   path,
		Rights: rights,
		As:     as,
		At:     at,
	})
	if err != nil {
		r.metrics.GateDenials.WithLabelValues(string(capability.ReasonOf(err))).Inc()
	}
	return err
}

// Authorize checks chain for rights at path as the local author, now.
func (r *Replica) Authorize(chain *capability.Capability, path string, rights capability.Rights) error {
	if err := r.authorize(chain, path, rights, r.author.Public(), time.Now()); err != nil {
		return fserr.New(fserr.Unauthorized, "authorize", err).WithReplica(r.meta.ID).WithPath(path)
	}
	return nil
}

// AuthorizeBearer checks that chain grants rights at path to whoever holds
// it. Peers present their chain this way to read a replica over the wire.
func (r *Replica) AuthorizeBearer(chain *capability.Capability, path string, rights capability.Rights) error {
	if chain == nil {
		return fserr.New(fserr.Unauthorized, "authorize peer",
			&capability.UnauthorizedError{Reason: capability.BrokenChain, Detail: "no capability presented"}).WithReplica(r.meta.ID)
	}
	if err := r.authorize(chain, path, rights, chain.Subject, time.Now()); err != nil {
		return fserr.New(fserr.Unauthorized, "authorize peer", err).WithReplica(r.meta.ID).WithPath(path)
	}
	return nil
}

// appendLocked persists e and then makes it visible. The caller holds r.mu.
func (r *Replica) appendLocked(e *Entry) error {
	if r.closed {
		return fmt.Errorf("replica %s is closed", r.meta.ID)
	}
	if err := r.store.Append(r.meta.ID, r.logLen, e.Marshal()); err != nil {
		return fmt.Errorf("append entry to replica %s: %w", r.meta.ID, err)
	}
	r.logLen++

	r.byID[e.ID()] = e
	entries := r.history[e.Path]
	i := sort.Search(len(entries), func(i int) bool { return Compare(entries[i], e) > 0 })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	r.history[e.Path] = entries

	a := r.authors[e.Author]
	if a == nil {
		a = &authorState{}
		r.authors[e.Author] = a
	}
	a.add(e)

	if i == len(entries)-1 {
		tree, _, _ := r.view.Load().Insert([]byte(e.Path), e)
		r.view.Store(tree)
	}

	r.sinceSnapshot++
	if r.sinceSnapshot >= r.snapshotEvery {
		if err := r.snapshotLocked(); err != nil {
			r.logger.Warn("Failed to write view snapshot", zap.Error(err))
		}
	}
	return nil
}

func (r *Replica) snapshotLocked() error {
	tree := r.view.Load()
	rec := SnapshotRecord{Watermark: r.logLen, Winners: make([]EntryID, 0, tree.Len())}
	it := tree.Root().Iterator()
	for _, e, ok := it.Next(); ok; _, e, ok = it.Next() {
		rec.Winners = append(rec.Winners, e.ID())
	}
	if err := r.store.SaveSnapshot(r.meta.ID, rec); err != nil {
		return err
	}
	r.sinceSnapshot = 0
	return nil
}

func (r *Replica) notify(e *Entry) {
	if r.onChange != nil {
		r.onChange(e)
	}
}

// Has reports whether the entry is already in the log.
func (r *Replica) Has(id EntryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Len returns the number of entries in the log.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.logLen)
}

// Snapshot returns the current view. It never changes after it is taken.
func (r *Replica) Snapshot() *View {
	return &View{tree: r.view.Load()}
}

// View lazily yields the live path/winner pairs under prefix as of the call.
func (r *Replica) View(prefix string) iter.Seq2[string, *Entry] {
	return r.Snapshot().Entries(prefix)
}

// Lookup returns the winning entry for path, which may be a tombstone.
func (r *Replica) Lookup(path string) (*Entry, bool) {
	return r.Snapshot().Lookup(path)
}

// History returns every entry observed for path, oldest winner first.
func (r *Replica) History(path string) []*Entry {
	p, err := NormalizePath(path)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Entry(nil), r.history[p]...)
}

// Summary returns the per-author digest of the log.
func (r *Replica) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Replica: r.meta.ID, Entries: int(r.logLen), Authors: make([]AuthorSummary, 0, len(r.authors))}
	for author, a := range r.authors {
		s.Authors = append(s.Authors, AuthorSummary{
			Author:       author,
			Count:        a.count,
			MaxSeq:       a.maxSeq,
			MaxTimestamp: a.maxTS,
			Digest:       a.digest,
		})
	}
	sort.Slice(s.Authors, func(i, j int) bool { return s.Authors[i].Author.Compare(s.Authors[j].Author) < 0 })
	return s
}

// EntryIDs returns the ids of every entry written by the given authors.
func (r *Replica) EntryIDs(authors []types.PublicKey) []EntryID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EntryID
	for _, author := range authors {
		if a := r.authors[author]; a != nil {
			out = append(out, a.ids...)
		}
	}
	return out
}

// Entries returns the entries with the given ids that are present locally.
func (r *Replica) Entries(ids []EntryID) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.byID[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// LiveAddresses returns the object addresses referenced by visible entries.
func (r *Replica) LiveAddresses() []types.Address {
	var out []types.Address
	for _, e := range r.View("/") {
		out = append(out, e.Address)
	}
	return out
}

// Close writes a final snapshot. Further appends fail.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sinceSnapshot == 0 {
		return nil
	}
	return r.snapshotLocked()
}
