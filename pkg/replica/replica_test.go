package replica

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newKey(t *testing.T) *types.Keypair {
	t.Helper()
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func newStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore(BadgerConfig{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	a[31] = b
	return a
}

// world is one replica and the keys that may write to it.
type world struct {
	t       *testing.T
	meta    Meta
	root    *types.Keypair
	rootCap *capability.Capability
}

func newWorld(t *testing.T) *world {
	root := newKey(t)
	meta := Meta{ID: types.NewReplicaID(), Root: root.Public(), Created: time.Now().UTC()}
	return &world{t: t, meta: meta, root: root, rootCap: capability.NewRoot(root, meta.ID)}
}

func (w *world) grant(subject *types.Keypair, prefix string, rights capability.Rights, expiry time.Time) *capability.Capability {
	c, err := capability.Delegate(w.rootCap, w.root, subject.Public(), capability.Scope{Replica: w.meta.ID, Prefix: prefix}, rights, expiry)
	require.NoError(w.t, err)
	return c
}

func (w *world) open(author *types.Keypair, clock *Clock) *Replica {
	return w.openWith(author, clock, newStore(w.t))
}

func (w *world) openWith(author *types.Keypair, clock *Clock, store LogStore) *Replica {
	r, err := Open(context.Background(), Config{
		Meta:          w.meta,
		Author:        author,
		Clock:         clock,
		Store:         store,
		Logger:        zaptest.NewLogger(w.t),
		SnapshotEvery: 3,
	})
	require.NoError(w.t, err)
	return r
}

func fixedClock(at time.Time) *Clock {
	return NewClock(0, func() time.Time { return at })
}

func viewOf(r *Replica) map[string]EntryID {
	out := make(map[string]EntryID)
	for p, e := range r.View("/") {
		out[p] = e.ID()
	}
	return out
}

func TestProposeAndView(t *testing.T) {
	w := newWorld(t)
	r := w.open(w.root, nil)
	ctx := context.Background()

	_, err := r.Propose(ctx, Proposal{Path: "docs/a.txt", Address: addr(1), Size: 10, Capability: w.rootCap})
	require.NoError(t, err)
	_, err = r.Propose(ctx, Proposal{Path: "/docs/b.txt", Address: addr(2), Size: 5, Capability: w.rootCap})
	require.NoError(t, err)
	_, err = r.Propose(ctx, Proposal{Path: "/top.txt", Address: addr(3), Size: 1, Capability: w.rootCap})
	require.NoError(t, err)
	del, err := r.Propose(ctx, Proposal{Path: "/docs/b.txt", Tombstone: true, Capability: w.rootCap})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), del.Seq)

	var paths []string
	for p := range r.View("/") {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"/docs/a.txt", "/top.txt"}, paths)

	paths = nil
	for p := range r.View("/docs") {
		paths = append(paths, p)
	}
	assert.Equal(t, []string{"/docs/a.txt"}, paths)

	e, ok := r.Lookup("/docs/b.txt")
	require.True(t, ok)
	assert.True(t, e.Tombstone)
	assert.Len(t, r.History("/docs/b.txt"), 2)
	assert.Equal(t, 4, r.Len())
	assert.Equal(t, int64(11), r.Snapshot().Size("/"))
}

func TestViewIsRestartableAndStable(t *testing.T) {
	w := newWorld(t)
	r := w.open(w.root, nil)
	ctx := context.Background()
	_, err := r.Propose(ctx, Proposal{Path: "/a", Address: addr(1), Capability: w.rootCap})
	require.NoError(t, err)

	seq := r.View("/")
	_, err = r.Propose(ctx, Proposal{Path: "/b", Address: addr(2), Capability: w.rootCap})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		n := 0
		for range seq {
			n++
		}
		assert.Equal(t, 1, n, "a view reflects the state at call time")
	}
}

func TestMergeConvergesUnderPermutations(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := newKey(t)
	bob := newKey(t)

	writers := []struct {
		key *types.Keypair
		cap *capability.Capability
	}{
		{w.root, w.rootCap},
		{alice, w.grant(alice, "/", capability.RightWrite, time.Time{})},
		{bob, w.grant(bob, "/shared", capability.RightWrite, time.Time{})},
	}

	base := time.Now()
	var all []*Entry
	for i, wr := range writers {
		// writers share wall time so timestamps collide and tie-breaks matter
		r := w.open(wr.key, fixedClock(base))
		for j := 0; j < 6; j++ {
			path := []string{"/shared/x", "/shared/y", "/shared/z"}[(i+j)%3]
			e, err := r.Propose(ctx, Proposal{Path: path, Address: addr(byte(10*i + j)), Tombstone: j == 4, Capability: wr.cap})
			require.NoError(t, err)
			all = append(all, e)
		}
	}

	rng := rand.New(rand.NewSource(7))
	var reference map[string]EntryID
	for round := 0; round < 5; round++ {
		order := append([]*Entry(nil), all...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		// duplicates interleaved
		order = append(order, order[:len(order)/2]...)

		target := w.open(newKey(t), nil)
		for _, e := range order {
			_, err := target.Merge(ctx, e)
			require.NoError(t, err)
		}
		assert.Equal(t, len(all), target.Len())

		got := viewOf(target)
		if reference == nil {
			reference = got
			continue
		}
		assert.Equal(t, reference, got, "round %d", round)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.open(w.root, nil)
	e, err := src.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(1), Capability: w.rootCap})
	require.NoError(t, err)

	dst := w.open(newKey(t), nil)
	res, err := dst.Merge(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	res, err = dst.Merge(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.Equal(t, 1, dst.Len())
}

func TestTieBreakByAuthor(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	k1, k2 := newKey(t), newKey(t)
	at := time.Now()

	r1 := w.open(k1, fixedClock(at))
	r2 := w.open(k2, fixedClock(at))
	e1, err := r1.Propose(ctx, Proposal{Path: "/same", Address: addr(1), Capability: w.grant(k1, "", capability.RightWrite, time.Time{})})
	require.NoError(t, err)
	e2, err := r2.Propose(ctx, Proposal{Path: "/same", Address: addr(2), Capability: w.grant(k2, "", capability.RightWrite, time.Time{})})
	require.NoError(t, err)
	require.Equal(t, e1.Timestamp, e2.Timestamp)

	want := e1
	if k2.Public().Compare(k1.Public()) > 0 {
		want = e2
	}

	_, err = r1.Merge(ctx, e2)
	require.NoError(t, err)
	_, err = r2.Merge(ctx, e1)
	require.NoError(t, err)

	got1, _ := r1.Lookup("/same")
	got2, _ := r2.Lookup("/same")
	assert.Equal(t, want.ID(), got1.ID())
	assert.Equal(t, want.ID(), got2.ID())
}

func TestLaterTimestampWins(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	k1, k2 := newKey(t), newKey(t)
	t0 := time.Now()

	a := w.open(k1, fixedClock(t0))
	b := w.open(k2, fixedClock(t0.Add(time.Second)))
	x, err := a.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(0xA), Capability: w.grant(k1, "", capability.RightWrite, time.Time{})})
	require.NoError(t, err)
	y, err := b.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(0xB), Capability: w.grant(k2, "", capability.RightWrite, time.Time{})})
	require.NoError(t, err)

	_, err = a.Merge(ctx, y)
	require.NoError(t, err)
	_, err = b.Merge(ctx, x)
	require.NoError(t, err)

	for _, r := range []*Replica{a, b} {
		e, ok := r.Lookup("/a.txt")
		require.True(t, ok)
		assert.Equal(t, addr(0xB), e.Address)
	}
}

func TestProposeWithReadCapability(t *testing.T) {
	w := newWorld(t)
	reader := newKey(t)
	r := w.open(reader, nil)
	before := r.Len()

	_, err := r.Propose(context.Background(), Proposal{Path: "/a.txt", Address: addr(1), Capability: w.grant(reader, "", capability.RightRead, time.Time{})})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fserr.Unauthorized))
	assert.Equal(t, capability.RightsExceeded, capability.ReasonOf(err))
	assert.Equal(t, before, r.Len())
}

func TestMergeRejectsForeignRoot(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	mallory := newKey(t)

	// a chain rooted at mallory's own key for the same replica id
	forged := capability.NewRoot(mallory, w.meta.ID)
	other := &world{t: t, meta: Meta{ID: w.meta.ID, Root: mallory.Public()}, root: mallory, rootCap: forged}
	src := other.open(mallory, nil)
	e, err := src.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(1), Capability: forged})
	require.NoError(t, err)

	dst := w.open(w.root, nil)
	before := viewOf(dst)
	res, err := dst.Merge(ctx, e)
	assert.Equal(t, Rejected, res)
	assert.True(t, errors.Is(err, fserr.Unauthorized))
	assert.Equal(t, capability.RootMismatch, capability.ReasonOf(err))
	assert.Equal(t, before, viewOf(dst))
	assert.Equal(t, 0, dst.Len())
}

func TestMergeRejectsMalformed(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	src := w.open(w.root, nil)
	e, err := src.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(1), Capability: w.rootCap})
	require.NoError(t, err)

	dst := w.open(w.root, nil)

	tampered := *e
	tampered.Address = addr(2)
	tampered.id = tampered.computeID()
	res, err := dst.Merge(ctx, &tampered)
	assert.Equal(t, Rejected, res)
	assert.True(t, errors.Is(err, fserr.MalformedEntry))

	foreign := *e
	foreign.Replica = types.NewReplicaID()
	_, err = dst.Merge(ctx, &foreign)
	assert.True(t, errors.Is(err, fserr.MalformedEntry))

	unclean := *e
	unclean.Path = "/docs/../a.txt"
	_, err = dst.Merge(ctx, &unclean)
	assert.True(t, errors.Is(err, fserr.MalformedEntry))

	assert.Equal(t, 0, dst.Len())
}

func TestMergeJudgesExpiryAtEntryTimestamp(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	writer := newKey(t)
	expiry := time.Now().Add(-time.Hour)
	c := w.grant(writer, "", capability.RightWrite, expiry)

	past := w.open(writer, fixedClock(expiry.Add(-time.Hour)))
	e, err := past.Propose(ctx, Proposal{Path: "/old.txt", Address: addr(1), Capability: c})
	require.NoError(t, err)

	dst := w.open(w.root, nil)
	res, err := dst.Merge(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	now := w.open(writer, nil)
	_, err = now.Propose(ctx, Proposal{Path: "/new.txt", Address: addr(2), Capability: c})
	assert.Equal(t, capability.Expired, capability.ReasonOf(err))
}

// A chain that has expired still admits entries stamped before its expiry,
// including new paths written after the fact with a back-dated stamp. The
// cut-off is the expiry instant itself.
func TestMergeExpiryBoundary(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	writer := newKey(t)
	expiry := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	c := w.grant(writer, "", capability.RightWrite, expiry)
	dst := w.open(w.root, nil)

	stamped := func(path string, at time.Time, seq uint64) *Entry {
		e := &Entry{
			Replica:    w.meta.ID,
			Path:       path,
			Address:    addr(byte(seq)),
			Timestamp:  Timestamp{Wall: at.UnixMicro()},
			Seq:        seq,
			Capability: c,
		}
		e.sign(writer)
		return e
	}

	res, err := dst.Merge(ctx, stamped("/backdated.txt", expiry.Add(-time.Microsecond), 1))
	require.NoError(t, err)
	assert.Equal(t, Applied, res)

	res, err = dst.Merge(ctx, stamped("/at-expiry.txt", expiry, 2))
	assert.Equal(t, Rejected, res)
	assert.Equal(t, capability.Expired, capability.ReasonOf(err))

	res, err = dst.Merge(ctx, stamped("/after.txt", time.Now(), 3))
	assert.Equal(t, Rejected, res)
	assert.Equal(t, capability.Expired, capability.ReasonOf(err))

	_, ok := dst.Lookup("/backdated.txt")
	assert.True(t, ok)
	_, ok = dst.Lookup("/after.txt")
	assert.False(t, ok)
}

func TestScopedWriterCannotEscapePrefix(t *testing.T) {
	w := newWorld(t)
	bob := newKey(t)
	r := w.open(bob, nil)
	c := w.grant(bob, "/shared", capability.RightWrite, time.Time{})

	_, err := r.Propose(context.Background(), Proposal{Path: "/shared/ok.txt", Address: addr(1), Capability: c})
	require.NoError(t, err)
	_, err = r.Propose(context.Background(), Proposal{Path: "/private.txt", Address: addr(1), Capability: c})
	assert.Equal(t, capability.ScopeExceeded, capability.ReasonOf(err))
}

func TestReopenRestoresView(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	store := newStore(t)

	r := w.openWith(w.root, nil, store)
	for i, p := range []string{"/a", "/b", "/c", "/a", "/d", "/e"} {
		_, err := r.Propose(ctx, Proposal{Path: p, Address: addr(byte(i)), Capability: w.rootCap})
		require.NoError(t, err)
	}
	_, err := r.Propose(ctx, Proposal{Path: "/b", Tombstone: true, Capability: w.rootCap})
	require.NoError(t, err)
	want := viewOf(r)
	wantSummary := r.Summary()

	// no Close: the last appends are only in the log, past the snapshot
	reopened := w.openWith(w.root, nil, store)
	assert.Equal(t, want, viewOf(reopened))
	assert.Equal(t, wantSummary, reopened.Summary())
	assert.Equal(t, 7, reopened.Len())

	e, err := reopened.Propose(ctx, Proposal{Path: "/f", Address: addr(9), Capability: w.rootCap})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), e.Seq)
	require.NoError(t, reopened.Close())

	_, err = reopened.Propose(ctx, Proposal{Path: "/g", Address: addr(9), Capability: w.rootCap})
	assert.Error(t, err)
}

func TestSummaryDiffFindsDivergentAuthors(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	alice := newKey(t)
	aliceCap := w.grant(alice, "", capability.RightWrite, time.Time{})

	a := w.open(w.root, nil)
	b := w.open(alice, nil)
	shared, err := a.Propose(ctx, Proposal{Path: "/shared", Address: addr(1), Capability: w.rootCap})
	require.NoError(t, err)
	_, err = b.Merge(ctx, shared)
	require.NoError(t, err)
	assert.True(t, a.Summary().Equal(b.Summary()))

	_, err = b.Propose(ctx, Proposal{Path: "/mine", Address: addr(2), Capability: aliceCap})
	require.NoError(t, err)

	diff := DiffAuthors(a.Summary(), b.Summary())
	assert.Equal(t, []types.PublicKey{alice.Public()}, diff)
	assert.Len(t, b.EntryIDs(diff), 1)
	assert.Empty(t, a.EntryIDs(diff))
}
