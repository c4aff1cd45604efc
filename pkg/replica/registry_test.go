package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newRegistry(t *testing.T, store LogStore, m *metrics.Metrics) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Store:   store,
		Author:  newKey(t),
		Logger:  zaptest.NewLogger(t),
		Metrics: m,
	})
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func TestRegistryCreateAndList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := metrics.NewUnregistered()
	reg := newRegistry(t, newStore(t), m)
	events := reg.Watch(ctx)

	r, root, err := reg.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, reg.Author().Public(), r.Root())
	assert.Equal(t, Event{Kind: Created, Replica: r.ID()}, nextEvent(t, events))

	_, err = r.Propose(ctx, Proposal{Path: "/a.txt", Address: addr(1), Capability: root})
	require.NoError(t, err)
	ev := nextEvent(t, events)
	assert.Equal(t, Changed, ev.Kind)
	assert.Equal(t, "/a.txt", ev.Entry.Path)

	infos := reg.List()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Writable())
	assert.Equal(t, capability.AllRights, infos[0].Rights)
	assert.Equal(t, 1, infos[0].Entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Replicas))

	got, err := reg.Authorize(r.ID(), "/a.txt", capability.RightWrite)
	require.NoError(t, err)
	assert.Equal(t, root.Digest(), got.Digest())
}

func TestRegistryImportReadOnly(t *testing.T) {
	ctx := context.Background()
	owner := newRegistry(t, newStore(t), nil)
	r, root, err := owner.Create(ctx)
	require.NoError(t, err)

	guest := newRegistry(t, newStore(t), nil)
	readCap, err := capability.Delegate(root, owner.Author(), guest.Author().Public(), capability.Scope{Replica: r.ID()}, capability.RightRead, time.Time{})
	require.NoError(t, err)

	imported, err := guest.Import(ctx, r.Root(), readCap)
	require.NoError(t, err)
	assert.Equal(t, r.ID(), imported.ID())

	infos := guest.List()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Writable())

	_, err = guest.Authorize(r.ID(), "/x", capability.RightWrite)
	assert.True(t, errors.Is(err, fserr.Unauthorized))
	assert.Equal(t, capability.RightsExceeded, capability.ReasonOf(err))

	// upgrading to write adds a second capability to the held replica
	writeCap, err := capability.Delegate(root, owner.Author(), guest.Author().Public(), capability.Scope{Replica: r.ID(), Prefix: "/inbox"}, capability.RightRead|capability.RightWrite, time.Time{})
	require.NoError(t, err)
	_, err = guest.Import(ctx, r.Root(), writeCap)
	require.NoError(t, err)
	caps, err := guest.Capabilities(r.ID())
	require.NoError(t, err)
	assert.Len(t, caps, 2)

	c, err := guest.Authorize(r.ID(), "/inbox/note", capability.RightWrite)
	require.NoError(t, err)
	assert.Equal(t, writeCap.Digest(), c.Digest())
}

func TestRegistryImportRejectsForeignChain(t *testing.T) {
	ctx := context.Background()
	owner := newRegistry(t, newStore(t), nil)
	r, root, err := owner.Create(ctx)
	require.NoError(t, err)

	guest := newRegistry(t, newStore(t), nil)
	// delegated to someone else
	other := newKey(t)
	c, err := capability.Delegate(root, owner.Author(), other.Public(), capability.Scope{Replica: r.ID()}, capability.RightRead, time.Time{})
	require.NoError(t, err)

	_, err = guest.Import(ctx, r.Root(), c)
	assert.True(t, errors.Is(err, fserr.Unauthorized))
	assert.Empty(t, guest.List())
}

func TestRegistryLoadAndDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	reg := newRegistry(t, store, nil)
	r, root, err := reg.Create(ctx)
	require.NoError(t, err)
	_, err = r.Propose(ctx, Proposal{Path: "/keep.txt", Address: addr(3), Capability: root})
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reloaded := NewRegistry(RegistryConfig{Store: store, Author: reg.Author(), Logger: zaptest.NewLogger(t)})
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.Get(r.ID())
	require.NoError(t, err)
	e, ok := got.Lookup("/keep.txt")
	require.True(t, ok)
	assert.Equal(t, addr(3), e.Address)

	events := reloaded.Watch(ctx)
	require.NoError(t, reloaded.Delete(ctx, r.ID()))
	assert.Equal(t, Event{Kind: Deleted, Replica: r.ID()}, nextEvent(t, events))

	_, err = reloaded.Get(r.ID())
	assert.True(t, errors.Is(err, fserr.NotFound))
	metas, err := store.LoadMeta()
	require.NoError(t, err)
	assert.Empty(t, metas)
	caps, err := store.Capabilities(r.ID())
	require.NoError(t, err)
	assert.Empty(t, caps)
}
