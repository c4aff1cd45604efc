package node

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/config"
	"meshfs/pkg/discovery"
	"meshfs/pkg/fserr"
	"meshfs/pkg/replica"
	"meshfs/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Listen = "127.0.0.1:0"
	cfg.Advertise = cfg.Listen
	cfg.Identity.KeyFile = filepath.Join(dir, "identity.key")
	cfg.Storage.Backend = config.BackendMemory
	cfg.Storage.ChunkSize = "4KiB"
	cfg.Storage.Fanout = 4
	cfg.Storage.GCInterval = 0
	cfg.Replica.InMemory = true
	cfg.Discovery.Backend = config.DiscoveryMemory
	cfg.Discovery.InitialDelay = 10 * time.Millisecond
	cfg.Discovery.ReannounceInterval = 100 * time.Millisecond
	cfg.Discovery.CacheTTL = 10 * time.Millisecond
	cfg.Sync.Enabled = false
	cfg.Sync.Interval = 50 * time.Millisecond
	cfg.Sync.BackoffBase = 10 * time.Millisecond
	cfg.Sync.BackoffMax = 100 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, opts Options) *Node {
	t.Helper()
	ctx := context.Background()
	if opts.Fs == nil {
		opts.Fs = afero.NewMemMapFs()
	}
	n, err := New(ctx, cfg, zaptest.NewLogger(t), opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, n.Stop(ctx))
	})
	return n
}

func share(t *testing.T, from *Node, id types.ReplicaID, to *Node, mode ShareMode) types.ReplicaID {
	t.Helper()
	ticket, err := from.ShareReplica(context.Background(), id, ShareRequest{To: to.Identity(), Mode: mode})
	require.NoError(t, err)
	parsed, err := ParseTicket(ticket.String())
	require.NoError(t, err)
	got, err := to.ImportTicket(context.Background(), parsed)
	require.NoError(t, err)
	require.Equal(t, id, got)
	return got
}

func TestIdentityPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig(t)

	first, err := New(context.Background(), cfg, zaptest.NewLogger(t), Options{Fs: fs})
	require.NoError(t, err)
	key := first.Identity()
	require.NoError(t, first.Stop(context.Background()))

	second, err := New(context.Background(), cfg, zaptest.NewLogger(t), Options{Fs: fs})
	require.NoError(t, err)
	defer second.Stop(context.Background())
	assert.Equal(t, key, second.Identity())
	assert.NotEqual(t, "127.0.0.1:0", second.Address())
}

func TestFileOperations(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), Options{})

	id, err := n.CreateReplica(ctx)
	require.NoError(t, err)

	_, err = n.WriteFile(ctx, id, "docs/readme.md", []byte("hello"))
	require.NoError(t, err)
	_, err = n.WriteFile(ctx, id, "/docs/guide/intro.md", []byte("intro text"))
	require.NoError(t, err)
	_, err = n.WriteFile(ctx, id, "/top.txt", []byte("top"))
	require.NoError(t, err)

	data, err := n.ReadFile(ctx, id, "/docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	part, err := n.ReadAt(ctx, id, "/docs/guide/intro.md", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, "text", string(part))

	files, err := n.ListFiles(id, "/docs")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/docs/guide/intro.md", files[0].Path)
	assert.Equal(t, "/docs/readme.md", files[1].Path)

	children, err := n.Children(id, "/")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "docs", children[0].Name)
	assert.True(t, children[0].Dir)
	assert.Equal(t, "top.txt", children[1].Name)

	size, err := n.FolderSize(id, "/docs")
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)
	assert.Equal(t, int64(18), n.TotalSize())

	_, err = n.DeleteFile(ctx, id, "/top.txt")
	require.NoError(t, err)
	_, err = n.ReadFile(ctx, id, "/top.txt")
	assert.True(t, fserr.Is(err, fserr.NotFound))
	_, err = n.DeleteFile(ctx, id, "/top.txt")
	assert.True(t, fserr.Is(err, fserr.NotFound))

	deleted, err := n.DeleteDirectory(ctx, id, "/docs")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	files, err = n.ListFiles(id, "/")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Zero(t, n.TotalSize())
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), Options{})

	a, err := n.CreateReplica(ctx)
	require.NoError(t, err)
	b, err := n.CreateReplica(ctx)
	require.NoError(t, err)

	for _, p := range []string{"/src/a.txt", "/src/nested/b.txt"} {
		_, err := n.WriteFile(ctx, a, p, []byte(p))
		require.NoError(t, err)
	}

	moved, err := n.MoveDirectory(ctx, a, "/src", a, "/dst")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	data, err := n.ReadFile(ctx, a, "/dst/nested/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/src/nested/b.txt", string(data))
	_, err = n.Entry(a, "/src/a.txt")
	assert.True(t, fserr.Is(err, fserr.NotFound))

	_, err = n.MoveDirectory(ctx, a, "/dst", a, "/dst/inner")
	assert.Error(t, err)

	_, err = n.MoveFile(ctx, a, "/dst/a.txt", b, "/a.txt")
	require.NoError(t, err)
	data, err = n.ReadFile(ctx, b, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/src/a.txt", string(data))
	_, err = n.Entry(a, "/dst/a.txt")
	assert.True(t, fserr.Is(err, fserr.NotFound))
}

func TestTimes(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), Options{})
	id, err := n.CreateReplica(ctx)
	require.NoError(t, err)

	_, ok := n.Times()
	assert.False(t, ok)

	first, err := n.WriteFile(ctx, id, "/f", []byte("v1"))
	require.NoError(t, err)
	second, err := n.WriteFile(ctx, id, "/f", []byte("v2"))
	require.NoError(t, err)
	other, err := n.WriteFile(ctx, id, "/dir/g", []byte("g"))
	require.NoError(t, err)

	ft, err := n.FileTimes(id, "/f")
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, ft.Oldest)
	assert.Equal(t, second.Timestamp, ft.Newest)

	dt, err := n.FolderTimes(id, "/dir")
	require.NoError(t, err)
	assert.Equal(t, other.Timestamp, dt.Oldest)
	assert.Equal(t, other.Timestamp, dt.Newest)

	_, err = n.FolderTimes(id, "/empty")
	assert.True(t, fserr.Is(err, fserr.NotFound))

	all, ok := n.Times()
	require.True(t, ok)
	assert.Equal(t, first.Timestamp, all.Oldest)
	assert.Equal(t, other.Timestamp, all.Newest)
}

func TestTwoNodesSyncOverGRPC(t *testing.T) {
	ctx := context.Background()
	dht := discovery.NewMemoryDHT()
	a := startNode(t, testConfig(t), Options{DHT: dht})
	b := startNode(t, testConfig(t), Options{DHT: dht})

	id, err := a.CreateReplica(ctx)
	require.NoError(t, err)
	big := make([]byte, 20<<10)
	for i := range big {
		big[i] = byte(i % 251)
	}
	_, err = a.WriteFile(ctx, id, "/big.bin", big)
	require.NoError(t, err)

	share(t, a, id, b, ShareWrite)

	// Content is fetched on first read.
	data, err := b.ReadFile(ctx, id, "/big.bin")
	require.NoError(t, err)
	assert.Equal(t, big, data)

	_, err = b.WriteFile(ctx, id, "/from-b.txt", []byte("written on b"))
	require.NoError(t, err)

	// a learns of b through b's announcement.
	require.Eventually(t, func() bool {
		if _, err := a.SyncReplica(ctx, id); err != nil {
			return false
		}
		data, err := a.ReadFile(ctx, id, "/from-b.txt")
		return err == nil && string(data) == "written on b"
	}, 5*time.Second, 20*time.Millisecond)

	_, err = a.WriteFile(ctx, id, "/late.txt", []byte("late"))
	require.NoError(t, err)
	data, err = b.FetchFile(ctx, id, "/late.txt")
	require.NoError(t, err)
	assert.Equal(t, "late", string(data))
}

// Knowing a replica's id is not enough to fetch from it; a node must first
// import a ticket addressed to it.
func TestFetchFileNeedsImportedTicket(t *testing.T) {
	ctx := context.Background()
	dht := discovery.NewMemoryDHT()
	a := startNode(t, testConfig(t), Options{DHT: dht})
	b := startNode(t, testConfig(t), Options{DHT: dht})

	id, err := a.CreateReplica(ctx)
	require.NoError(t, err)
	_, err = a.WriteFile(ctx, id, "/doc.txt", []byte("hello"))
	require.NoError(t, err)

	_, err = b.FetchFile(ctx, id, "/doc.txt")
	assert.True(t, fserr.Is(err, fserr.NotFound))

	share(t, a, id, b, ShareRead)
	data, err := b.FetchFile(ctx, id, "/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBackgroundSync(t *testing.T) {
	ctx := context.Background()
	dht := discovery.NewMemoryDHT()
	cfgA, cfgB := testConfig(t), testConfig(t)
	cfgA.Sync.Enabled = true
	cfgB.Sync.Enabled = true
	a := startNode(t, cfgA, Options{DHT: dht})
	b := startNode(t, cfgB, Options{DHT: dht})

	id, err := a.CreateReplica(ctx)
	require.NoError(t, err)
	share(t, a, id, b, ShareWrite)

	_, err = a.WriteFile(ctx, id, "/news.txt", []byte("fresh"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := b.Entry(id, "/news.txt")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	e, err := b.Entry(id, "/news.txt")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := b.Store().Complete(ctx, e.Address)
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestReadOnlyShare(t *testing.T) {
	ctx := context.Background()
	dht := discovery.NewMemoryDHT()
	a := startNode(t, testConfig(t), Options{DHT: dht})
	b := startNode(t, testConfig(t), Options{DHT: dht})
	c := startNode(t, testConfig(t), Options{DHT: dht})

	id, err := a.CreateReplica(ctx)
	require.NoError(t, err)
	_, err = a.WriteFile(ctx, id, "/shared.txt", []byte("read me"))
	require.NoError(t, err)

	share(t, a, id, b, ShareRead)

	data, err := b.ReadFile(ctx, id, "/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "read me", string(data))

	_, err = b.WriteFile(ctx, id, "/nope.txt", []byte("x"))
	assert.True(t, fserr.Is(err, fserr.Unauthorized))

	_, err = b.ShareReplica(ctx, id, ShareRequest{To: c.Identity(), Mode: ShareWrite})
	assert.True(t, fserr.Is(err, fserr.Unauthorized))

	// Read access can be passed on.
	share(t, b, id, c, ShareRead)
	data, err = c.ReadFile(ctx, id, "/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "read me", string(data))

	infos := b.ListReplicas()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Writable())
}

func TestImportRejectsTicketForAnotherKey(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, testConfig(t), Options{})
	b := startNode(t, testConfig(t), Options{})
	c := startNode(t, testConfig(t), Options{})

	id, err := a.CreateReplica(ctx)
	require.NoError(t, err)
	ticket, err := a.ShareReplica(ctx, id, ShareRequest{To: b.Identity(), Mode: ShareRead})
	require.NoError(t, err)

	_, err = c.ImportTicket(ctx, ticket)
	assert.True(t, fserr.Is(err, fserr.Unauthorized))
}

func TestTicketEncoding(t *testing.T) {
	root, err := types.GenerateKeypair()
	require.NoError(t, err)
	friend, err := types.GenerateKeypair()
	require.NoError(t, err)
	id := types.NewReplicaID()

	rootCap := capability.NewRoot(root, id)
	readCap, err := capability.Delegate(rootCap, root, friend.Public(),
		capability.Scope{Replica: id, Prefix: "/docs"}, capability.RightRead, time.Time{})
	require.NoError(t, err)

	ticket := &Ticket{Capability: readCap, Root: root.Public(), Peers: []string{"10.0.0.2:7400", "0.0.0.0:7400", "10.0.0.3"}}
	text := ticket.String()
	assert.NotContains(t, text, "+")
	assert.NotContains(t, text, "/")

	parsed, err := ParseTicket(text)
	require.NoError(t, err)
	assert.Equal(t, readCap.Digest(), parsed.Capability.Digest())
	assert.Equal(t, root.Public(), parsed.Root)
	assert.Equal(t, []string{"10.0.0.2:7400", "10.0.0.3:7400"}, parsed.Peers, "undialable peers dropped, default port filled in")
	assert.Equal(t, id, parsed.Replica())

	_, err = ParseTicket("garbage")
	assert.Error(t, err)

	other, err := types.GenerateKeypair()
	require.NoError(t, err)
	forged := &Ticket{Capability: readCap, Root: other.Public()}
	_, err = ParseTicket(forged.String())
	assert.Error(t, err)
}

func TestMergeTickets(t *testing.T) {
	root, err := types.GenerateKeypair()
	require.NoError(t, err)
	friend, err := types.GenerateKeypair()
	require.NoError(t, err)
	id := types.NewReplicaID()
	rootCap := capability.NewRoot(root, id)

	read, err := capability.Delegate(rootCap, root, friend.Public(),
		capability.Scope{Replica: id}, capability.RightRead, time.Time{})
	require.NoError(t, err)
	write, err := capability.Delegate(rootCap, root, friend.Public(),
		capability.Scope{Replica: id, Prefix: "/"}, capability.RightRead|capability.RightWrite, time.Time{})
	require.NoError(t, err)

	merged, err := MergeTickets(
		&Ticket{Capability: read, Root: root.Public(), Peers: []string{"b:1", "a:1"}},
		&Ticket{Capability: write, Root: root.Public(), Peers: []string{"a:1", "c:1"}},
	)
	require.NoError(t, err)
	assert.Equal(t, write.Digest(), merged.Capability.Digest())
	assert.Equal(t, []string{"a:1", "b:1", "c:1"}, merged.Peers)

	otherID := types.NewReplicaID()
	_, err = MergeTickets(
		&Ticket{Capability: read, Root: root.Public()},
		&Ticket{Capability: capability.NewRoot(root, otherID), Root: root.Public()},
	)
	assert.Error(t, err)

	_, err = MergeTickets()
	assert.Error(t, err)
}

func TestReplicaLifecycleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := startNode(t, testConfig(t), Options{})
	events := n.Watch(ctx)

	id, err := n.CreateReplica(ctx)
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, replica.Created, ev.Kind)
	assert.Equal(t, id, ev.Replica)

	require.NoError(t, n.DeleteReplica(ctx, id))
	ev = <-events
	assert.Equal(t, replica.Deleted, ev.Kind)
	assert.Empty(t, n.ListReplicas())
}

func TestCollectGarbage(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), Options{})
	id, err := n.CreateReplica(ctx)
	require.NoError(t, err)

	old, err := n.WriteFile(ctx, id, "/f", []byte("first version"))
	require.NoError(t, err)
	_, err = n.WriteFile(ctx, id, "/f", []byte("second version"))
	require.NoError(t, err)

	// Objects written since the previous sweep survive one round.
	_, err = n.CollectGarbage(ctx)
	require.NoError(t, err)
	stats, err := n.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	ok, err := n.Store().Has(ctx, old.Address)
	require.NoError(t, err)
	assert.False(t, ok)
	data, err := n.ReadFile(ctx, id, "/f")
	require.NoError(t, err)
	assert.Equal(t, "second version", string(data))
}

func TestCrossReplicaMoveSurvivesConcurrentSweep(t *testing.T) {
	ctx := context.Background()
	n := startNode(t, testConfig(t), Options{})
	a, err := n.CreateReplica(ctx)
	require.NoError(t, err)
	b, err := n.CreateReplica(ctx)
	require.NoError(t, err)

	_, err = n.WriteFile(ctx, a, "/doc.txt", []byte("moving between replicas"))
	require.NoError(t, err)
	_, err = n.CollectGarbage(ctx)
	require.NoError(t, err)

	_, err = n.MoveFile(ctx, a, "/doc.txt", b, "/doc.txt")
	require.NoError(t, err)

	// A live set read from b before the copy and from a after the
	// tombstone holds nothing.
	stats, err := n.Store().Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	stats, err = n.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)

	data, err := n.ReadFile(ctx, b, "/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "moving between replicas", string(data))
}

func TestAdvertiseAddress(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7411}
	assert.Equal(t, "127.0.0.1:7411", advertiseAddress("127.0.0.1:0", bound))
	assert.Equal(t, "127.0.0.1:7411", advertiseAddress("0.0.0.0:0", bound))
	assert.Equal(t, "10.1.1.1:7400", advertiseAddress("10.1.1.1:7400", bound))
	assert.Equal(t, "127.0.0.1:7400", advertiseAddress("0.0.0.0:7400", bound))
	assert.Equal(t, "node.example.net:7400", advertiseAddress("node.example.net", bound))
}
