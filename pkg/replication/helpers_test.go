package replication

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/discovery"
	"meshfs/pkg/metrics"
	"meshfs/pkg/replica"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/hashicorp/golang-lru/v2/expirable.NewLRU[...].func1"),
	)
}

// memLogStore keeps replica logs in maps.
type memLogStore struct {
	mu    sync.Mutex
	metas map[types.ReplicaID]replica.Meta
	logs  map[types.ReplicaID]map[uint64][]byte
	snaps map[types.ReplicaID]replica.SnapshotRecord
	caps  map[types.ReplicaID][][]byte
}

func newMemLogStore() *memLogStore {
	return &memLogStore{
		metas: make(map[types.ReplicaID]replica.Meta),
		logs:  make(map[types.ReplicaID]map[uint64][]byte),
		snaps: make(map[types.ReplicaID]replica.SnapshotRecord),
		caps:  make(map[types.ReplicaID][][]byte),
	}
}

func (s *memLogStore) SaveMeta(m replica.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[m.ID] = m
	return nil
}

func (s *memLogStore) LoadMeta() ([]replica.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]replica.Meta, 0, len(s.metas))
	for _, m := range s.metas {
		out = append(out, m)
	}
	return out, nil
}

func (s *memLogStore) DeleteReplica(id types.ReplicaID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, id)
	delete(s.logs, id)
	delete(s.snaps, id)
	delete(s.caps, id)
	return nil
}

func (s *memLogStore) Append(id types.ReplicaID, pos uint64, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs[id] == nil {
		s.logs[id] = make(map[uint64][]byte)
	}
	s.logs[id][pos] = append([]byte(nil), raw...)
	return nil
}

func (s *memLogStore) ReadLog(id types.ReplicaID, fn func(pos uint64, raw []byte) error) error {
	s.mu.Lock()
	positions := make([]uint64, 0, len(s.logs[id]))
	for pos := range s.logs[id] {
		positions = append(positions, pos)
	}
	log := s.logs[id]
	s.mu.Unlock()
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	for _, pos := range positions {
		if err := fn(pos, log[pos]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memLogStore) SaveSnapshot(id types.ReplicaID, snap replica.SnapshotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[id] = snap
	return nil
}

func (s *memLogStore) LoadSnapshot(id types.ReplicaID) (*replica.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *memLogStore) SaveCapability(id types.ReplicaID, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[id] = append(s.caps[id], raw)
	return nil
}

func (s *memLogStore) Capabilities(id types.ReplicaID) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.caps[id]...), nil
}

func (s *memLogStore) Close() error { return nil }

// network connects test peers through their responders without sockets.
// Errors cross it the same way they cross gRPC.
type network struct {
	mu       sync.Mutex
	nodes    map[string]*Responder
	down     map[string]bool
	withheld map[string]bool
	mangle   func([][]byte) [][]byte
	failures map[string]int
	dials    map[string]int

	fetched atomic.Int64
	pushed  atomic.Int64
}

func newNetwork() *network {
	return &network{
		nodes:    make(map[string]*Responder),
		down:     make(map[string]bool),
		withheld: make(map[string]bool),
		failures: make(map[string]int),
		dials:    make(map[string]int),
	}
}

func (n *network) setDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// withholdObjects makes addr answer object fetches with NotFound.
func (n *network) withholdObjects(addr string, v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withheld[addr] = v
}

func (n *network) resetCounters() {
	n.fetched.Store(0)
	n.pushed.Store(0)
}

func (n *network) Client(address string) (transport.ReplicationClient, error) {
	n.mu.Lock()
	n.dials[address]++
	n.mu.Unlock()
	return &loopClient{net: n, addr: address}, nil
}

func (n *network) dialsOf(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[address]
}

func (n *network) ReportSuccess(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[address] = 0
}

func (n *network) ReportFailure(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[address]++
}

func (n *network) failuresOf(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failures[address]
}

type loopClient struct {
	net  *network
	addr string
}

func (c *loopClient) target() (*Responder, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	r, ok := c.net.nodes[c.addr]
	if !ok || c.net.down[c.addr] {
		return nil, transport.FromStatus(status.Error(codes.Unavailable, "connection refused"))
	}
	return r, nil
}

func wire(err error) error {
	if err == nil {
		return nil
	}
	return transport.FromStatus(transport.ToStatus(err))
}

func (c *loopClient) Summary(ctx context.Context, in *transport.SummaryRequest, _ ...grpc.CallOption) (*transport.SummaryResponse, error) {
	r, err := c.target()
	if err != nil {
		return nil, err
	}
	resp, err := r.Summary(ctx, in)
	return resp, wire(err)
}

func (c *loopClient) EntryIDs(ctx context.Context, in *transport.EntryIDsRequest, _ ...grpc.CallOption) (*transport.EntryIDsResponse, error) {
	r, err := c.target()
	if err != nil {
		return nil, err
	}
	resp, err := r.EntryIDs(ctx, in)
	return resp, wire(err)
}

func (c *loopClient) FetchEntries(ctx context.Context, in *transport.FetchEntriesRequest, _ ...grpc.CallOption) (*transport.FetchEntriesResponse, error) {
	r, err := c.target()
	if err != nil {
		return nil, err
	}
	resp, err := r.FetchEntries(ctx, in)
	if err != nil {
		return nil, wire(err)
	}
	c.net.fetched.Add(int64(len(resp.Entries)))
	c.net.mu.Lock()
	mangle := c.net.mangle
	c.net.mu.Unlock()
	if mangle != nil {
		resp.Entries = mangle(resp.Entries)
	}
	return resp, nil
}

func (c *loopClient) PushEntries(ctx context.Context, in *transport.PushEntriesRequest, _ ...grpc.CallOption) (*transport.PushEntriesResponse, error) {
	r, err := c.target()
	if err != nil {
		return nil, err
	}
	c.net.pushed.Add(int64(len(in.Entries)))
	resp, err := r.PushEntries(ctx, in)
	return resp, wire(err)
}

func (c *loopClient) FetchObject(ctx context.Context, in *transport.FetchObjectRequest, _ ...grpc.CallOption) (*transport.FetchObjectResponse, error) {
	r, err := c.target()
	if err != nil {
		return nil, err
	}
	c.net.mu.Lock()
	withheld := c.net.withheld[c.addr]
	c.net.mu.Unlock()
	if withheld {
		return nil, transport.FromStatus(status.Error(codes.NotFound, "object withheld"))
	}
	resp, err := r.FetchObject(ctx, in)
	return resp, wire(err)
}

// peer is one node of a test cluster.
type peer struct {
	t       *testing.T
	addr    string
	key     *types.Keypair
	reg     *replica.Registry
	store   *storage.Store
	engine  *Engine
	metrics *metrics.Metrics
}

type peerOptions struct {
	clock     *replica.Clock
	discovery *discovery.Service
}

func (n *network) newPeer(t *testing.T, addr string, opts peerOptions) *peer {
	t.Helper()
	logger := zaptest.NewLogger(t).Named(addr)
	key, err := types.GenerateKeypair()
	require.NoError(t, err)
	m := metrics.NewUnregistered()

	backend, err := storage.NewFSBackend(afero.NewMemMapFs(), "/objects", logger)
	require.NoError(t, err)
	store := storage.NewStore(backend, storage.NewChunkManagerWithOptions(storage.MinChunkSize, 2), logger)
	t.Cleanup(func() { store.Close() })

	reg := replica.NewRegistry(replica.RegistryConfig{
		Store:   newMemLogStore(),
		Author:  key,
		Clock:   opts.clock,
		Logger:  logger,
		Metrics: m,
	})
	t.Cleanup(func() { reg.Close() })

	engine, err := New(Config{
		Registry:    reg,
		Store:       store,
		Discovery:   opts.discovery,
		Dialer:      n,
		SelfAddress: addr,
		Interval:    50 * time.Millisecond,
		Backoff:     Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		Logger:      logger,
		Metrics:     m,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Stop)

	n.mu.Lock()
	n.nodes[addr] = engine.Responder()
	n.mu.Unlock()
	return &peer{t: t, addr: addr, key: key, reg: reg, store: store, engine: engine, metrics: m}
}

func (p *peer) create() types.ReplicaID {
	p.t.Helper()
	r, _, err := p.reg.Create(context.Background())
	require.NoError(p.t, err)
	return r.ID()
}

// share delegates rights over id from p to other and imports it there.
func (p *peer) share(id types.ReplicaID, other *peer, rights capability.Rights) *capability.Capability {
	p.t.Helper()
	r, err := p.reg.Get(id)
	require.NoError(p.t, err)
	chain := p.grant(id, other.key.Public(), rights)
	_, err = other.reg.Import(context.Background(), r.Root(), chain)
	require.NoError(p.t, err)
	return chain
}

func (p *peer) grant(id types.ReplicaID, subject types.PublicKey, rights capability.Rights) *capability.Capability {
	p.t.Helper()
	parent, err := p.reg.Authorize(id, "/", capability.RightDelegate)
	require.NoError(p.t, err)
	chain, err := capability.Delegate(parent, p.key, subject, capability.Scope{Replica: id, Prefix: "/"}, rights, time.Time{})
	require.NoError(p.t, err)
	return chain
}

func (p *peer) write(id types.ReplicaID, path string, content []byte) *replica.Entry {
	p.t.Helper()
	ctx := context.Background()
	addr, err := p.store.Put(ctx, content)
	require.NoError(p.t, err)
	chain, err := p.reg.Authorize(id, path, capability.RightWrite)
	require.NoError(p.t, err)
	r, err := p.reg.Get(id)
	require.NoError(p.t, err)
	e, err := r.Propose(ctx, replica.Proposal{Path: path, Address: addr, Size: int64(len(content)), Capability: chain})
	require.NoError(p.t, err)
	return e
}

func (p *peer) replica(id types.ReplicaID) *replica.Replica {
	p.t.Helper()
	r, err := p.reg.Get(id)
	require.NoError(p.t, err)
	return r
}

func (p *peer) view(id types.ReplicaID) map[string]types.Address {
	out := make(map[string]types.Address)
	for path, e := range p.replica(id).View("/") {
		out[path] = e.Address
	}
	return out
}

func fixedClock(at time.Time) *replica.Clock {
	return replica.NewClock(0, func() time.Time { return at })
}
