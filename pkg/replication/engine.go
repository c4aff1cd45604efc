// Package replication keeps held replicas in agreement with the peers that
// also hold them. A scheduler goroutine resolves holders, starts one
// session per (replica, peer) pair and owns the per-peer backoff table;
// sessions report back over a channel.
package replication

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/discovery"
	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"
	"meshfs/pkg/replica"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultSessionTimeout = 2 * time.Minute
)

// Dialer hands out clients for peer addresses and learns how they fared.
// *transport.Pool implements it.
type Dialer interface {
	Client(address string) (transport.ReplicationClient, error)
	ReportSuccess(address string)
	ReportFailure(address string)
}

type Config struct {
	Registry  *replica.Registry
	Store     *storage.Store
	Discovery *discovery.Service
	Dialer    Dialer

	// SelfAddress is the address peers reach this node at. It is never
	// synced with and is sent as the origin of pushes.
	SelfAddress string

	Interval         time.Duration
	SessionTimeout   time.Duration
	Backoff          Backoff
	FetchConcurrency int
	BatchSize        int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type pairKey struct {
	replica types.ReplicaID
	peer    string
}

type peerState struct {
	failures int
	next     time.Time
}

type candidates struct {
	replica types.ReplicaID
	peers   []string
}

// Engine runs background and on-demand sync.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	fetcher *objectFetcher
	now     func() time.Time

	pairMu sync.Mutex
	pairs  map[pairKey]*sync.Mutex

	hintMu sync.Mutex
	hints  map[types.ReplicaID]map[string]struct{}

	trigger  chan types.ReplicaID
	resolved chan candidates
	results  chan Result

	running  atomic.Bool
	stopMu   sync.Mutex
	stopping bool
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Owned by the scheduler goroutine.
	backoff   map[pairKey]*peerState
	active    map[pairKey]bool
	resolving map[types.ReplicaID]bool

	observe func(pairKey, State)
}

func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Dialer == nil {
		return nil, errors.New("replication: registry, store and dialer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		fetcher: &objectFetcher{
			store:   cfg.Store,
			limit:   cfg.FetchConcurrency,
			logger:  cfg.Logger,
			metrics: cfg.Metrics,
		},
		now:       time.Now,
		pairs:     make(map[pairKey]*sync.Mutex),
		hints:     make(map[types.ReplicaID]map[string]struct{}),
		trigger:   make(chan types.ReplicaID, 16),
		resolved:  make(chan candidates),
		results:   make(chan Result),
		done:      make(chan struct{}),
		backoff:   make(map[pairKey]*peerState),
		active:    make(map[pairKey]bool),
		resolving: make(map[types.ReplicaID]bool),
	}, nil
}

// Responder returns the server side of the protocol, wired so content
// referenced by pushed entries is fetched from the pusher.
func (e *Engine) Responder() *Responder {
	return NewResponder(e.cfg.Registry, e.cfg.Store, e.contentWanted, e.logger)
}

// AddPeers records addresses known to hold id, in addition to whatever
// discovery returns.
func (e *Engine) AddPeers(id types.ReplicaID, addrs ...string) {
	e.hintMu.Lock()
	defer e.hintMu.Unlock()
	set := e.hints[id]
	if set == nil {
		set = make(map[string]struct{})
		e.hints[id] = set
	}
	for _, a := range addrs {
		if a != "" && a != e.cfg.SelfAddress {
			set[a] = struct{}{}
		}
	}
}

// ForgetReplica drops the peer hints recorded for id.
func (e *Engine) ForgetReplica(id types.ReplicaID) {
	e.hintMu.Lock()
	delete(e.hints, id)
	e.hintMu.Unlock()
}

// Peers returns the candidate holders of id: known hints plus whatever
// discovery resolves. A discovery failure is returned only when no hint is
// known either.
func (e *Engine) Peers(ctx context.Context, id types.ReplicaID) ([]string, error) {
	set := make(map[string]struct{})
	e.hintMu.Lock()
	for a := range e.hints[id] {
		set[a] = struct{}{}
	}
	e.hintMu.Unlock()

	var resolveErr error
	if e.cfg.Discovery != nil {
		addrs, err := e.cfg.Discovery.Resolve(ctx, discovery.ReplicaSubject(id))
		if err != nil {
			resolveErr = err
			e.logger.Debug("Holder resolution failed", zap.String("replica", id.String()), zap.Error(err))
		}
		for _, a := range addrs {
			set[a] = struct{}{}
		}
	}
	delete(set, e.cfg.SelfAddress)

	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	if len(out) == 0 && resolveErr != nil {
		return nil, resolveErr
	}
	return out, nil
}

func (e *Engine) pairLock(key pairKey) *sync.Mutex {
	e.pairMu.Lock()
	defer e.pairMu.Unlock()
	m := e.pairs[key]
	if m == nil {
		m = &sync.Mutex{}
		e.pairs[key] = m
	}
	return m
}

// readChain picks the local capability presented to peers for id.
func (e *Engine) readChain(id types.ReplicaID) ([]byte, error) {
	c, err := e.cfg.Registry.Authorize(id, "/", capability.RightRead)
	if err != nil {
		return nil, err
	}
	return c.Marshal(), nil
}

// SyncPeer runs one session for id against peer now, ignoring backoff.
func (e *Engine) SyncPeer(ctx context.Context, id types.ReplicaID, peer string) Result {
	res := e.runSession(ctx, id, peer)
	e.report(res)
	return res
}

// SyncReplica syncs id with every candidate holder concurrently. It fails
// with SyncFailed only when no peer could be synced.
func (e *Engine) SyncReplica(ctx context.Context, id types.ReplicaID) ([]Result, error) {
	if _, err := e.cfg.Registry.Get(id); err != nil {
		return nil, err
	}
	peers, err := e.Peers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, fserr.Errorf(fserr.SyncFailed, "sync", "no known holders").WithReplica(id)
	}

	results := make([]Result, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.SyncPeer(ctx, id, peer)
		}()
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err == nil {
			return results, nil
		}
		errs = append(errs, r.Err)
	}
	return results, fserr.New(fserr.SyncFailed, "sync", errors.Join(errs...)).WithReplica(id)
}

// FetchContent fetches the tree under root from any holder of id or of
// root itself. It returns nil as soon as one peer supplies it.
func (e *Engine) FetchContent(ctx context.Context, id types.ReplicaID, root types.Address) error {
	peers, err := e.Peers(ctx, id)
	if err != nil {
		e.logger.Debug("No replica holders for content", zap.Error(err))
	}
	if e.cfg.Discovery != nil {
		holders, err := e.cfg.Discovery.Resolve(ctx, discovery.ObjectSubject(root))
		if err == nil {
			peers = mergePeers(peers, holders, e.cfg.SelfAddress)
		}
	}
	if len(peers) == 0 {
		return fserr.Errorf(fserr.Incomplete, "fetch content", "no holders of %s", root.Short()).WithReplica(id)
	}

	var errs []error
	for _, peer := range peers {
		client, err := e.cfg.Dialer.Client(peer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var stats transferStats
		if err := e.fetcher.fetchTree(ctx, client, root, &stats); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
			continue
		}
		e.logger.Debug("Content fetched",
			zap.String("address", root.Short()),
			zap.String("peer", peer),
			zap.Int64("objects", stats.objects.Load()))
		return nil
	}
	return fserr.New(fserr.Incomplete, "fetch content", errors.Join(errs...)).WithReplica(id)
}

func mergePeers(a, b []string, self string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, p := range append(append([]string(nil), a...), b...) {
		if p != self {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// runSession serializes sessions per pair and bounds each by the session
// timeout.
func (e *Engine) runSession(ctx context.Context, id types.ReplicaID, peer string) Result {
	key := pairKey{replica: id, peer: peer}
	lock := e.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	fail := func(err error) Result {
		e.metrics.SyncAttempts.WithLabelValues("failed").Inc()
		return Result{Replica: id, Peer: peer, Err: err}
	}

	r, err := e.cfg.Registry.Get(id)
	if err != nil {
		return fail(err)
	}
	chain, err := e.readChain(id)
	if err != nil {
		return fail(err)
	}
	client, err := e.cfg.Dialer.Client(peer)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SessionTimeout)
	defer cancel()

	e.metrics.ActiveSessions.Inc()
	defer e.metrics.ActiveSessions.Dec()

	s := &session{
		replica: r,
		chain:   chain,
		peer:    peer,
		self:    e.cfg.SelfAddress,
		client:  client,
		fetcher: e.fetcher,
		batch:   e.cfg.BatchSize,
		logger:  e.logger.With(zap.String("replica", id.String()), zap.String("peer", peer)),
		metrics: e.metrics,
	}
	if e.observe != nil {
		s.observe = func(st State) { e.observe(key, st) }
	}
	res := s.run(ctx)
	e.metrics.SyncDuration.Observe(res.Duration.Seconds())

	if res.Err != nil {
		e.metrics.SyncAttempts.WithLabelValues("failed").Inc()
		if transport.IsRetryable(res.Err) || fserr.Is(res.Err, fserr.SyncFailed) {
			e.cfg.Dialer.ReportFailure(peer)
		}
		e.logger.Info("Sync failed",
			zap.String("replica", id.String()),
			zap.String("peer", peer),
			zap.Error(res.Err))
		return res
	}

	e.cfg.Dialer.ReportSuccess(peer)
	e.metrics.SyncAttempts.WithLabelValues("ok").Inc()
	e.metrics.LastSyncSuccess.SetToCurrentTime()
	if res.Changed() {
		e.cfg.Registry.NotifySynced(id)
		e.logger.Info("Replica synced",
			zap.String("replica", id.String()),
			zap.String("peer", peer),
			zap.Int("applied", res.Applied),
			zap.Int("pushed", res.Pushed))
	}
	return res
}

// report hands an on-demand result to the scheduler so backoff reflects
// it. Without a running scheduler it is dropped.
func (e *Engine) report(res Result) {
	if !e.running.Load() {
		return
	}
	select {
	case e.results <- res:
	case <-e.done:
	}
}

// contentWanted fetches content pushed to us in the background. The pusher
// is dialed only when it is already a known holder of id; otherwise the
// content is fetched from the holders we know.
func (e *Engine) contentWanted(id types.ReplicaID, origin string, roots []types.Address) {
	e.stopMu.Lock()
	if e.stopping || !e.running.Load() {
		e.stopMu.Unlock()
		return
	}
	e.wg.Add(1)
	e.stopMu.Unlock()
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.SessionTimeout)
		defer cancel()
		if peers, _ := e.Peers(ctx, id); !slices.Contains(peers, origin) {
			e.logger.Debug("Pusher is not a known holder", zap.String("replica", id.String()), zap.String("peer", origin))
			for _, root := range roots {
				if err := e.FetchContent(ctx, id, root); err != nil {
					e.logger.Debug("Pushed content fetch incomplete", zap.String("address", root.Short()), zap.Error(err))
				}
			}
			return
		}
		client, err := e.cfg.Dialer.Client(origin)
		if err != nil {
			e.logger.Debug("Cannot reach pusher for content", zap.String("peer", origin), zap.Error(err))
			return
		}
		var stats transferStats
		if err := e.fetcher.fetchAll(ctx, client, roots, &stats); err != nil {
			e.logger.Debug("Pushed content fetch incomplete",
				zap.String("replica", id.String()),
				zap.String("peer", origin),
				zap.Error(err))
		}
	}()
}

// Trigger asks the scheduler to sync id soon.
func (e *Engine) Trigger(id types.ReplicaID) {
	select {
	case e.trigger <- id:
	default:
	}
}

// TriggerAll asks the scheduler to sync every replica soon.
func (e *Engine) TriggerAll() { e.Trigger(types.ReplicaID{}) }

// Start launches the scheduler. The first round runs immediately.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running.Store(true)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.done)
		e.schedule(e.ctx)
	}()
}

// Stop cancels every session and waits for all engine goroutines.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.stopMu.Lock()
	e.stopping = true
	e.stopMu.Unlock()
	e.cancel()
	e.wg.Wait()
	e.running.Store(false)
}

func (e *Engine) schedule(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.round(ctx, types.ReplicaID{})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.round(ctx, types.ReplicaID{})
		case id := <-e.trigger:
			e.round(ctx, id)
		case c := <-e.resolved:
			delete(e.resolving, c.replica)
			e.launch(ctx, c)
		case res := <-e.results:
			e.record(res)
		}
	}
}

// round starts holder resolution for one replica, or all when id is zero.
// Resolution runs off the scheduler goroutine.
func (e *Engine) round(ctx context.Context, id types.ReplicaID) {
	ids := []types.ReplicaID{id}
	if id.IsZero() {
		ids = e.cfg.Registry.IDs()
	}
	for _, id := range ids {
		if e.resolving[id] {
			continue
		}
		e.resolving[id] = true
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			peers, err := e.Peers(ctx, id)
			if err != nil {
				e.logger.Debug("Sync deferred", zap.String("replica", id.String()), zap.Error(err))
			}
			select {
			case e.resolved <- candidates{replica: id, peers: peers}:
			case <-ctx.Done():
			}
		}()
	}
}

// launch starts a session for every candidate pair that is neither running
// nor backing off.
func (e *Engine) launch(ctx context.Context, c candidates) {
	now := e.now()
	for _, peer := range c.peers {
		key := pairKey{replica: c.replica, peer: peer}
		if e.active[key] {
			continue
		}
		if st := e.backoff[key]; st != nil && now.Before(st.next) {
			continue
		}
		e.active[key] = true
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			res := e.runSession(ctx, key.replica, key.peer)
			select {
			case e.results <- res:
			case <-ctx.Done():
			}
		}()
	}
}

// record updates the backoff table from a finished session.
func (e *Engine) record(res Result) {
	key := pairKey{replica: res.Replica, peer: res.Peer}
	delete(e.active, key)
	if res.Err == nil {
		delete(e.backoff, key)
	} else {
		st := e.backoff[key]
		if st == nil {
			st = &peerState{}
			e.backoff[key] = st
		}
		st.failures++
		st.next = e.now().Add(e.cfg.Backoff.Delay(st.failures))
		e.logger.Debug("Peer backing off",
			zap.String("replica", res.Replica.String()),
			zap.String("peer", res.Peer),
			zap.Int("failures", st.failures),
			zap.Time("next", st.next))
	}
	e.metrics.PeersBackedOff.Set(float64(len(e.backoff)))
}
