package transport

import (
	"fmt"
	"sync"
	"time"

	"meshfs/pkg/fserr"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
)

const (
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultCircuitCooldown     = 30 * time.Second
	DefaultFailureThreshold    = 3
	DefaultMaxMessageSize      = 16 << 20
)

// CircuitState is the breaker state of one peer connection.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type PoolConfig struct {
	TLS                 TLSConfig
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration
	CircuitCooldown     time.Duration
	FailureThreshold    int
	MaxMessageSize      int
	Logger              *zap.Logger
	DialOptions         []grpc.DialOption
}

// Pool keeps one client connection per peer address and trips a circuit
// breaker for peers that keep failing.
type Pool struct {
	cfg    PoolConfig
	creds  grpc.DialOption
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]*pooledConn

	stopOnce    sync.Once
	stopCleanup chan struct{}
	wg          sync.WaitGroup
}

type pooledConn struct {
	conn     *grpc.ClientConn
	client   ReplicationClient
	created  time.Time
	lastUsed time.Time
	useCount int64

	failures     int
	lastFailure  time.Time
	circuitState CircuitState
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Total       int
	Healthy     int
	Unhealthy   int
	CircuitOpen int
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = DefaultCircuitCooldown
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	creds, err := cfg.TLS.DialOption()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:         cfg,
		creds:       creds,
		logger:      cfg.Logger,
		now:         time.Now,
		conns:       make(map[string]*pooledConn),
		stopCleanup: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.maintainConnections()
	return p, nil
}

// Client returns a replication client for address, dialing lazily. It
// fails with SyncFailed while the peer's circuit is open.
func (p *Pool) Client(address string) (ReplicationClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if pc, ok := p.conns[address]; ok {
		if pc.circuitState == CircuitOpen {
			if now.Sub(pc.lastFailure) < p.cfg.CircuitCooldown {
				return nil, fserr.Errorf(fserr.SyncFailed, "dial", "circuit open for %s", address)
			}
			pc.circuitState = CircuitHalfOpen
			p.logger.Info("Circuit breaker moved to half-open", zap.String("peer", address))
		}
		if pc.conn.GetState() != connectivity.Shutdown {
			pc.lastUsed = now
			pc.useCount++
			return pc.client, nil
		}
		delete(p.conns, address)
	}

	conn, err := p.dial(address)
	if err != nil {
		return nil, fserr.New(fserr.SyncFailed, "dial "+address, err)
	}
	pc := &pooledConn{
		conn:     conn,
		client:   NewReplicationClient(conn),
		created:  now,
		lastUsed: now,
		useCount: 1,
	}
	p.conns[address] = pc
	p.logger.Debug("Created peer connection", zap.String("peer", address))
	return pc.client, nil
}

func (p *Pool) dial(address string) (*grpc.ClientConn, error) {
	backoffConfig := backoff.Config{
		BaseDelay:  1 * time.Second,
		Multiplier: 1.5,
		Jitter:     0.2,
		MaxDelay:   30 * time.Second,
	}
	opts := []grpc.DialOption{
		p.creds,
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(p.cfg.MaxMessageSize),
			grpc.MaxCallSendMsgSize(p.cfg.MaxMessageSize),
		),
	}
	opts = append(opts, p.cfg.DialOptions...)
	return grpc.NewClient(address, opts...)
}

// ReportSuccess closes the peer's circuit.
func (p *Pool) ReportSuccess(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[address]
	if !ok {
		return
	}
	if pc.circuitState != CircuitClosed {
		p.logger.Info("Circuit breaker closed", zap.String("peer", address))
	}
	pc.circuitState = CircuitClosed
	pc.failures = 0
}

// ReportFailure counts a failed exchange with address. Enough consecutive
// failures, or any failure while half-open, open the circuit.
func (p *Pool) ReportFailure(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[address]
	if !ok {
		return
	}
	pc.failures++
	pc.lastFailure = p.now()
	if pc.circuitState == CircuitHalfOpen || pc.failures >= p.cfg.FailureThreshold {
		if pc.circuitState != CircuitOpen {
			p.logger.Warn("Circuit breaker opened for peer",
				zap.String("peer", address),
				zap.Int("failures", pc.failures))
		}
		pc.circuitState = CircuitOpen
	}
}

// Circuit returns the breaker state for address.
func (p *Pool) Circuit(address string) CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[address]; ok {
		return pc.circuitState
	}
	return CircuitClosed
}

func (p *Pool) maintainConnections() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performMaintenance()
		case <-p.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle connections.
func (p *Pool) performMaintenance() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for address, pc := range p.conns {
		if now.Sub(pc.lastUsed) <= p.cfg.IdleTimeout || pc.circuitState == CircuitOpen {
			continue
		}
		if err := pc.conn.Close(); err != nil {
			p.logger.Debug("Closing idle connection failed", zap.String("peer", address), zap.Error(err))
		}
		delete(p.conns, address)
		p.logger.Debug("Removed idle connection", zap.String("peer", address))
	}
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{Total: len(p.conns)}
	for _, pc := range p.conns {
		state := pc.conn.GetState()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			stats.Unhealthy++
		} else {
			stats.Healthy++
		}
		if pc.circuitState == CircuitOpen {
			stats.CircuitOpen++
		}
	}
	return stats
}

// Close closes all connections and stops maintenance.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCleanup) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for address, pc := range p.conns {
		if err := pc.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", address, err)
		}
	}
	p.conns = make(map[string]*pooledConn)
	return firstErr
}
