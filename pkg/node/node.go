// Package node wires the content store, replica registry, discovery and
// sync engine into one running peer and exposes the file operations the
// CLI and the FUSE adapter use.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/config"
	"meshfs/pkg/discovery"
	"meshfs/pkg/metrics"
	"meshfs/pkg/replica"
	"meshfs/pkg/replication"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Options carries dependencies that are not plain configuration.
type Options struct {
	// Fs holds the identity file and the fs object backend. Defaults to the
	// OS filesystem.
	Fs afero.Fs
	// DHT replaces the configured discovery backend.
	DHT discovery.DHT
	// Registry receives the node's metrics. Defaults to a private registry.
	Registry *prometheus.Registry
}

// Node is one running meshfs peer.
type Node struct {
	cfg      *config.Config
	logger   *zap.Logger
	identity *types.Keypair
	address  string

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics

	store     *storage.Store
	logs      *replica.BadgerStore
	registry  *replica.Registry
	dht       discovery.DHT
	discovery *discovery.Service
	pool      *transport.Pool
	engine    *replication.Engine
	server    *transport.Server

	monitor    *metrics.HealthMonitor
	httpServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New opens the node's stores and binds its listener. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (n *Node, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n = &Node{
		cfg:          cfg,
		logger:       logger,
		promRegistry: opts.Registry,
		metrics:      metrics.New(opts.Registry),
	}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			n.closeStores()
		}
	}()

	identity, created, err := LoadOrCreateIdentity(opts.Fs, cfg.Identity.KeyFile)
	if err != nil {
		return nil, err
	}
	n.identity = identity
	if created {
		logger.Info("Generated node identity", zap.String("key", identity.Public().String()))
	}

	if err := n.openStore(opts.Fs); err != nil {
		return nil, err
	}

	n.logs, err = replica.OpenBadgerStore(replica.BadgerConfig{
		Path:       cfg.Replica.Path,
		InMemory:   cfg.Replica.InMemory,
		SyncWrites: cfg.Replica.SyncWrites,
		Logger:     logger.Named("badger"),
	})
	if err != nil {
		return nil, err
	}
	n.registry = replica.NewRegistry(replica.RegistryConfig{
		Store:         n.logs,
		Author:        identity,
		Gate:          capability.NewGate(cfg.Replica.MaxChainDepth),
		Clock:         replica.NewClock(cfg.Replica.MaxClockDrift, nil),
		Logger:        logger.Named("replica"),
		Metrics:       n.metrics,
		SnapshotEvery: cfg.Replica.SnapshotEvery,
	})
	if err := n.registry.Load(ctx); err != nil {
		return nil, err
	}

	if err := n.openDiscovery(ctx, opts.DHT); err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	n.address = advertiseAddress(cfg.Advertise, lis.Addr())

	maxMsg, _ := cfg.Transport.MaxMessageBytes()
	n.pool, err = transport.NewPool(transport.PoolConfig{
		TLS:              cfg.Transport.TLS,
		IdleTimeout:      cfg.Transport.IdleTimeout,
		CircuitCooldown:  cfg.Transport.CircuitCooldown,
		FailureThreshold: cfg.Transport.FailureThreshold,
		MaxMessageSize:   maxMsg,
		Logger:           logger.Named("pool"),
	})
	if err != nil {
		lis.Close()
		return nil, err
	}

	n.engine, err = replication.New(replication.Config{
		Registry:       n.registry,
		Store:          n.store,
		Discovery:      n.discovery,
		Dialer:         n.pool,
		SelfAddress:    n.address,
		Interval:       cfg.Sync.Interval,
		SessionTimeout: cfg.Sync.SessionTimeout,
		Backoff: replication.Backoff{
			Base:   cfg.Sync.BackoffBase,
			Max:    cfg.Sync.BackoffMax,
			Jitter: cfg.Sync.BackoffJitter,
		},
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		BatchSize:        cfg.Sync.BatchSize,
		Logger:           logger.Named("sync"),
		Metrics:          n.metrics,
	})
	if err != nil {
		lis.Close()
		return nil, err
	}

	n.server, err = transport.NewServer(transport.ServerConfig{
		Listener:       lis,
		TLS:            cfg.Transport.TLS,
		MaxMessageSize: maxMsg,
		Logger:         logger.Named("grpc"),
	}, n.engine.Responder())
	if err != nil {
		lis.Close()
		return nil, err
	}

	if n.discovery != nil {
		for _, id := range n.registry.IDs() {
			n.discovery.Track(discovery.ReplicaSubject(id), n.address)
		}
	}
	return n, nil
}

func (n *Node) openStore(fs afero.Fs) error {
	cfg := n.cfg.Storage
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendPebble:
		backend, err = storage.OpenPebbleBackend(cfg.Path, false, n.logger.Named("pebble"))
	case config.BackendMemory:
		backend, err = storage.NewFSBackend(afero.NewMemMapFs(), "/objects", n.logger)
	default:
		backend, err = storage.NewFSBackend(fs, cfg.Path, n.logger)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s object store: %w", cfg.Backend, err)
	}
	chunkSize, _ := cfg.ChunkSizeBytes()
	n.store = storage.NewStore(backend, storage.NewChunkManagerWithOptions(chunkSize, cfg.Fanout), n.logger.Named("storage"))
	return nil
}

func (n *Node) openDiscovery(ctx context.Context, dht discovery.DHT) error {
	cfg := n.cfg.Discovery
	if dht == nil {
		switch cfg.Backend {
		case config.DiscoveryNone:
			return nil
		case config.DiscoveryMemory:
			dht = discovery.NewMemoryDHT()
		default:
			d, err := discovery.NewLibp2pDHT(ctx, discovery.Libp2pConfig{
				ListenAddrs:    cfg.ListenAddrs,
				BootstrapPeers: cfg.BootstrapPeers,
				EnableMDNS:     cfg.MDNS,
				IdentitySeed:   n.identity.Seed(),
				Logger:         n.logger.Named("dht"),
			})
			if err != nil {
				return fmt.Errorf("failed to start DHT: %w", err)
			}
			dht = d
		}
		n.dht = dht
	}
	n.discovery = discovery.NewService(dht, discovery.Config{
		TTL:                cfg.TTL,
		ReannounceInterval: cfg.ReannounceInterval,
		InitialDelay:       cfg.InitialDelay,
		CacheTTL:           cfg.CacheTTL,
		ResolveTimeout:     cfg.ResolveTimeout,
		Logger:             n.logger.Named("discovery"),
		Metrics:            n.metrics,
	})
	return nil
}

// advertiseAddress fills in the bound port when the configured address
// asks for an ephemeral one, and loopback for a wildcard host.
func advertiseAddress(advertise string, bound net.Addr) string {
	a, err := transport.ParsePeerAddress(advertise)
	if err != nil {
		a = transport.PeerAddress{}
	}
	if a.Port == 0 {
		if b, err := transport.ParsePeerAddress(bound.String()); err == nil {
			a.Port = b.Port
		}
	}
	if a.Host == "" || a.IsUnspecified() {
		a.Host = "127.0.0.1"
	}
	return a.String()
}

// Start serves peers and begins background sync, announcement, garbage
// collection and, when enabled, the metrics endpoint.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return errors.New("node already started")
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(); err != nil {
			n.logger.Error("Replication server stopped", zap.Error(err))
		}
	}()

	if n.discovery != nil {
		n.discovery.Start(n.ctx)
	}
	if n.cfg.Sync.Enabled {
		n.engine.Start(n.ctx)
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.watchReplicas(n.ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.collectLoop(n.ctx)
	}()

	if n.cfg.Metrics.Enabled {
		n.monitor = metrics.NewHealthMonitor(n.cfg.Metrics.HealthInterval, n.logger.Named("health"))
		n.registerHealthChecks()
		n.monitor.Start()
		n.httpServer = metrics.StartMetricsServer(n.cfg.Metrics.Address, n.monitor, n.promRegistry, n.logger)
	}

	n.logger.Info("Node started",
		zap.String("address", n.address),
		zap.String("identity", n.identity.Public().String()),
		zap.Int("replicas", len(n.registry.IDs())))
	return nil
}

func (n *Node) registerHealthChecks() {
	n.monitor.AddCheck("connections", func() error {
		stats := n.pool.Stats()
		if stats.Total > 0 && stats.CircuitOpen == stats.Total {
			return fmt.Errorf("all %d peer circuits open", stats.Total)
		}
		return nil
	})
	if n.discovery != nil {
		n.monitor.AddCheck("discovery", func() error {
			if r := n.discovery.LastRound(); r.Failed() {
				return fmt.Errorf("no announcement of %d subjects succeeded", r.Tracked)
			}
			return nil
		})
	}
	n.monitor.AddCheck("storage", func() error {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		defer cancel()
		_, err := n.store.Has(ctx, types.Address{})
		return err
	})
}

// Stop ends background work and closes every store. It is safe to call
// more than once.
func (n *Node) Stop(ctx context.Context) error {
	var err error
	n.stopOnce.Do(func() {
		if n.httpServer != nil {
			if e := n.httpServer.Shutdown(ctx); e != nil {
				n.logger.Warn("Metrics server shutdown", zap.Error(e))
			}
		}
		if n.monitor != nil {
			n.monitor.Stop()
		}
		n.engine.Stop()
		if n.discovery != nil {
			n.discovery.Stop()
		}
		n.server.Stop(ctx)
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		err = n.closeStores()
		n.logger.Info("Node stopped")
	})
	return err
}

func (n *Node) closeStores() error {
	var errs []error
	if n.pool != nil {
		errs = append(errs, n.pool.Close())
	}
	if n.registry != nil {
		errs = append(errs, n.registry.Close())
	}
	if n.logs != nil {
		errs = append(errs, n.logs.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	if n.dht != nil {
		errs = append(errs, n.dht.Close())
	}
	return errors.Join(errs...)
}

// Address is where peers reach this node.
func (n *Node) Address() string { return n.address }

// Identity returns the node's author key.
func (n *Node) Identity() types.PublicKey { return n.identity.Public() }

func (n *Node) Registry() *replica.Registry { return n.registry }

func (n *Node) Store() *storage.Store { return n.store }

func (n *Node) Engine() *replication.Engine { return n.engine }

// Metrics returns the gatherer serving this node's metrics.
func (n *Node) Metrics() prometheus.Gatherer { return n.promRegistry }
