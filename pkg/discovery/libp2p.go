package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	dhtNamespace     = "meshfs"
	dhtPeerPrefix    = "/meshfs/peer/"
	mdnsServiceTag   = "meshfs-discovery"
	maxProviders     = 20
	bootstrapTimeout = 10 * time.Second
)

// Libp2pConfig configures the Kademlia backend.
type Libp2pConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	EnableMDNS     bool
	// IdentitySeed is the Ed25519 seed the host's peer id derives from. A
	// random identity is used when empty.
	IdentitySeed   []byte
	Logger         *zap.Logger
}

// peerRecord maps a libp2p peer onto the replication address it serves.
// It is published under dhtPeerPrefix+<peer id> and signed by that peer.
type peerRecord struct {
	Address string
	Expiry  time.Time
}

const (
	recordAddress   protowire.Number = 1
	recordExpiry    protowire.Number = 2
	recordSignature protowire.Number = 3

	// maxRecordLifetime bounds how far ahead a peer record may expire.
	maxRecordLifetime = 24 * time.Hour
)

var errBadRecord = errors.New("malformed peer record")

func (r peerRecord) body() []byte {
	b := protowire.AppendTag(nil, recordAddress, protowire.BytesType)
	b = protowire.AppendString(b, r.Address)
	b = protowire.AppendTag(b, recordExpiry, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.Expiry.UnixMicro()))
}

// signingInput binds the record body to the DHT key it is stored under.
func signingInput(key string, body []byte) []byte {
	return append(protowire.AppendString(nil, key), body...)
}

func sealRecord(priv crypto.PrivKey, key string, r peerRecord) ([]byte, error) {
	body := r.body()
	sig, err := priv.Sign(signingInput(key, body))
	if err != nil {
		return nil, fmt.Errorf("sign peer record: %w", err)
	}
	b := protowire.AppendTag(body, recordSignature, protowire.BytesType)
	return protowire.AppendBytes(b, sig), nil
}

// openRecord decodes value and checks it is signed by the peer named in
// key and does not claim to live longer than maxRecordLifetime from now.
func openRecord(key string, value []byte, now time.Time) (peerRecord, error) {
	var rec peerRecord
	if !strings.HasPrefix(key, dhtPeerPrefix) {
		return rec, fmt.Errorf("unexpected key %q", key)
	}
	id, err := peer.Decode(strings.TrimPrefix(key, dhtPeerPrefix))
	if err != nil {
		return rec, fmt.Errorf("peer record key: %w", err)
	}
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return rec, fmt.Errorf("peer record key: %w", err)
	}

	var (
		body, sig []byte
		hasExpiry bool
	)
	b := value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return rec, errBadRecord
		}
		fieldStart := len(value) - len(b)
		b = b[n:]
		switch {
		case num == recordAddress && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return rec, errBadRecord
			}
			rec.Address = v
			b = b[n:]
		case num == recordExpiry && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 || v > math.MaxInt64 {
				return rec, errBadRecord
			}
			rec.Expiry = time.UnixMicro(int64(v))
			hasExpiry = true
			b = b[n:]
		case num == recordSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(b) != n {
				return rec, fmt.Errorf("%w: signature must come last", errBadRecord)
			}
			body, sig = value[:fieldStart], v
			b = b[n:]
		default:
			return rec, fmt.Errorf("%w: unexpected field %d", errBadRecord, num)
		}
	}

	if sig == nil {
		return rec, errors.New("unsigned peer record")
	}
	ok, err := pub.Verify(signingInput(key, body), sig)
	if err != nil || !ok {
		return rec, errors.New("peer record signature does not match its key")
	}
	if rec.Address == "" || !hasExpiry {
		return rec, fmt.Errorf("%w: address and expiry are required", errBadRecord)
	}
	if rec.Expiry.After(now.Add(maxRecordLifetime)) {
		return rec, fmt.Errorf("peer record expires too far ahead (%s)", rec.Expiry.UTC().Format(time.RFC3339))
	}
	return rec, nil
}

// recordValidator accepts peer records signed by the peer they describe and
// prefers the one that lives longest.
type recordValidator struct {
	now func() time.Time
}

func (v recordValidator) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func (v recordValidator) Validate(key string, value []byte) error {
	_, err := openRecord(key, value, v.clock())
	return err
}

func (v recordValidator) Select(key string, vals [][]byte) (int, error) {
	now := v.clock()
	best, bestExpiry := -1, time.Time{}
	for i, val := range vals {
		rec, err := openRecord(key, val, now)
		if err != nil {
			continue
		}
		if best < 0 || rec.Expiry.After(bestExpiry) {
			best, bestExpiry = i, rec.Expiry
		}
	}
	if best < 0 {
		return 0, errors.New("no valid peer record")
	}
	return best, nil
}

// needsRefresh reports whether the published self record should be
// replaced before announcing a: the address changed or less than half of
// a's lifetime remains on it.
func needsRefresh(self peerRecord, a Announcement, now time.Time) bool {
	if self.Address != a.Address {
		return true
	}
	return self.Expiry.Sub(now) < a.Expiry.Sub(now)/2
}

// Libp2pDHT publishes announcements as provider records on a private
// Kademlia network, plus one value record per peer carrying
// the peer's replication address.
type Libp2pDHT struct {
	priv   crypto.PrivKey
	host   host.Host
	dht    *dht.IpfsDHT
	mdns   mdns.Service
	logger *zap.Logger

	mu   sync.Mutex
	self peerRecord
}

// NewLibp2pDHT starts a libp2p host, joins the DHT in server mode and
// connects to the bootstrap peers.
func NewLibp2pDHT(ctx context.Context, cfg Libp2pConfig) (*Libp2pDHT, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	priv, err := libp2pIdentity(cfg.IdentitySeed)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	// A private protocol prefix keeps meshfs records off the public IPFS DHT
	// and lets us register our own namespace validator.
	kad, err := dht.New(ctx, h,
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix("/meshfs"),
		dht.NamespacedValidator(dhtNamespace, recordValidator{}),
	)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("kademlia dht: %w", err)
	}

	d := &Libp2pDHT{priv: priv, host: h, dht: kad, logger: logger}

	for _, s := range cfg.BootstrapPeers {
		if err := d.connect(ctx, s); err != nil {
			logger.Warn("Bootstrap peer unreachable", zap.String("peer", s), zap.Error(err))
		}
	}
	if err := kad.Bootstrap(ctx); err != nil {
		logger.Warn("DHT bootstrap failed (will retry)", zap.Error(err))
	}

	if cfg.EnableMDNS {
		d.mdns = mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{host: h, logger: logger})
		if err := d.mdns.Start(); err != nil {
			logger.Warn("mDNS start failed (LAN discovery disabled)", zap.Error(err))
			d.mdns = nil
		}
	}

	logger.Info("libp2p discovery started",
		zap.String("peerID", h.ID().String()),
		zap.Strings("addrs", d.Addrs()))
	return d, nil
}

func libp2pIdentity(seed []byte) (crypto.PrivKey, error) {
	if len(seed) == 0 {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes", ed25519.SeedSize)
	}
	return crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed))
}

func (d *Libp2pDHT) connect(ctx context.Context, s string) error {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	return d.host.Connect(ctx, *info)
}

// Addrs returns the host's listen addresses with its peer id appended, for
// use as other nodes' bootstrap peers.
func (d *Libp2pDHT) Addrs() []string {
	var out []string
	for _, a := range d.host.Addrs() {
		out = append(out, a.String()+"/p2p/"+d.host.ID().String())
	}
	return out
}

func (d *Libp2pDHT) Put(ctx context.Context, a Announcement) error {
	key, err := a.Subject.CID()
	if err != nil {
		return err
	}

	now := time.Now()
	d.mu.Lock()
	refresh := needsRefresh(d.self, a, now)
	d.mu.Unlock()

	if refresh {
		rec := peerRecord{Address: a.Address, Expiry: a.Expiry}
		if limit := now.Add(maxRecordLifetime); rec.Expiry.After(limit) {
			rec.Expiry = limit
		}
		peerKey := dhtPeerPrefix + d.host.ID().String()
		raw, err := sealRecord(d.priv, peerKey, rec)
		if err != nil {
			return err
		}
		if err := d.dht.PutValue(ctx, peerKey, raw); err != nil {
			return fmt.Errorf("%w: publish peer record: %v", ErrUnavailable, err)
		}
		d.mu.Lock()
		d.self = rec
		d.mu.Unlock()
	}
	if err := d.dht.Provide(ctx, key, true); err != nil {
		return fmt.Errorf("%w: provide %s: %v", ErrUnavailable, a.Subject, err)
	}
	return nil
}

func (d *Libp2pDHT) Get(ctx context.Context, s Subject) ([]Announcement, error) {
	key, err := s.CID()
	if err != nil {
		return nil, err
	}

	var out []Announcement
	for info := range d.dht.FindProvidersAsync(ctx, key, maxProviders) {
		rec, err := d.lookupPeer(ctx, info.ID)
		if err != nil {
			d.logger.Debug("Provider without usable peer record",
				zap.String("peer", info.ID.String()), zap.Error(err))
			continue
		}
		out = append(out, Announcement{Subject: s, Address: rec.Address, Expiry: rec.Expiry})
	}
	if err := ctx.Err(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (d *Libp2pDHT) lookupPeer(ctx context.Context, id peer.ID) (peerRecord, error) {
	if id == d.host.ID() {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.self, nil
	}
	key := dhtPeerPrefix + id.String()
	raw, err := d.dht.GetValue(ctx, key)
	if err != nil {
		return peerRecord{}, err
	}
	return openRecord(key, raw, time.Now())
}

// Close shuts down mDNS, the DHT and the host.
func (d *Libp2pDHT) Close() error {
	if d.mdns != nil {
		d.mdns.Close()
	}
	if err := d.dht.Close(); err != nil {
		d.logger.Warn("DHT close failed", zap.Error(err))
	}
	return d.host.Close()
}

type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.logger.Debug("mDNS: found peer", zap.String("peerID", pi.ID.String()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.logger.Debug("mDNS connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
	}
}
