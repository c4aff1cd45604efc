package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	DefaultTTL                = 10 * time.Minute
	DefaultReannounceInterval = 4 * time.Minute
	DefaultInitialDelay       = 2 * time.Second
	DefaultCacheTTL           = 30 * time.Second
	DefaultCacheSize          = 1024
	DefaultResolveTimeout     = 10 * time.Second
)

// Config tunes announcement and resolution.
type Config struct {
	TTL                time.Duration
	ReannounceInterval time.Duration
	InitialDelay       time.Duration
	CacheTTL           time.Duration
	CacheSize          int
	ResolveTimeout     time.Duration
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.ReannounceInterval <= 0 || c.ReannounceInterval >= c.TTL {
		c.ReannounceInterval = c.TTL * 2 / 5
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
}

// Service fronts a DHT with a short-lived resolution cache and keeps the
// local node's announcements alive.
type Service struct {
	dht    DHT
	cfg    Config
	logger *zap.Logger
	cache  *expirable.LRU[string, []string]

	mu      sync.Mutex
	tracked map[string]Announcement
	fresh   map[string]struct{}
	trigger chan struct{}
	last    Round

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(d DHT, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		dht:     d,
		cfg:     cfg,
		logger:  cfg.Logger,
		cache:   expirable.NewLRU[string, []string](cfg.CacheSize, nil, cfg.CacheTTL),
		tracked: make(map[string]Announcement),
		fresh:   make(map[string]struct{}),
		trigger: make(chan struct{}, 1),
	}
}

// Round summarizes one announcement round.
type Round struct {
	At        time.Time
	Announced int
	Tracked   int
}

// Failed reports whether the round had subjects but announced none of them.
func (r Round) Failed() bool { return r.Tracked > 0 && r.Announced == 0 }

// LastRound returns the most recent announcement round; At is zero before
// the first one.
func (s *Service) LastRound() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// TTL returns the announcement lifetime the service publishes with.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Announce publishes that address holds subject for ttl.
func (s *Service) Announce(ctx context.Context, subject Subject, address string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	a := Announcement{Subject: subject, Address: address, Expiry: time.Now().Add(ttl)}
	if err := s.dht.Put(ctx, a); err != nil {
		s.cfg.Metrics.Announcements.WithLabelValues("error").Inc()
		return fserr.New(fserr.DiscoveryUnavailable, "announce "+subject.Key(), err)
	}
	s.cfg.Metrics.Announcements.WithLabelValues("ok").Inc()
	s.logger.Debug("Announced", zap.String("subject", subject.Key()), zap.String("address", address))
	return nil
}

// Resolve returns the addresses currently announcing subject, sorted and
// deduplicated. An empty result means unknown, not absent.
func (s *Service) Resolve(ctx context.Context, subject Subject) ([]string, error) {
	if addrs, ok := s.cache.Get(subject.Key()); ok {
		s.cfg.Metrics.Resolutions.WithLabelValues("cached").Inc()
		return append([]string(nil), addrs...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()
	anns, err := s.dht.Get(ctx, subject)
	if err != nil {
		s.cfg.Metrics.Resolutions.WithLabelValues("error").Inc()
		return nil, fserr.New(fserr.DiscoveryUnavailable, "resolve "+subject.Key(), err)
	}

	now := time.Now()
	seen := make(map[string]bool, len(anns))
	var addrs []string
	for _, a := range anns {
		if a.Address == "" || a.Expired(now) || seen[a.Address] {
			continue
		}
		seen[a.Address] = true
		addrs = append(addrs, a.Address)
	}
	sort.Strings(addrs)

	if len(addrs) > 0 {
		s.cache.Add(subject.Key(), addrs)
		s.cfg.Metrics.Resolutions.WithLabelValues("ok").Inc()
	} else {
		s.cfg.Metrics.Resolutions.WithLabelValues("empty").Inc()
	}
	return append([]string(nil), addrs...), nil
}

// Refresh drops any cached result for subject and resolves again.
func (s *Service) Refresh(ctx context.Context, subject Subject) ([]string, error) {
	s.cache.Remove(subject.Key())
	return s.Resolve(ctx, subject)
}

// Invalidate drops any cached result for subject.
func (s *Service) Invalidate(subject Subject) {
	s.cache.Remove(subject.Key())
}

// Track adds subject to the set re-announced periodically. A subject that
// is new, or now served from a different address, is announced on its own
// soon; the rest wait for the next full round.
func (s *Service) Track(subject Subject, address string) {
	key := subject.Key()
	s.mu.Lock()
	prev, known := s.tracked[key]
	s.tracked[key] = Announcement{Subject: subject, Address: address}
	changed := !known || prev.Address != address
	if changed {
		s.fresh[key] = struct{}{}
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Untrack stops re-announcing subject. Existing records age out.
func (s *Service) Untrack(subject Subject) {
	s.mu.Lock()
	delete(s.tracked, subject.Key())
	delete(s.fresh, subject.Key())
	s.mu.Unlock()
}

// Tracked returns the subjects being re-announced.
func (s *Service) Tracked() []Subject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subject, 0, len(s.tracked))
	for _, a := range s.tracked {
		out = append(out, a.Subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Start launches the re-announce loop. It waits InitialDelay, announces
// everything tracked, then repeats every ReannounceInterval.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.announceLoop(ctx)
	}()
}

func (s *Service) announceLoop(ctx context.Context) {
	initial := time.NewTimer(s.cfg.InitialDelay)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return
	case <-initial.C:
	}

	ticker := time.NewTicker(s.cfg.ReannounceInterval)
	defer ticker.Stop()
	s.AnnounceAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.AnnounceAll(ctx)
		case <-s.trigger:
			s.AnnounceFresh(ctx)
		}
	}
}

// AnnounceAll announces every tracked subject once. Failures are logged and
// only reduce discoverability.
func (s *Service) AnnounceAll(ctx context.Context) int {
	s.mu.Lock()
	pending := make([]Announcement, 0, len(s.tracked))
	for _, a := range s.tracked {
		pending = append(pending, a)
	}
	clear(s.fresh)
	s.mu.Unlock()

	ok := s.announce(ctx, pending)
	s.mu.Lock()
	s.last = Round{At: time.Now(), Announced: ok, Tracked: len(pending)}
	s.mu.Unlock()
	if len(pending) > 0 {
		s.logger.Debug("Announcement round complete", zap.Int("announced", ok), zap.Int("tracked", len(pending)))
	}
	return ok
}

// AnnounceFresh announces only the subjects tracked since the last round.
func (s *Service) AnnounceFresh(ctx context.Context) int {
	s.mu.Lock()
	pending := make([]Announcement, 0, len(s.fresh))
	for key := range s.fresh {
		if a, ok := s.tracked[key]; ok {
			pending = append(pending, a)
		}
	}
	clear(s.fresh)
	s.mu.Unlock()
	return s.announce(ctx, pending)
}

func (s *Service) announce(ctx context.Context, pending []Announcement) int {
	ok := 0
	for _, a := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := s.Announce(ctx, a.Subject, a.Address, s.cfg.TTL); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("Re-announce failed", zap.String("subject", a.Subject.Key()), zap.Error(err))
			}
			continue
		}
		ok++
	}
	return ok
}

// Stop ends the re-announce loop and waits for it.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
