package discovery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DHT is any store/get-closest-to-key backend that can hold announcements.
// Get may return expired or duplicate announcements; the Service filters.
type DHT interface {
	Put(ctx context.Context, a Announcement) error
	Get(ctx context.Context, s Subject) ([]Announcement, error)
	Close() error
}

var ErrUnavailable = errors.New("dht unavailable")

// MemoryDHT is an in-process DHT. Several nodes sharing one instance see
// each other's announcements, which makes it suitable for tests and for
// single-host clusters.
type MemoryDHT struct {
	mu          sync.Mutex
	records     map[string]map[string]time.Time
	unavailable bool
	now         func() time.Time
}

func NewMemoryDHT() *MemoryDHT {
	return &MemoryDHT{records: make(map[string]map[string]time.Time), now: time.Now}
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared.
func (m *MemoryDHT) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

func (m *MemoryDHT) Put(ctx context.Context, a Announcement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	key := a.Subject.Key()
	byAddr := m.records[key]
	if byAddr == nil {
		byAddr = make(map[string]time.Time)
		m.records[key] = byAddr
	}
	if a.Expiry.After(byAddr[a.Address]) {
		byAddr[a.Address] = a.Expiry
	}
	return nil
}

// Get returns every announcement still stored for s. Expired records are
// dropped as they are found.
func (m *MemoryDHT) Get(ctx context.Context, s Subject) ([]Announcement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	now := m.now()
	var out []Announcement
	for addr, expiry := range m.records[s.Key()] {
		if !now.Before(expiry) {
			delete(m.records[s.Key()], addr)
			continue
		}
		out = append(out, Announcement{Subject: s, Address: addr, Expiry: expiry})
	}
	return out, nil
}

func (m *MemoryDHT) Close() error { return nil }
