package replica

import (
	"fmt"
	"sync"
	"time"
)

// DefaultMaxClockDrift is how far ahead of the local wall clock a remote
// timestamp may be before the local clock refuses to adopt it.
const DefaultMaxClockDrift = time.Minute

// Timestamp is a hybrid logical clock value. Wall is microseconds since the
// Unix epoch.
type Timestamp struct {
	Wall    int64  `json:"wall"`
	Logical uint32 `json:"logical"`
}

// Compare orders timestamps by wall time, then by logical counter.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Wall < o.Wall:
		return -1
	case t.Wall > o.Wall:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	return 0
}

func (t Timestamp) IsZero() bool { return t.Wall == 0 && t.Logical == 0 }

// Time returns the wall component as a time.Time.
func (t Timestamp) Time() time.Time { return time.UnixMicro(t.Wall).UTC() }

func (t Timestamp) String() string {
	return fmt.Sprintf("%s+%d", t.Time().Format(time.RFC3339Nano), t.Logical)
}

// Clock issues monotonically increasing timestamps and folds in timestamps
// observed from peers.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	maxDrift time.Duration
	now      func() time.Time
}

// NewClock returns a clock. A non-positive maxDrift uses DefaultMaxClockDrift
// and a nil now uses time.Now.
func NewClock(maxDrift time.Duration, now func() time.Time) *Clock {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxClockDrift
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{maxDrift: maxDrift, now: now}
}

// Now returns a timestamp greater than every timestamp previously returned
// or observed.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.now().UnixMicro()
	if pt > c.last.Wall {
		c.last = Timestamp{Wall: pt}
	} else {
		c.last.Logical++
	}
	return c.last
}

// Observe advances the clock past remote. It reports false, leaving the
// clock untouched, when remote is further ahead of local time than the
// configured drift.
func (c *Clock) Observe(remote Timestamp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.now()
	if remote.Wall > pt.Add(c.maxDrift).UnixMicro() {
		return false
	}
	if remote.Compare(c.last) > 0 {
		c.last = remote
	}
	return true
}

// MaxDrift returns the configured skew tolerance.
func (c *Clock) MaxDrift() time.Duration { return c.maxDrift }
