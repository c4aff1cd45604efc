package storage

import (
	"context"
	"fmt"
	"time"

	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// SweepStats summarises one garbage collection pass.
type SweepStats struct {
	Live     int
	Scanned  int
	Removed  int
	Duration time.Duration
}

// Sweep deletes every object not reachable from live. Objects written or
// retained since the previous sweep are kept for one more round, since the
// entry that references them may not be visible in live yet.
func (s *Store) Sweep(ctx context.Context, live []types.Address) (SweepStats, error) {
	start := time.Now()

	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	s.recentMu.Lock()
	spared := s.recent
	s.recent = make(map[types.Address]struct{})
	s.recentMu.Unlock()

	reachable := make(map[types.Address]struct{})
	mark := func(root types.Address) error {
		return s.walk(ctx, root, func(a types.Address, obj *Object) error {
			if obj != nil {
				reachable[a] = struct{}{}
			}
			return nil
		})
	}
	for _, root := range live {
		if err := mark(root); err != nil {
			return SweepStats{}, fmt.Errorf("failed to mark %s: %w", root.Short(), err)
		}
	}
	for root := range spared {
		if err := mark(root); err != nil {
			return SweepStats{}, fmt.Errorf("failed to mark %s: %w", root.Short(), err)
		}
	}

	stats := SweepStats{Live: len(reachable)}
	var garbage []types.Address
	err := s.backend.Walk(ctx, func(a types.Address) error {
		stats.Scanned++
		if _, ok := reachable[a]; !ok {
			garbage = append(garbage, a)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan objects: %w", err)
	}

	for _, a := range garbage {
		if err := s.backend.Delete(ctx, a); err != nil {
			return stats, err
		}
		stats.Removed++
	}
	stats.Duration = time.Since(start)

	s.logger.Info("Object garbage collection completed",
		zap.Int("live", stats.Live),
		zap.Int("scanned", stats.Scanned),
		zap.Int("removed", stats.Removed),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}
