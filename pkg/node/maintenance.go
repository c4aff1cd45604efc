package node

import (
	"context"
	"fmt"
	"time"

	"meshfs/pkg/discovery"
	"meshfs/pkg/replica"
	"meshfs/pkg/storage"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

const valueLogDiscardRatio = 0.5

// watchReplicas keeps announcements and the sync schedule in step with the
// set of held replicas.
func (n *Node) watchReplicas(ctx context.Context) {
	events := n.registry.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleReplicaEvent(ev)
		}
	}
}

func (n *Node) handleReplicaEvent(ev replica.Event) {
	switch ev.Kind {
	case replica.Created, replica.Imported:
		if n.discovery != nil {
			n.discovery.Track(discovery.ReplicaSubject(ev.Replica), n.address)
		}
		n.engine.Trigger(ev.Replica)
	case replica.Deleted:
		if n.discovery != nil {
			n.discovery.Untrack(discovery.ReplicaSubject(ev.Replica))
		}
		n.engine.ForgetReplica(ev.Replica)
	case replica.Changed:
		if ev.Entry != nil && !ev.Entry.Tombstone && n.discovery != nil {
			if ok, _ := n.store.Has(n.ctx, ev.Entry.Address); ok {
				n.discovery.Track(discovery.ObjectSubject(ev.Entry.Address), n.address)
			}
		}
	}
}

// collectLoop sweeps unreferenced objects every GC interval.
func (n *Node) collectLoop(ctx context.Context) {
	interval := n.cfg.Storage.GCInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.CollectGarbage(ctx); err != nil && ctx.Err() == nil {
				n.logger.Warn("Garbage collection failed", zap.Error(err))
			}
		}
	}
}

// CollectGarbage removes objects no live entry of any held replica refers
// to, stops announcing them and compacts the replica log store.
func (n *Node) CollectGarbage(ctx context.Context) (storage.SweepStats, error) {
	live := n.liveAddresses()
	stats, err := n.store.Sweep(ctx, live)
	if err != nil {
		return stats, fmt.Errorf("sweep objects: %w", err)
	}
	n.metrics.ObjectsCollected.Add(float64(stats.Removed))

	if n.discovery != nil {
		keep := make(map[string]struct{}, len(live))
		for _, a := range live {
			keep[discovery.ObjectSubject(a).Key()] = struct{}{}
		}
		for _, s := range n.discovery.Tracked() {
			if _, ok := keep[s.Key()]; s.Kind == discovery.SubjectObject && !ok {
				n.discovery.Untrack(s)
			}
		}
	}

	if err := n.logs.RunValueLogGC(valueLogDiscardRatio); err != nil {
		n.logger.Warn("Replica log compaction failed", zap.Error(err))
	}

	n.logger.Debug("Garbage collected",
		zap.Int("live", stats.Live),
		zap.Int("scanned", stats.Scanned),
		zap.Int("removed", stats.Removed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (n *Node) liveAddresses() []types.Address {
	seen := make(map[types.Address]struct{})
	var out []types.Address
	for _, id := range n.registry.IDs() {
		r, err := n.registry.Get(id)
		if err != nil {
			continue
		}
		for _, a := range r.LiveAddresses() {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}
