package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFetchConcurrency = 8
	maxTreeRounds           = 64
)

// transferStats counts what one fetch moved.
type transferStats struct {
	objects atomic.Int64
	bytes   atomic.Int64
}

// objectFetcher pulls content trees from a peer into the local store.
type objectFetcher struct {
	store   *storage.Store
	limit   int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// fetchTree fetches every object under root that is not stored locally.
// Each round fetches the missing frontier in parallel; the next round sees
// the children those objects reference.
func (f *objectFetcher) fetchTree(ctx context.Context, client transport.ReplicationClient, root types.Address, stats *transferStats) error {
	for round := 0; round < maxTreeRounds; round++ {
		missing, err := f.store.Missing(ctx, root)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.limit)
		for _, addr := range missing {
			g.Go(func() error {
				resp, err := client.FetchObject(gctx, &transport.FetchObjectRequest{Address: addr})
				if err != nil {
					return fmt.Errorf("fetch object %s: %w", addr.Short(), err)
				}
				if err := f.store.PutObject(gctx, addr, resp.Data); err != nil {
					return err
				}
				stats.objects.Add(1)
				stats.bytes.Add(int64(len(resp.Data)))
				f.metrics.ObjectsFetched.Inc()
				f.metrics.BytesFetched.Add(float64(len(resp.Data)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return fserr.Errorf(fserr.Incomplete, "fetch tree", "object %s still incomplete after %d rounds", root.Short(), maxTreeRounds)
}

// fetchAll fetches each root in turn. A failed root does not stop the
// others; the failures are joined.
func (f *objectFetcher) fetchAll(ctx context.Context, client transport.ReplicationClient, roots []types.Address, stats *transferStats) error {
	var errs []error
	for _, root := range roots {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := f.fetchTree(ctx, client, root, stats); err != nil {
			f.logger.Debug("Object fetch failed", zap.String("address", root.Short()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
