package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"meshfs/pkg/fserr"
	"meshfs/pkg/metrics"
	"meshfs/pkg/replica"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// State is the position of one (replica, peer) session.
type State int32

const (
	Idle State = iota
	Requesting
	Exchanging
	Merging
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Exchanging:
		return "exchanging"
	case Merging:
		return "merging"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// DefaultBatchSize bounds the entries moved by one FetchEntries or
// PushEntries call.
const DefaultBatchSize = 256

// Result reports one session.
type Result struct {
	Replica types.ReplicaID
	Peer    string

	Pulled    int
	Pushed    int
	Applied   int
	Duplicate int
	Rejected  int
	Malformed int
	Objects   int
	Bytes     int64

	// ObjectErr is set when some referenced content could not be fetched.
	// The entries were still merged.
	ObjectErr error
	Err       error
	Duration  time.Duration
}

// Changed reports whether the session applied anything locally.
func (r Result) Changed() bool { return r.Applied > 0 }

// session brings one replica into agreement with one peer.
type session struct {
	replica *replica.Replica
	chain   []byte
	peer    string
	self    string
	client  transport.ReplicationClient
	fetcher *objectFetcher
	batch   int
	logger  *zap.Logger
	metrics *metrics.Metrics

	state   atomic.Int32
	observe func(State)
}

func (s *session) transition(to State) {
	s.state.Store(int32(to))
	if s.observe != nil {
		s.observe(to)
	}
}

// run walks Requesting, Exchanging and Merging once. Any error moves the
// session to Failed; it always ends Idle.
func (s *session) run(ctx context.Context) (res Result) {
	start := time.Now()
	res = Result{Replica: s.replica.ID(), Peer: s.peer}
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			s.transition(Failed)
		}
		s.transition(Idle)
	}()

	s.transition(Requesting)
	id := s.replica.ID()
	sum, err := s.client.Summary(ctx, &transport.SummaryRequest{Replica: id, Capability: s.chain})
	if err != nil {
		res.Err = s.failed("summary", err)
		return res
	}
	if sum.Summary.Replica != id {
		res.Err = fserr.Errorf(fserr.SyncFailed, "summary", "peer answered for replica %s", sum.Summary.Replica).WithReplica(id)
		return res
	}

	authors := replica.DiffAuthors(s.replica.Summary(), sum.Summary)
	if len(authors) == 0 {
		s.logger.Debug("Replica already in agreement with peer")
		return res
	}

	s.transition(Exchanging)
	remoteIDs, err := s.client.EntryIDs(ctx, &transport.EntryIDsRequest{Replica: id, Capability: s.chain, Authors: authors})
	if err != nil {
		res.Err = s.failed("entry ids", err)
		return res
	}
	missing, extra := symmetricDifference(s.replica.EntryIDs(authors), remoteIDs.IDs)

	entries, err := s.pull(ctx, missing, &res)
	if err != nil {
		res.Err = s.failed("fetch entries", err)
		return res
	}
	if err := s.push(ctx, extra, &res); err != nil {
		res.Err = s.failed("push entries", err)
		return res
	}

	if roots := s.winningContent(ctx, entries); len(roots) > 0 {
		var stats transferStats
		res.ObjectErr = s.fetcher.fetchAll(ctx, s.client, roots, &stats)
		res.Objects = int(stats.objects.Load())
		res.Bytes = stats.bytes.Load()
		if res.ObjectErr != nil {
			s.logger.Warn("Some content could not be fetched", zap.Error(res.ObjectErr))
		}
	}

	s.transition(Merging)
	for _, e := range entries {
		result, err := s.replica.Merge(ctx, e)
		switch {
		case err != nil && ctx.Err() != nil:
			res.Err = fserr.New(fserr.SyncFailed, "merge", ctx.Err()).WithReplica(id)
			return res
		case result == replica.Applied:
			res.Applied++
		case result == replica.Duplicate:
			res.Duplicate++
		case fserr.Is(err, fserr.MalformedEntry):
			res.Malformed++
		default:
			res.Rejected++
			s.logger.Debug("Entry rejected", zap.Stringer("entry", e.ID()), zap.Error(err))
		}
	}

	s.logger.Debug("Sync session complete",
		zap.Int("pulled", res.Pulled),
		zap.Int("pushed", res.Pushed),
		zap.Int("applied", res.Applied),
		zap.Int("rejected", res.Rejected),
		zap.Int("objects", res.Objects))
	return res
}

func (s *session) failed(op string, err error) error {
	if fserr.KindOf(err) == fserr.KindUnknown {
		err = fserr.New(fserr.SyncFailed, op, err)
	}
	return fmt.Errorf("sync %s with %s: %w", s.replica.ID(), s.peer, err)
}

// pull fetches ids in batches and decodes them. Undecodable entries are
// counted and dropped.
func (s *session) pull(ctx context.Context, ids []replica.EntryID, res *Result) ([]*replica.Entry, error) {
	var out []*replica.Entry
	for start := 0; start < len(ids); start += s.batch {
		end := min(start+s.batch, len(ids))
		resp, err := s.client.FetchEntries(ctx, &transport.FetchEntriesRequest{
			Replica:    s.replica.ID(),
			Capability: s.chain,
			IDs:        ids[start:end],
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entries {
			res.Pulled++
			e, err := replica.UnmarshalEntry(raw)
			if err != nil {
				res.Malformed++
				s.logger.Debug("Dropping malformed entry", zap.Error(err))
				continue
			}
			out = append(out, e)
		}
	}
	s.metrics.EntriesPulled.Add(float64(res.Pulled))
	return out, nil
}

// push sends the peer the entries it lacks.
func (s *session) push(ctx context.Context, ids []replica.EntryID, res *Result) error {
	entries := s.replica.Entries(ids)
	for start := 0; start < len(entries); start += s.batch {
		end := min(start+s.batch, len(entries))
		raws := make([][]byte, 0, end-start)
		for _, e := range entries[start:end] {
			raws = append(raws, e.Marshal())
		}
		if _, err := s.client.PushEntries(ctx, &transport.PushEntriesRequest{
			Replica:    s.replica.ID(),
			Capability: s.chain,
			Origin:     s.self,
			Entries:    raws,
		}); err != nil {
			return err
		}
		res.Pushed += len(raws)
		s.metrics.EntriesPushed.Add(float64(len(raws)))
	}
	return nil
}

// winningContent returns the content addresses of incoming entries that
// would become visible and are not complete locally.
func (s *session) winningContent(ctx context.Context, entries []*replica.Entry) []types.Address {
	best := make(map[string]*replica.Entry)
	for _, e := range entries {
		if b, ok := best[e.Path]; !ok || replica.Compare(e, b) > 0 {
			best[e.Path] = e
		}
	}
	seen := make(map[types.Address]bool)
	var out []types.Address
	for path, e := range best {
		if e.Tombstone || e.Address.IsZero() || seen[e.Address] {
			continue
		}
		if cur, ok := s.replica.Lookup(path); ok && replica.Compare(cur, e) >= 0 {
			continue
		}
		seen[e.Address] = true
		if ok, err := s.fetcher.store.Complete(ctx, e.Address); err == nil && ok {
			continue
		}
		out = append(out, e.Address)
	}
	return out
}

// symmetricDifference returns the ids only remote holds and the ids only
// local holds.
func symmetricDifference(local, remote []replica.EntryID) (missing, extra []replica.EntryID) {
	have := make(map[replica.EntryID]bool, len(local))
	for _, id := range local {
		have[id] = true
	}
	theirs := make(map[replica.EntryID]bool, len(remote))
	for _, id := range remote {
		if theirs[id] {
			continue
		}
		theirs[id] = true
		if !have[id] {
			missing = append(missing, id)
		}
	}
	for _, id := range local {
		if !theirs[id] {
			extra = append(extra, id)
		}
	}
	return missing, extra
}
