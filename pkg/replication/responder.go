package replication

import (
	"context"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/replica"
	"meshfs/pkg/storage"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

// ContentWanted is told which content a push referenced that is not stored
// locally, and which peer offered it.
type ContentWanted func(id types.ReplicaID, origin string, roots []types.Address)

// Responder answers peers' sync requests from the local registry and
// content store. Every replica request must carry a read capability for
// the whole replica.
type Responder struct {
	registry *replica.Registry
	store    *storage.Store
	logger   *zap.Logger
	wanted   ContentWanted
}

var _ transport.ReplicationServer = (*Responder)(nil)

func NewResponder(registry *replica.Registry, store *storage.Store, wanted ContentWanted, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{registry: registry, store: store, wanted: wanted, logger: logger}
}

// replica resolves id and checks the presented chain grants read over it.
func (s *Responder) replica(id types.ReplicaID, chain []byte) (*replica.Replica, error) {
	r, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	c, err := capability.Unmarshal(chain)
	if err != nil {
		return nil, fserr.New(fserr.Unauthorized, "authorize peer",
			&capability.UnauthorizedError{Reason: capability.BrokenChain, Detail: err.Error()}).WithReplica(id)
	}
	if err := r.AuthorizeBearer(c, "/", capability.RightRead); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Responder) Summary(_ context.Context, req *transport.SummaryRequest) (*transport.SummaryResponse, error) {
	r, err := s.replica(req.Replica, req.Capability)
	if err != nil {
		return nil, err
	}
	return &transport.SummaryResponse{Summary: r.Summary()}, nil
}

func (s *Responder) EntryIDs(_ context.Context, req *transport.EntryIDsRequest) (*transport.EntryIDsResponse, error) {
	r, err := s.replica(req.Replica, req.Capability)
	if err != nil {
		return nil, err
	}
	return &transport.EntryIDsResponse{IDs: r.EntryIDs(req.Authors)}, nil
}

func (s *Responder) FetchEntries(_ context.Context, req *transport.FetchEntriesRequest) (*transport.FetchEntriesResponse, error) {
	r, err := s.replica(req.Replica, req.Capability)
	if err != nil {
		return nil, err
	}
	entries := r.Entries(req.IDs)
	resp := &transport.FetchEntriesResponse{Entries: make([][]byte, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, e.Marshal())
	}
	return resp, nil
}

// PushEntries merges entries a peer sent. Malformed and unauthorized
// entries are counted and dropped; content they reference is requested
// from the origin in the background.
func (s *Responder) PushEntries(ctx context.Context, req *transport.PushEntriesRequest) (*transport.PushEntriesResponse, error) {
	r, err := s.replica(req.Replica, req.Capability)
	if err != nil {
		return nil, err
	}

	resp := &transport.PushEntriesResponse{}
	var roots []types.Address
	seen := make(map[types.Address]bool)
	for _, raw := range req.Entries {
		e, err := replica.UnmarshalEntry(raw)
		if err != nil {
			resp.Rejected++
			continue
		}
		result, err := r.Merge(ctx, e)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch result {
		case replica.Applied:
			resp.Applied++
		case replica.Duplicate:
			resp.Duplicate++
			continue
		default:
			resp.Rejected++
			s.logger.Debug("Pushed entry rejected", zap.String("origin", req.Origin), zap.Error(err))
			continue
		}
		if e.Tombstone || e.Address.IsZero() || seen[e.Address] {
			continue
		}
		if w, ok := r.Lookup(e.Path); !ok || w.ID() != e.ID() {
			continue
		}
		seen[e.Address] = true
		if ok, err := s.store.Complete(ctx, e.Address); err == nil && ok {
			continue
		}
		roots = append(roots, e.Address)
	}

	if len(roots) > 0 && req.Origin != "" && s.wanted != nil {
		s.wanted(req.Replica, req.Origin, roots)
	}
	if resp.Applied > 0 {
		s.registry.NotifySynced(req.Replica)
	}
	return resp, nil
}

func (s *Responder) FetchObject(ctx context.Context, req *transport.FetchObjectRequest) (*transport.FetchObjectResponse, error) {
	raw, err := s.store.GetObject(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	return &transport.FetchObjectResponse{Data: raw}, nil
}
