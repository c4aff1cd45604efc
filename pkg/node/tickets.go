package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshfs/pkg/capability"
	"meshfs/pkg/discovery"
	"meshfs/pkg/fserr"
	"meshfs/pkg/transport"
	"meshfs/pkg/types"

	"go.uber.org/zap"
)

const ticketPrefix = "meshfs1"

// ShareMode selects what a ticket lets its holder do.
type ShareMode int

const (
	ShareRead ShareMode = iota
	ShareWrite
)

func (m ShareMode) String() string {
	if m == ShareWrite {
		return "write"
	}
	return "read"
}

// ParseShareMode accepts "read" and "write".
func ParseShareMode(s string) (ShareMode, error) {
	switch strings.ToLower(s) {
	case "read", "r":
		return ShareRead, nil
	case "write", "w", "rw":
		return ShareWrite, nil
	}
	return 0, fmt.Errorf("unknown share mode %q", s)
}

func (m ShareMode) rights() capability.Rights {
	if m == ShareWrite {
		return capability.AllRights
	}
	return capability.RightRead | capability.RightDelegate
}

// Ticket hands a replica to another node: a capability delegated to that
// node's key, the replica's root key and peers to sync from.
type Ticket struct {
	Capability *capability.Capability
	Root       types.PublicKey
	Peers      []string
}

// Replica is the replica the ticket grants access to.
func (t *Ticket) Replica() types.ReplicaID { return t.Capability.Scope.Replica }

type ticketWire struct {
	Root       types.PublicKey `json:"root"`
	Capability []byte          `json:"capability"`
	Peers      []string        `json:"peers,omitempty"`
}

// String encodes the ticket as URL-safe text.
func (t *Ticket) String() string {
	raw, _ := json.Marshal(ticketWire{Root: t.Root, Capability: t.Capability.Marshal(), Peers: t.Peers})
	return ticketPrefix + base64.RawURLEncoding.EncodeToString(raw)
}

// ParseTicket decodes the output of Ticket.String.
func ParseTicket(s string) (*Ticket, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), ticketPrefix)
	if !ok {
		return nil, errors.New("not a meshfs ticket")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	var w ticketWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	c, err := capability.Unmarshal(w.Capability)
	if err != nil {
		return nil, fmt.Errorf("decode ticket capability: %w", err)
	}
	if c.Root().Issuer != w.Root {
		return nil, errors.New("ticket capability is not rooted at the ticket's root key")
	}
	return &Ticket{Capability: c, Root: w.Root, Peers: transport.NormalizePeers(w.Peers)}, nil
}

// MergeTickets combines tickets for one replica, keeping the widest
// capability and the union of their peers.
func MergeTickets(tickets ...*Ticket) (*Ticket, error) {
	if len(tickets) == 0 {
		return nil, errors.New("no tickets to merge")
	}
	out := &Ticket{Capability: tickets[0].Capability, Root: tickets[0].Root}
	var peers []string
	for _, t := range tickets {
		if t.Root != out.Root || t.Replica() != out.Replica() {
			return nil, fmt.Errorf("tickets name different replicas: %s and %s", out.Replica(), t.Replica())
		}
		if widerCapability(t.Capability, out.Capability) {
			out.Capability = t.Capability
		}
		peers = append(peers, t.Peers...)
	}
	out.Peers = transport.NormalizePeers(peers)
	return out, nil
}

func widerCapability(a, b *capability.Capability) bool {
	if a.Rights != b.Rights {
		return a.Rights.Has(b.Rights)
	}
	return a.Scope.Contains(b.Scope) && !b.Scope.Contains(a.Scope)
}

// ShareRequest describes a ticket to issue.
type ShareRequest struct {
	// To is the key of the node that will import the ticket.
	To     types.PublicKey
	Mode   ShareMode
	Prefix string
	// Expiry bounds the capability. Zero inherits the parent's expiry.
	Expiry time.Time
}

// ShareReplica delegates a held capability to req.To and bundles it with
// the peers known to hold the replica.
func (n *Node) ShareReplica(ctx context.Context, id types.ReplicaID, req ShareRequest) (*Ticket, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if req.To.IsZero() {
		return nil, errors.New("share requires the recipient's key")
	}
	prefix := "/"
	if req.Prefix != "" {
		prefix = req.Prefix
	}
	rights := req.Mode.rights()
	parent, err := n.registry.Authorize(id, prefix, rights)
	if err != nil {
		return nil, fserr.Errorf(fserr.Unauthorized, "share", "cannot share %s access: %v", req.Mode, err).WithReplica(id)
	}
	chain, err := capability.Delegate(parent, n.identity, req.To,
		capability.Scope{Replica: id, Prefix: prefix}, rights, req.Expiry)
	if err != nil {
		return nil, fserr.New(fserr.Unauthorized, "share", err).WithReplica(id)
	}

	peers := []string{n.address}
	if known, err := n.engine.Peers(ctx, id); err == nil {
		peers = append(peers, known...)
	}
	n.logger.Info("Replica shared",
		zap.String("replica", id.String()),
		zap.String("to", req.To.Short()),
		zap.Stringer("mode", req.Mode),
		zap.String("prefix", prefix))
	return &Ticket{Capability: chain, Root: r.Root(), Peers: transport.NormalizePeers(peers)}, nil
}

// ImportTicket registers the ticket's replica, remembers its peers and
// syncs from them. The replica stays imported when the first sync fails;
// the returned error then reports the sync failure.
func (n *Node) ImportTicket(ctx context.Context, t *Ticket) (types.ReplicaID, error) {
	r, err := n.registry.Import(ctx, t.Root, t.Capability)
	if err != nil {
		return types.ReplicaID{}, err
	}
	id := r.ID()
	n.engine.AddPeers(id, t.Peers...)
	if n.discovery != nil {
		n.discovery.Track(discovery.ReplicaSubject(id), n.address)
	}
	if _, err := n.engine.SyncReplica(ctx, id); err != nil {
		n.logger.Warn("Initial sync of imported replica failed",
			zap.String("replica", id.String()),
			zap.Error(err))
		return id, err
	}
	return id, nil
}
