package replica

import (
	"errors"
	"fmt"
	"time"

	"meshfs/pkg/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// Meta describes a replica held locally.
type Meta struct {
	ID      types.ReplicaID `json:"id"`
	Root    types.PublicKey `json:"root"`
	Created time.Time       `json:"created"`
}

// SnapshotRecord is a persisted view: the ids of the visible winners after
// the first Watermark log positions were applied.
type SnapshotRecord struct {
	Watermark uint64
	Winners   []EntryID
}

// LogStore persists replica metadata, logs, snapshots and capabilities.
// Implementations must be safe for concurrent use across replicas; appends
// to a single replica are serialized by the caller.
type LogStore interface {
	SaveMeta(m Meta) error
	LoadMeta() ([]Meta, error)
	DeleteReplica(id types.ReplicaID) error

	Append(id types.ReplicaID, pos uint64, raw []byte) error
	ReadLog(id types.ReplicaID, fn func(pos uint64, raw []byte) error) error

	SaveSnapshot(id types.ReplicaID, snap SnapshotRecord) error
	LoadSnapshot(id types.ReplicaID) (*SnapshotRecord, error)

	SaveCapability(id types.ReplicaID, raw []byte) error
	Capabilities(id types.ReplicaID) ([][]byte, error)

	Close() error
}

var errBadSnapshot = errors.New("invalid snapshot record")

const (
	snapWatermark protowire.Number = 1
	snapWinner    protowire.Number = 2
)

func (s SnapshotRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, snapWatermark, protowire.VarintType)
	b = protowire.AppendVarint(b, s.Watermark)
	for _, id := range s.Winners {
		b = protowire.AppendTag(b, snapWinner, protowire.BytesType)
		b = protowire.AppendBytes(b, id[:])
	}
	return b
}

func unmarshalSnapshot(b []byte) (*SnapshotRecord, error) {
	s := &SnapshotRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadSnapshot, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == snapWatermark && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errBadSnapshot, protowire.ParseError(n))
			}
			s.Watermark = v
			b = b[n:]
		case num == snapWinner && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != len(EntryID{}) {
				return nil, errBadSnapshot
			}
			var id EntryID
			copy(id[:], v)
			s.Winners = append(s.Winners, id)
			b = b[n:]
		default:
			return nil, fmt.Errorf("%w: unexpected field %d", errBadSnapshot, num)
		}
	}
	return s, nil
}
