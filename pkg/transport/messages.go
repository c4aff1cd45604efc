// Package transport carries the replication protocol between peers over
// gRPC: the service descriptor, its protobuf wire codec, a pooled client
// side and the server.
package transport

import (
	"errors"
	"math"

	"meshfs/pkg/replica"
	"meshfs/pkg/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// Request and response envelopes of the replication service. Entries and
// capabilities travel as their canonical encodings inside bytes fields.

var errFieldRange = errors.New("value out of range")

type SummaryRequest struct {
	Replica    types.ReplicaID
	Capability []byte
}

func (m *SummaryRequest) MarshalWire() []byte {
	b := appendBytesField(nil, 1, m.Replica.Bytes())
	return appendBytesField(b, 2, m.Capability)
}

func (m *SummaryRequest) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.BytesType):
			m.Replica, err = types.ReplicaIDFromBytes(f.bytes)
		case f.is(2, protowire.BytesType):
			m.Capability = f.bytes
		}
		return err
	})
}

type SummaryResponse struct {
	Summary replica.Summary
}

func (m *SummaryResponse) MarshalWire() []byte {
	s := m.Summary
	body := appendBytesField(nil, 1, s.Replica.Bytes())
	body = appendVarintField(body, 2, uint64(s.Entries))
	for _, a := range s.Authors {
		var rec []byte
		rec = appendBytesField(rec, 1, a.Author[:])
		rec = appendVarintField(rec, 2, uint64(a.Count))
		rec = appendVarintField(rec, 3, a.MaxSeq)
		rec = appendVarintField(rec, 4, uint64(a.MaxTimestamp.Wall))
		rec = appendVarintField(rec, 5, uint64(a.MaxTimestamp.Logical))
		rec = appendBytesField(rec, 6, a.Digest[:])
		body = appendBytesField(body, 3, rec)
	}
	return appendBytesField(nil, 1, body)
}

func (m *SummaryResponse) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if !f.is(1, protowire.BytesType) {
			return nil
		}
		return eachField(f.bytes, func(f field) (err error) {
			switch {
			case f.is(1, protowire.BytesType):
				m.Summary.Replica, err = types.ReplicaIDFromBytes(f.bytes)
			case f.is(2, protowire.VarintType):
				m.Summary.Entries, err = toInt(f.varint)
			case f.is(3, protowire.BytesType):
				var a replica.AuthorSummary
				if err = unmarshalAuthorSummary(f.bytes, &a); err == nil {
					m.Summary.Authors = append(m.Summary.Authors, a)
				}
			}
			return err
		})
	})
}

func unmarshalAuthorSummary(b []byte, a *replica.AuthorSummary) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.BytesType):
			a.Author, err = types.PublicKeyFromBytes(f.bytes)
		case f.is(2, protowire.VarintType):
			a.Count, err = toInt(f.varint)
		case f.is(3, protowire.VarintType):
			a.MaxSeq = f.varint
		case f.is(4, protowire.VarintType):
			if f.varint > math.MaxInt64 {
				return errFieldRange
			}
			a.MaxTimestamp.Wall = int64(f.varint)
		case f.is(5, protowire.VarintType):
			if f.varint > math.MaxUint32 {
				return errFieldRange
			}
			a.MaxTimestamp.Logical = uint32(f.varint)
		case f.is(6, protowire.BytesType):
			a.Digest, err = entryID(f.bytes)
		}
		return err
	})
}

type EntryIDsRequest struct {
	Replica    types.ReplicaID
	Capability []byte
	Authors    []types.PublicKey
}

func (m *EntryIDsRequest) MarshalWire() []byte {
	b := appendBytesField(nil, 1, m.Replica.Bytes())
	b = appendBytesField(b, 2, m.Capability)
	for _, a := range m.Authors {
		b = appendBytesField(b, 3, a[:])
	}
	return b
}

func (m *EntryIDsRequest) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.BytesType):
			m.Replica, err = types.ReplicaIDFromBytes(f.bytes)
		case f.is(2, protowire.BytesType):
			m.Capability = f.bytes
		case f.is(3, protowire.BytesType):
			var k types.PublicKey
			if k, err = types.PublicKeyFromBytes(f.bytes); err == nil {
				m.Authors = append(m.Authors, k)
			}
		}
		return err
	})
}

type EntryIDsResponse struct {
	IDs []replica.EntryID
}

func (m *EntryIDsResponse) MarshalWire() []byte {
	return appendIDs(nil, 1, m.IDs)
}

func (m *EntryIDsResponse) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		if f.is(1, protowire.BytesType) {
			m.IDs, err = appendEntryID(m.IDs, f.bytes)
		}
		return err
	})
}

type FetchEntriesRequest struct {
	Replica    types.ReplicaID
	Capability []byte
	IDs        []replica.EntryID
}

func (m *FetchEntriesRequest) MarshalWire() []byte {
	b := appendBytesField(nil, 1, m.Replica.Bytes())
	b = appendBytesField(b, 2, m.Capability)
	return appendIDs(b, 3, m.IDs)
}

func (m *FetchEntriesRequest) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.BytesType):
			m.Replica, err = types.ReplicaIDFromBytes(f.bytes)
		case f.is(2, protowire.BytesType):
			m.Capability = f.bytes
		case f.is(3, protowire.BytesType):
			m.IDs, err = appendEntryID(m.IDs, f.bytes)
		}
		return err
	})
}

type FetchEntriesResponse struct {
	Entries [][]byte
}

func (m *FetchEntriesResponse) MarshalWire() []byte {
	var b []byte
	for _, e := range m.Entries {
		b = appendBytesField(b, 1, e)
	}
	return b
}

func (m *FetchEntriesResponse) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.is(1, protowire.BytesType) {
			m.Entries = append(m.Entries, f.bytes)
		}
		return nil
	})
}

// PushEntriesRequest hands entries to a peer. Origin is the pusher's
// replication address, from which the receiver may fetch missing objects
// if it already knows the address as a holder.
type PushEntriesRequest struct {
	Replica    types.ReplicaID
	Capability []byte
	Origin     string
	Entries    [][]byte
}

func (m *PushEntriesRequest) MarshalWire() []byte {
	b := appendBytesField(nil, 1, m.Replica.Bytes())
	b = appendBytesField(b, 2, m.Capability)
	if m.Origin != "" {
		b = appendBytesField(b, 3, []byte(m.Origin))
	}
	for _, e := range m.Entries {
		b = appendBytesField(b, 4, e)
	}
	return b
}

func (m *PushEntriesRequest) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.BytesType):
			m.Replica, err = types.ReplicaIDFromBytes(f.bytes)
		case f.is(2, protowire.BytesType):
			m.Capability = f.bytes
		case f.is(3, protowire.BytesType):
			m.Origin = string(f.bytes)
		case f.is(4, protowire.BytesType):
			m.Entries = append(m.Entries, f.bytes)
		}
		return err
	})
}

type PushEntriesResponse struct {
	Applied   int
	Duplicate int
	Rejected  int
}

func (m *PushEntriesResponse) MarshalWire() []byte {
	b := appendVarintField(nil, 1, uint64(m.Applied))
	b = appendVarintField(b, 2, uint64(m.Duplicate))
	return appendVarintField(b, 3, uint64(m.Rejected))
}

func (m *PushEntriesResponse) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		switch {
		case f.is(1, protowire.VarintType):
			m.Applied, err = toInt(f.varint)
		case f.is(2, protowire.VarintType):
			m.Duplicate, err = toInt(f.varint)
		case f.is(3, protowire.VarintType):
			m.Rejected, err = toInt(f.varint)
		}
		return err
	})
}

type FetchObjectRequest struct {
	Address types.Address
}

func (m *FetchObjectRequest) MarshalWire() []byte {
	return appendBytesField(nil, 1, m.Address[:])
}

func (m *FetchObjectRequest) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) (err error) {
		if f.is(1, protowire.BytesType) {
			m.Address, err = types.AddressFromBytes(f.bytes)
		}
		return err
	})
}

// FetchObjectResponse carries one encoded object, leaf or node, exactly as
// it is stored.
type FetchObjectResponse struct {
	Data []byte
}

func (m *FetchObjectResponse) MarshalWire() []byte {
	return appendBytesField(nil, 1, m.Data)
}

func (m *FetchObjectResponse) UnmarshalWire(b []byte) error {
	return eachField(b, func(f field) error {
		if f.is(1, protowire.BytesType) {
			m.Data = f.bytes
		}
		return nil
	})
}

func appendIDs(b []byte, num protowire.Number, ids []replica.EntryID) []byte {
	for _, id := range ids {
		b = appendBytesField(b, num, id[:])
	}
	return b
}

func entryID(b []byte) (replica.EntryID, error) {
	var id replica.EntryID
	if len(b) != len(id) {
		return id, errFieldRange
	}
	copy(id[:], b)
	return id, nil
}

func appendEntryID(ids []replica.EntryID, b []byte) ([]replica.EntryID, error) {
	id, err := entryID(b)
	if err != nil {
		return ids, err
	}
	return append(ids, id), nil
}

func toInt(v uint64) (int, error) {
	if v > math.MaxInt {
		return 0, errFieldRange
	}
	return int(v), nil
}
