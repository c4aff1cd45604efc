package storage

import (
	"errors"
	"fmt"
	"math"

	"meshfs/pkg/types"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	objectLeaf byte = 0x00
	objectNode byte = 0x01
)

// child record field numbers
const (
	fieldChildren protowire.Number = 1

	fieldChildOffset  protowire.Number = 1
	fieldChildSize    protowire.Number = 2
	fieldChildAddress protowire.Number = 3
)

var errBadObject = errors.New("malformed object")

// Child is one entry of an internal tree node. Offset is relative to the
// start of the parent node's byte range.
type Child struct {
	Offset  uint64
	Size    uint64
	Address types.Address
}

// Object is a decoded leaf chunk or internal node.
type Object struct {
	Leaf     bool
	Data     []byte
	Children []Child
}

// Size returns the number of payload bytes covered by the object.
func (o *Object) Size() uint64 {
	if o.Leaf {
		return uint64(len(o.Data))
	}
	var n uint64
	for _, c := range o.Children {
		n += c.Size
	}
	return n
}

// Hash computes the content address of an encoded object.
func Hash(raw []byte) types.Address {
	return types.Address(blake2b.Sum256(raw))
}

// EncodeLeaf encodes a chunk of payload bytes.
func EncodeLeaf(data []byte) []byte {
	raw := make([]byte, 0, len(data)+1)
	raw = append(raw, objectLeaf)
	return append(raw, data...)
}

// EncodeNode encodes an internal node listing its children in order.
func EncodeNode(children []Child) []byte {
	raw := []byte{objectNode}
	for _, c := range children {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldChildOffset, protowire.VarintType)
		rec = protowire.AppendVarint(rec, c.Offset)
		rec = protowire.AppendTag(rec, fieldChildSize, protowire.VarintType)
		rec = protowire.AppendVarint(rec, c.Size)
		rec = protowire.AppendTag(rec, fieldChildAddress, protowire.BytesType)
		rec = protowire.AppendBytes(rec, c.Address[:])

		raw = protowire.AppendTag(raw, fieldChildren, protowire.BytesType)
		raw = protowire.AppendBytes(raw, rec)
	}
	return raw
}

// DecodeObject parses an encoded object.
func DecodeObject(raw []byte) (*Object, error) {
	if len(raw) == 0 {
		return nil, errBadObject
	}
	switch raw[0] {
	case objectLeaf:
		return &Object{Leaf: true, Data: raw[1:]}, nil
	case objectNode:
		children, err := decodeChildren(raw[1:])
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("%w: node without children", errBadObject)
		}
		if err := checkLayout(children); err != nil {
			return nil, err
		}
		return &Object{Children: children}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", errBadObject, raw[0])
	}
}

// checkLayout requires children to tile the node's range from zero without
// gaps or overlap, and the total to fit in an int64.
func checkLayout(children []Child) error {
	var next uint64
	for i, c := range children {
		if c.Offset != next {
			return fmt.Errorf("%w: child %d at offset %d, want %d", errBadObject, i, c.Offset, next)
		}
		if c.Size > math.MaxInt64-next {
			return fmt.Errorf("%w: node size overflows", errBadObject)
		}
		next += c.Size
	}
	return nil
}

func decodeChildren(b []byte) ([]Child, error) {
	var children []Child
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldChildren || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: unexpected field %d", errBadObject, num)
		}
		rec, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
		}
		b = b[n:]
		c, err := decodeChild(rec)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, nil
}

func decodeChild(b []byte) (Child, error) {
	var (
		c       Child
		hasAddr bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldChildOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
			}
			c.Offset = v
			b = b[n:]
		case num == fieldChildSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
			}
			c.Size = v
			b = b[n:]
		case num == fieldChildAddress && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return c, fmt.Errorf("%w: %v", errBadObject, protowire.ParseError(n))
			}
			addr, err := types.AddressFromBytes(v)
			if err != nil {
				return c, fmt.Errorf("%w: %v", errBadObject, err)
			}
			c.Address = addr
			hasAddr = true
			b = b[n:]
		default:
			return c, fmt.Errorf("%w: unexpected child field %d", errBadObject, num)
		}
	}
	if !hasAddr {
		return c, fmt.Errorf("%w: child without address", errBadObject)
	}
	return c, nil
}
