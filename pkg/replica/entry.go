package replica

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"meshfs/pkg/capability"
	"meshfs/pkg/fserr"
	"meshfs/pkg/types"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// EntryID is the BLAKE2b-256 of an entry's signed encoding and signature.
type EntryID [32]byte

func (id EntryID) String() string { return hex.EncodeToString(id[:]) }

func (id EntryID) Short() string { return hex.EncodeToString(id[:6]) }

// Entry is one logged write or tombstone for a path. Entries are immutable
// once signed.
type Entry struct {
	Replica    types.ReplicaID
	Path       string
	Address    types.Address
	Tombstone  bool
	Size       int64
	Timestamp  Timestamp
	Author     types.PublicKey
	Seq        uint64
	Capability *capability.Capability
	Signature  []byte

	id EntryID
}

const (
	entryReplica   protowire.Number = 1
	entryPath      protowire.Number = 2
	entryAddress   protowire.Number = 3
	entryTombstone protowire.Number = 4
	entrySize      protowire.Number = 5
	entryWall      protowire.Number = 6
	entryLogical   protowire.Number = 7
	entryAuthor    protowire.Number = 8
	entrySeq       protowire.Number = 9
	entryCapDigest protowire.Number = 10
	entryCapChain  protowire.Number = 11
	entrySignature protowire.Number = 12
)

// ID returns the entry's identity.
func (e *Entry) ID() EntryID { return e.id }

// signingBytes is the canonical encoding covered by the author's signature.
// The capability is bound by its digest.
func (e *Entry) signingBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, entryReplica, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Replica.Bytes())
	b = protowire.AppendTag(b, entryPath, protowire.BytesType)
	b = protowire.AppendString(b, e.Path)
	if !e.Tombstone {
		b = protowire.AppendTag(b, entryAddress, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Address[:])
	} else {
		b = protowire.AppendTag(b, entryTombstone, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, entrySize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Size))
	b = protowire.AppendTag(b, entryWall, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp.Wall))
	b = protowire.AppendTag(b, entryLogical, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp.Logical))
	b = protowire.AppendTag(b, entryAuthor, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Author[:])
	b = protowire.AppendTag(b, entrySeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	if e.Capability != nil {
		d := e.Capability.Digest()
		b = protowire.AppendTag(b, entryCapDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, d[:])
	}
	return b
}

func (e *Entry) computeID() EntryID {
	h, _ := blake2b.New256(nil)
	h.Write(e.signingBytes())
	h.Write(e.Signature)
	var id EntryID
	copy(id[:], h.Sum(nil))
	return id
}

// sign sets the signature and identity. kp must be the author's key.
func (e *Entry) sign(kp *types.Keypair) {
	e.Author = kp.Public()
	e.Signature = kp.Sign(e.signingBytes())
	e.id = e.computeID()
}

// VerifySignature reports whether the author signed this entry.
func (e *Entry) VerifySignature() bool {
	return e.Author.Verify(e.signingBytes(), e.Signature)
}

// Marshal encodes the entry together with its capability chain.
func (e *Entry) Marshal() []byte {
	b := e.signingBytes()
	if e.Capability != nil {
		b = protowire.AppendTag(b, entryCapChain, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Capability.Marshal())
	}
	b = protowire.AppendTag(b, entrySignature, protowire.BytesType)
	return protowire.AppendBytes(b, e.Signature)
}

// UnmarshalEntry decodes an entry produced by Marshal. It checks framing and
// that the carried chain matches the signed digest; it does not check the
// signature or authorization.
func UnmarshalEntry(b []byte) (*Entry, error) {
	e := &Entry{}
	var capDigest, capChain []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("decode entry", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("decode entry", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case entryTombstone:
				e.Tombstone = v != 0
			case entrySize:
				e.Size = int64(v)
			case entryWall:
				e.Timestamp.Wall = int64(v)
			case entryLogical:
				e.Timestamp.Logical = uint32(v)
			case entrySeq:
				e.Seq = v
			default:
				return nil, malformed("decode entry", fmt.Errorf("unexpected field %d", num))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("decode entry", protowire.ParseError(n))
			}
			b = b[n:]
			var err error
			switch num {
			case entryReplica:
				e.Replica, err = types.ReplicaIDFromBytes(v)
			case entryPath:
				e.Path = string(v)
			case entryAddress:
				e.Address, err = types.AddressFromBytes(v)
			case entryAuthor:
				e.Author, err = types.PublicKeyFromBytes(v)
			case entryCapDigest:
				capDigest = append([]byte{}, v...)
			case entryCapChain:
				capChain = v
			case entrySignature:
				e.Signature = append([]byte{}, v...)
			default:
				err = fmt.Errorf("unexpected field %d", num)
			}
			if err != nil {
				return nil, malformed("decode entry", err)
			}
		default:
			return nil, malformed("decode entry", fmt.Errorf("unexpected wire type %d", typ))
		}
	}

	if (capDigest == nil) != (capChain == nil) {
		return nil, malformed("decode entry", fmt.Errorf("capability digest and chain must travel together"))
	}
	if capChain != nil {
		chain, err := capability.Unmarshal(capChain)
		if err != nil {
			return nil, malformed("decode entry", err)
		}
		d := chain.Digest()
		if !bytes.Equal(d[:], capDigest) {
			return nil, malformed("decode entry", fmt.Errorf("capability chain does not match signed digest"))
		}
		e.Capability = chain
	}
	e.id = e.computeID()
	return e, nil
}

func malformed(op string, err error) error {
	return fserr.New(fserr.MalformedEntry, op, err)
}

// Compare orders two entries for the same path by (timestamp, author bytes).
// Entries that tie on both are ordered by id so the order stays total.
func Compare(a, b *Entry) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	if c := a.Author.Compare(b.Author); c != 0 {
		return c
	}
	return bytes.Compare(a.id[:], b.id[:])
}

func (e *Entry) String() string {
	target := e.Address.Short()
	if e.Tombstone {
		target = "tombstone"
	}
	return fmt.Sprintf("%s %s@%s by %s#%d", e.Path, target, e.Timestamp, e.Author.Short(), e.Seq)
}
