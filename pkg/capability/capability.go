package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"meshfs/pkg/types"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// Rights is a set of permissions a capability grants.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightDelegate

	AllRights = RightRead | RightWrite | RightDelegate
)

// Has reports whether r includes every right in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

func (r Rights) String() string {
	if r == 0 {
		return "NONE"
	}
	var parts []string
	if r.Has(RightRead) {
		parts = append(parts, "READ")
	}
	if r.Has(RightWrite) {
		parts = append(parts, "WRITE")
	}
	if r.Has(RightDelegate) {
		parts = append(parts, "DELEGATE")
	}
	return strings.Join(parts, "|")
}

// ParseRights accepts a comma or pipe separated list such as "read,write".
func ParseRights(s string) (Rights, error) {
	var r Rights
	for _, part := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == '|' }) {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "read":
			r |= RightRead
		case "write":
			r |= RightWrite
		case "delegate":
			r |= RightDelegate
		case "all":
			r |= AllRights
		default:
			return 0, fmt.Errorf("unknown right %q", part)
		}
	}
	return r, nil
}

// Scope limits a capability to one replica and optionally a path prefix.
// An empty or "/" prefix covers the whole replica.
type Scope struct {
	Replica types.ReplicaID
	Prefix  string
}

func (s Scope) normalizedPrefix() string {
	if s.Prefix == "" {
		return "/"
	}
	return s.Prefix
}

// Covers reports whether path lies inside the scope's prefix. Prefixes match
// whole path segments, so "/docs" covers "/docs/a" but not "/docsx".
func (s Scope) Covers(path string) bool {
	prefix := s.normalizedPrefix()
	if prefix == "/" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// Contains reports whether other is inside s.
func (s Scope) Contains(other Scope) bool {
	return s.Replica == other.Replica && s.Covers(other.normalizedPrefix())
}

func (s Scope) String() string {
	return s.Replica.String() + ":" + s.normalizedPrefix()
}

// Capability is one immutable, signed link of a delegation chain. Parent is
// nil for the root link.
type Capability struct {
	Scope     Scope
	Rights    Rights
	Issuer    types.PublicKey
	Subject   types.PublicKey
	Expiry    time.Time
	Parent    *Capability
	Signature []byte
}

// Digest is the BLAKE2b-256 of a capability's signed encoding plus signature.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:8]) }

const (
	fieldReplica protowire.Number = 1
	fieldPrefix  protowire.Number = 2
	fieldRights  protowire.Number = 3
	fieldIssuer  protowire.Number = 4
	fieldSubject protowire.Number = 5
	fieldExpiry  protowire.Number = 6
	fieldParent  protowire.Number = 7
	fieldSig     protowire.Number = 8

	fieldLink protowire.Number = 1
)

var ErrMalformed = errors.New("malformed capability")

// signingBytes is the deterministic encoding covered by the signature. The
// parent is bound by its digest.
func (c *Capability) signingBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReplica, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Scope.Replica.Bytes())
	b = protowire.AppendTag(b, fieldPrefix, protowire.BytesType)
	b = protowire.AppendString(b, c.Scope.normalizedPrefix())
	b = protowire.AppendTag(b, fieldRights, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Rights))
	b = protowire.AppendTag(b, fieldIssuer, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Issuer[:])
	b = protowire.AppendTag(b, fieldSubject, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Subject[:])
	b = protowire.AppendTag(b, fieldExpiry, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(expiryMicros(c.Expiry)))
	if c.Parent != nil {
		d := c.Parent.Digest()
		b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
		b = protowire.AppendBytes(b, d[:])
	}
	return b
}

func expiryMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func (c *Capability) linkBytes() []byte {
	b := c.signingBytes()
	b = protowire.AppendTag(b, fieldSig, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

// Digest identifies this link together with everything above it.
func (c *Capability) Digest() Digest {
	return Digest(blake2b.Sum256(c.linkBytes()))
}

// Root returns the top of the chain.
func (c *Capability) Root() *Capability {
	for c.Parent != nil {
		c = c.Parent
	}
	return c
}

// Depth returns the number of links in the chain.
func (c *Capability) Depth() int {
	n := 0
	for ; c != nil; c = c.Parent {
		n++
	}
	return n
}

// ExpiredAt reports whether this link alone is expired at t.
func (c *Capability) ExpiredAt(t time.Time) bool {
	return !c.Expiry.IsZero() && !t.Before(c.Expiry)
}

func (c *Capability) String() string {
	return fmt.Sprintf("cap(%s %s %s->%s depth=%d)",
		c.Scope, c.Rights, c.Issuer.Short(), c.Subject.Short(), c.Depth())
}

// Marshal encodes the full chain, leaf first.
func (c *Capability) Marshal() []byte {
	var b []byte
	for link := c; link != nil; link = link.Parent {
		b = protowire.AppendTag(b, fieldLink, protowire.BytesType)
		b = protowire.AppendBytes(b, link.linkBytes())
	}
	return b
}

// Unmarshal decodes a chain produced by Marshal and checks that each parent
// digest matches the following link. Signatures are not checked here.
func Unmarshal(b []byte) (*Capability, error) {
	var links []*Capability
	var parentDigests [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != fieldLink || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: bad chain framing", ErrMalformed)
		}
		b = b[n:]
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		link, parent, err := decodeLink(raw)
		if err != nil {
			return nil, err
		}
		links = append(links, link)
		parentDigests = append(parentDigests, parent)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformed)
	}

	for i := len(links) - 1; i >= 0; i-- {
		hasParent := i+1 < len(links)
		if hasParent != (parentDigests[i] != nil) {
			return nil, fmt.Errorf("%w: chain link %d parent mismatch", ErrMalformed, i)
		}
		if hasParent {
			links[i].Parent = links[i+1]
			d := links[i+1].Digest()
			if string(d[:]) != string(parentDigests[i]) {
				return nil, fmt.Errorf("%w: chain link %d parent digest mismatch", ErrMalformed, i)
			}
		}
	}
	return links[0], nil
}

func decodeLink(b []byte) (*Capability, []byte, error) {
	c := &Capability{}
	var parent []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRights:
				c.Rights = Rights(v)
			case fieldExpiry:
				if v != 0 {
					c.Expiry = time.UnixMicro(int64(v)).UTC()
				}
			default:
				return nil, nil, fmt.Errorf("%w: unexpected field %d", ErrMalformed, num)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			var err error
			switch num {
			case fieldReplica:
				c.Scope.Replica, err = types.ReplicaIDFromBytes(v)
			case fieldPrefix:
				c.Scope.Prefix = string(v)
			case fieldIssuer:
				c.Issuer, err = types.PublicKeyFromBytes(v)
			case fieldSubject:
				c.Subject, err = types.PublicKeyFromBytes(v)
			case fieldParent:
				parent = append([]byte{}, v...)
			case fieldSig:
				c.Signature = append([]byte{}, v...)
			default:
				err = fmt.Errorf("unexpected field %d", num)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		default:
			return nil, nil, fmt.Errorf("%w: unexpected wire type %d", ErrMalformed, typ)
		}
	}
	return c, parent, nil
}
