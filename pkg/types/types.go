package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ReplicaID names one replica. It is a random UUIDv4 and is never reused.
type ReplicaID uuid.UUID

// NewReplicaID generates a fresh random replica id.
func NewReplicaID() ReplicaID {
	return ReplicaID(uuid.New())
}

// ParseReplicaID parses the canonical textual form of a replica id.
func ParseReplicaID(s string) (ReplicaID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ReplicaID{}, fmt.Errorf("invalid replica id %q: %w", s, err)
	}
	return ReplicaID(id), nil
}

// ReplicaIDFromBytes converts a 16 byte slice into a replica id.
func ReplicaIDFromBytes(b []byte) (ReplicaID, error) {
	id, err := uuid.FromBytes(b)
	if err != nil {
		return ReplicaID{}, fmt.Errorf("invalid replica id bytes: %w", err)
	}
	return ReplicaID(id), nil
}

func (id ReplicaID) String() string { return uuid.UUID(id).String() }

// Bytes returns the 16 raw bytes of the id.
func (id ReplicaID) Bytes() []byte {
	b := uuid.UUID(id)
	return b[:]
}

func (id ReplicaID) IsZero() bool { return id == ReplicaID{} }

func (id ReplicaID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ReplicaID) UnmarshalText(b []byte) error {
	parsed, err := ParseReplicaID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AddressSize is the length of a content address in bytes.
const AddressSize = 32

// Address is the BLAKE2b-256 digest naming an immutable object.
type Address [AddressSize]byte

// ParseAddress decodes a hex encoded content address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return AddressFromBytes(b)
}

// AddressFromBytes copies a raw digest into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// Short returns an abbreviated form for logs and tables.
func (a Address) Short() string { return a.String()[:12] }

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// PublicKey is an Ed25519 public key identifying an author or peer.
type PublicKey [ed25519.PublicKeySize]byte

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid public key %q: %w", s, err)
	}
	return PublicKeyFromBytes(b)
}

// PublicKeyFromBytes copies raw key bytes into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != ed25519.PublicKeySize {
		return k, fmt.Errorf("invalid public key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// Short returns an abbreviated form for logs and tables.
func (k PublicKey) Short() string { return k.String()[:10] }

func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// Compare orders keys by their raw bytes.
func (k PublicKey) Compare(other PublicKey) int { return bytes.Compare(k[:], other[:]) }

// Verify reports whether sig is a valid signature of msg by k.
func (k PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Keypair is a local signing identity.
type Keypair struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// GenerateKeypair creates a new random Ed25519 identity.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return KeypairFromSeed(priv.Seed())
}

// KeypairFromSeed derives an identity from a 32 byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &Keypair{private: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

func (kp *Keypair) Public() PublicKey { return kp.public }

// Seed returns the private seed for persistence.
func (kp *Keypair) Seed() []byte { return kp.private.Seed() }

func (kp *Keypair) Sign(msg []byte) []byte { return ed25519.Sign(kp.private, msg) }
