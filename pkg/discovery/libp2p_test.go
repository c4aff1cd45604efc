package discovery

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeerKey(t *testing.T) (crypto.PrivKey, string) {
	t.Helper()
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return priv, dhtPeerPrefix + id.String()
}

func TestPeerRecordValidation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	v := recordValidator{now: func() time.Time { return now }}
	owner, key := newPeerKey(t)
	other, otherKey := newPeerKey(t)

	good, err := sealRecord(owner, key, peerRecord{Address: "10.0.0.1:7400", Expiry: now.Add(10 * time.Minute)})
	require.NoError(t, err)
	require.NoError(t, v.Validate(key, good))
	rec, err := openRecord(key, good, now)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7400", rec.Address)

	forged, err := sealRecord(other, key, peerRecord{Address: "203.0.113.9:7400", Expiry: now.Add(10 * time.Minute)})
	require.NoError(t, err)
	assert.Error(t, v.Validate(key, forged), "signed by a different peer")

	moved, err := sealRecord(owner, otherKey, peerRecord{Address: "10.0.0.1:7400", Expiry: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Error(t, v.Validate(key, moved), "signature is bound to its key")

	tampered := append([]byte(nil), good...)
	tampered[2] ^= 0x01
	assert.Error(t, v.Validate(key, tampered))

	pinned, err := sealRecord(owner, key, peerRecord{Address: "10.0.0.1:7400", Expiry: now.Add(365 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Error(t, v.Validate(key, pinned), "expiry beyond the record lifetime")

	unsigned := peerRecord{Address: "10.0.0.1:7400", Expiry: now.Add(time.Minute)}.body()
	assert.Error(t, v.Validate(key, unsigned))
	assert.Error(t, v.Validate("/other/x", good))
}

func TestPeerRecordSelectIgnoresForgeries(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	v := recordValidator{now: func() time.Time { return now }}
	owner, key := newPeerKey(t)
	other, _ := newPeerKey(t)

	older, err := sealRecord(owner, key, peerRecord{Address: "10.0.0.1:7400", Expiry: now.Add(time.Minute)})
	require.NoError(t, err)
	newer, err := sealRecord(owner, key, peerRecord{Address: "10.0.0.2:7400", Expiry: now.Add(time.Hour)})
	require.NoError(t, err)
	hijack, err := sealRecord(other, key, peerRecord{Address: "203.0.113.9:7400", Expiry: now.Add(23 * time.Hour)})
	require.NoError(t, err)

	i, err := v.Select(key, [][]byte{older, hijack, newer, []byte("junk")})
	require.NoError(t, err)
	assert.Equal(t, 2, i)

	_, err = v.Select(key, [][]byte{hijack})
	assert.Error(t, err)
}

func TestPeerRecordRefresh(t *testing.T) {
	now := time.Now()
	a := Announcement{Address: "10.0.0.1:7400", Expiry: now.Add(10 * time.Minute)}

	assert.True(t, needsRefresh(peerRecord{}, a, now), "nothing published yet")
	assert.False(t, needsRefresh(peerRecord{Address: a.Address, Expiry: now.Add(9 * time.Minute)}, a, now))
	assert.True(t, needsRefresh(peerRecord{Address: a.Address, Expiry: now.Add(4 * time.Minute)}, a, now))
	assert.True(t, needsRefresh(peerRecord{Address: "10.0.0.9:7400", Expiry: now.Add(time.Hour)}, a, now))
}

func TestLibp2pIdentityFromSeed(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 7
	a, err := libp2pIdentity(seed)
	require.NoError(t, err)
	b, err := libp2pIdentity(seed)
	require.NoError(t, err)
	assert.True(t, a.Equals(b))

	_, err = libp2pIdentity([]byte{1, 2})
	assert.Error(t, err)
}
