package capability

import (
	"errors"
	"testing"
	"time"

	"meshfs/pkg/fserr"
	"meshfs/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *types.Keypair {
	t.Helper()
	kp, err := types.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

type fixture struct {
	replica types.ReplicaID
	root    *types.Keypair
	alice   *types.Keypair
	bob     *types.Keypair
	rootCap *Capability
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		replica: types.NewReplicaID(),
		root:    newKey(t),
		alice:   newKey(t),
		bob:     newKey(t),
	}
	f.rootCap = NewRoot(f.root, f.replica)
	return f
}

func (f *fixture) request(as types.PublicKey, path string, rights Rights) Request {
	return Request{
		Root:   f.root.Public(),
		Scope:  Scope{Replica: f.replica},
		Path:   path,
		Rights: rights,
		As:     as,
		At:     time.Now(),
	}
}

func TestRootCapabilityAuthorizesEverything(t *testing.T) {
	f := newFixture(t)
	gate := NewGate(0)

	err := gate.Verify(f.rootCap, f.request(f.root.Public(), "/any/where.txt", AllRights))
	assert.NoError(t, err)
}

func TestDelegationChain(t *testing.T) {
	f := newFixture(t)
	gate := NewGate(0)

	toAlice, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica, Prefix: "/docs"}, RightRead|RightWrite|RightDelegate, time.Time{})
	require.NoError(t, err)
	toBob, err := Delegate(toAlice, f.alice, f.bob.Public(), Scope{Replica: f.replica, Prefix: "/docs/bob"}, RightWrite, time.Time{})
	require.NoError(t, err)

	assert.NoError(t, gate.Verify(toBob, f.request(f.bob.Public(), "/docs/bob/notes.txt", RightWrite)))

	tests := []struct {
		name   string
		chain  *Capability
		req    Request
		reason Reason
	}{
		{"Outside prefix", toBob, f.request(f.bob.Public(), "/docs/alice.txt", RightWrite), ScopeExceeded},
		{"Sibling prefix", toAlice, f.request(f.alice.Public(), "/docsx/a", RightWrite), ScopeExceeded},
		{"Missing right", toBob, f.request(f.bob.Public(), "/docs/bob/x", RightRead), RightsExceeded},
		{"Wrong holder", toBob, f.request(f.alice.Public(), "/docs/bob/x", RightWrite), BrokenChain},
		{"Other root", toBob, Request{Root: f.alice.Public(), Scope: Scope{Replica: f.replica}, Path: "/docs/bob/x", Rights: RightWrite, As: f.bob.Public(), At: time.Now()}, RootMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Verify(tt.chain, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.reason, ReasonOf(err))
			assert.True(t, errors.Is(err, fserr.Unauthorized))
		})
	}
}

func TestReadCapabilityCannotWrite(t *testing.T) {
	f := newFixture(t)
	readOnly, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica}, RightRead, time.Time{})
	require.NoError(t, err)

	err = NewGate(0).Verify(readOnly, f.request(f.alice.Public(), "/a.txt", RightWrite))
	assert.Equal(t, RightsExceeded, ReasonOf(err))
}

func TestChainNotRootedAtReplicaRoot(t *testing.T) {
	f := newFixture(t)
	// alice mints her own root for the same replica id
	forged := NewRoot(f.alice, f.replica)
	toBob, err := Delegate(forged, f.alice, f.bob.Public(), Scope{Replica: f.replica}, RightWrite, time.Time{})
	require.NoError(t, err)

	err = NewGate(0).Verify(toBob, f.request(f.bob.Public(), "/a.txt", RightWrite))
	assert.Equal(t, RootMismatch, ReasonOf(err))
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	expiry := time.Now().Add(time.Hour)
	c, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica}, RightWrite, expiry)
	require.NoError(t, err)
	gate := NewGate(0)

	req := f.request(f.alice.Public(), "/a", RightWrite)
	assert.NoError(t, gate.Verify(c, req))

	req.At = expiry.Add(time.Second)
	assert.Equal(t, Expired, ReasonOf(gate.Verify(c, req)))
}

func TestDelegateClampsExpiryToParent(t *testing.T) {
	f := newFixture(t)
	parentExpiry := time.Now().Add(time.Hour)
	toAlice, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica}, AllRights, parentExpiry)
	require.NoError(t, err)

	toBob, err := Delegate(toAlice, f.alice, f.bob.Public(), Scope{Replica: f.replica}, RightRead, time.Time{})
	require.NoError(t, err)
	assert.True(t, toBob.Expiry.Equal(parentExpiry))
}

func TestDelegateRejectsWidening(t *testing.T) {
	f := newFixture(t)
	toAlice, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica, Prefix: "/docs"}, RightRead|RightWrite, time.Time{})
	require.NoError(t, err)

	_, err = Delegate(toAlice, f.alice, f.bob.Public(), Scope{Replica: f.replica, Prefix: "/docs"}, RightRead, time.Time{})
	assert.Equal(t, RightsExceeded, ReasonOf(err), "parent lacks delegate")

	_, err = Delegate(f.rootCap, f.alice, f.bob.Public(), Scope{Replica: f.replica}, RightRead, time.Time{})
	assert.Equal(t, BrokenChain, ReasonOf(err), "issuer is not the parent's subject")
}

func TestHandBuiltWideningIsRejected(t *testing.T) {
	f := newFixture(t)
	toAlice, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica, Prefix: "/docs"}, RightWrite|RightDelegate, time.Time{})
	require.NoError(t, err)

	// bypass Delegate's checks to forge a wider child
	wide := &Capability{
		Scope:   Scope{Replica: f.replica, Prefix: "/"},
		Rights:  RightWrite,
		Issuer:  f.alice.Public(),
		Subject: f.bob.Public(),
		Parent:  toAlice,
	}
	wide.Signature = f.alice.Sign(wide.signingBytes())

	err = NewGate(0).Verify(wide, f.request(f.bob.Public(), "/etc/passwd", RightWrite))
	assert.Equal(t, ScopeExceeded, ReasonOf(err))
}

func TestTamperedSignature(t *testing.T) {
	f := newFixture(t)
	c, err := Delegate(f.rootCap, f.root, f.alice.Public(), Scope{Replica: f.replica}, RightRead, time.Time{})
	require.NoError(t, err)
	c.Rights = AllRights

	err = NewGate(0).Verify(c, f.request(f.alice.Public(), "/a", RightWrite))
	assert.Equal(t, BrokenChain, ReasonOf(err))
}

func TestMaxDepth(t *testing.T) {
	f := newFixture(t)
	chain := f.rootCap
	holder := f.root
	for i := 0; i < 4; i++ {
		next := newKey(t)
		var err error
		chain, err = Delegate(chain, holder, next.Public(), Scope{Replica: f.replica}, AllRights, time.Time{})
		require.NoError(t, err)
		holder = next
	}

	req := f.request(holder.Public(), "/a", RightWrite)
	assert.NoError(t, NewGate(5).Verify(chain, req))
	assert.Equal(t, BrokenChain, ReasonOf(NewGate(4).Verify(chain, req)))
}

func TestScopeCovers(t *testing.T) {
	id := types.NewReplicaID()
	tests := []struct {
		prefix string
		path   string
		want   bool
	}{
		{"", "/a", true},
		{"/", "/a/b", true},
		{"/docs", "/docs", true},
		{"/docs", "/docs/a.txt", true},
		{"/docs/", "/docs/a.txt", true},
		{"/docs", "/docsx", false},
		{"/docs/a", "/docs", false},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Scope{Replica: id, Prefix: tt.prefix}.Covers(tt.path))
		})
	}
}

func TestParseRights(t *testing.T) {
	r, err := ParseRights("read,write")
	require.NoError(t, err)
	assert.Equal(t, RightRead|RightWrite, r)
	assert.Equal(t, "READ|WRITE", r.String())

	r, err = ParseRights("all")
	require.NoError(t, err)
	assert.Equal(t, AllRights, r)

	_, err = ParseRights("admin")
	assert.Error(t, err)
}
