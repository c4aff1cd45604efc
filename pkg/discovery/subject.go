// Package discovery announces which peers hold a replica or object and
// resolves those announcements back into reachable peer addresses.
package discovery

import (
	"fmt"
	"time"

	"meshfs/pkg/types"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// SubjectKind says what an announcement is about.
type SubjectKind int

const (
	SubjectReplica SubjectKind = iota
	SubjectObject
)

// Subject is the DHT key of an announcement.
type Subject struct {
	Kind SubjectKind
	id   string
}

func ReplicaSubject(id types.ReplicaID) Subject {
	return Subject{Kind: SubjectReplica, id: id.String()}
}

func ObjectSubject(addr types.Address) Subject {
	return Subject{Kind: SubjectObject, id: addr.String()}
}

// Key is the namespaced string form, e.g. "replica/<uuid>".
func (s Subject) Key() string {
	if s.Kind == SubjectObject {
		return "object/" + s.id
	}
	return "replica/" + s.id
}

func (s Subject) String() string { return s.Key() }

// CID maps the subject onto a content id usable as a provider record key.
func (s Subject) CID() (cid.Cid, error) {
	sum, err := mh.Sum([]byte("meshfs/"+s.Key()), mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash subject %s: %w", s, err)
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Announcement states that Address held Subject as of publication, until
// Expiry.
type Announcement struct {
	Subject Subject
	Address string
	Expiry  time.Time
}

func (a Announcement) Expired(at time.Time) bool { return !at.Before(a.Expiry) }
