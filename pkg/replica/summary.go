package replica

import (
	"encoding/hex"
	"fmt"
	"sort"

	"meshfs/pkg/types"
)

// AuthorSummary condenses every entry one author wrote into a replica.
// Digest is the XOR of their entry ids, so two logs holding the same set of
// entries for that author have equal summaries regardless of arrival order.
type AuthorSummary struct {
	Author       types.PublicKey `json:"author"`
	Count        int             `json:"count"`
	MaxSeq       uint64          `json:"max_seq"`
	MaxTimestamp Timestamp       `json:"max_timestamp"`
	Digest       EntryID         `json:"digest"`
}

// Summary is the compact state exchanged before any entries move.
type Summary struct {
	Replica types.ReplicaID `json:"replica"`
	Entries int             `json:"entries"`
	Authors []AuthorSummary `json:"authors"`
}

func (id EntryID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EntryID) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != len(id) {
		return fmt.Errorf("entry id must be %d hex bytes", len(id))
	}
	_, err := hex.Decode(id[:], b)
	return err
}

// DiffAuthors returns the authors whose entry sets differ between two
// summaries, sorted by key.
func DiffAuthors(local, remote Summary) []types.PublicKey {
	byAuthor := make(map[types.PublicKey]AuthorSummary, len(local.Authors))
	for _, a := range local.Authors {
		byAuthor[a.Author] = a
	}
	var out []types.PublicKey
	seen := make(map[types.PublicKey]bool, len(remote.Authors))
	for _, r := range remote.Authors {
		seen[r.Author] = true
		l, ok := byAuthor[r.Author]
		if !ok || l.Count != r.Count || l.Digest != r.Digest {
			out = append(out, r.Author)
		}
	}
	for _, l := range local.Authors {
		if !seen[l.Author] {
			out = append(out, l.Author)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Equal reports whether two summaries describe the same entry set.
func (s Summary) Equal(o Summary) bool {
	return s.Entries == o.Entries && len(DiffAuthors(s, o)) == 0
}

type authorState struct {
	count  int
	maxSeq uint64
	maxTS  Timestamp
	digest EntryID
	ids    []EntryID
}

func (a *authorState) add(e *Entry) {
	a.count++
	if e.Seq > a.maxSeq {
		a.maxSeq = e.Seq
	}
	if e.Timestamp.Compare(a.maxTS) > 0 {
		a.maxTS = e.Timestamp
	}
	id := e.ID()
	for i := range a.digest {
		a.digest[i] ^= id[i]
	}
	a.ids = append(a.ids, id)
}
