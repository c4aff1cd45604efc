package replica

import (
	"iter"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// View is an immutable snapshot of a replica's winners, tombstones included.
type View struct {
	tree *iradix.Tree[*Entry]
}

// Lookup returns the winner for path, which may be a tombstone.
func (v *View) Lookup(path string) (*Entry, bool) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, false
	}
	return v.tree.Get([]byte(p))
}

// Entries yields live winners whose path equals prefix or lies beneath it,
// in path order. The sequence can be ranged over any number of times.
func (v *View) Entries(prefix string) iter.Seq2[string, *Entry] {
	prefix = NormalizePrefix(prefix)
	return func(yield func(string, *Entry) bool) {
		if prefix != "/" {
			if e, ok := v.tree.Get([]byte(prefix)); ok && !e.Tombstone {
				if !yield(prefix, e) {
					return
				}
			}
		}
		seek := prefix
		if !strings.HasSuffix(seek, "/") {
			seek += "/"
		}
		it := v.tree.Root().Iterator()
		it.SeekPrefix([]byte(seek))
		for k, e, ok := it.Next(); ok; k, e, ok = it.Next() {
			if e.Tombstone {
				continue
			}
			if !yield(string(k), e) {
				return
			}
		}
	}
}

// Len returns the number of paths with a winner, tombstones included.
func (v *View) Len() int { return v.tree.Len() }

// Size sums the sizes of live files under prefix.
func (v *View) Size(prefix string) int64 {
	var total int64
	for _, e := range v.Entries(prefix) {
		total += e.Size
	}
	return total
}

// Timestamps returns the oldest and newest winner timestamps of live files
// under prefix. ok is false when there are none.
func (v *View) Timestamps(prefix string) (oldest, newest Timestamp, ok bool) {
	for _, e := range v.Entries(prefix) {
		if !ok || e.Timestamp.Compare(oldest) < 0 {
			oldest = e.Timestamp
		}
		if !ok || e.Timestamp.Compare(newest) > 0 {
			newest = e.Timestamp
		}
		ok = true
	}
	return oldest, newest, ok
}

// Children lists the immediate children of dir: file names and
// subdirectory names, each once, in order.
func (v *View) Children(dir string) []Child {
	dir = NormalizePrefix(dir)
	base := strings.TrimSuffix(dir, "/") + "/"
	var out []Child
	last := ""
	for p, e := range v.Entries(dir) {
		if p == dir {
			continue
		}
		rest := strings.TrimPrefix(p, base)
		name, _, nested := strings.Cut(rest, "/")
		if name == last {
			continue
		}
		last = name
		if nested {
			out = append(out, Child{Name: name, Dir: true})
		} else {
			out = append(out, Child{Name: name, Entry: e})
		}
	}
	return out
}

// Child is one directory listing item. Entry is nil for directories.
type Child struct {
	Name  string
	Dir   bool
	Entry *Entry
}
