package node

import (
	"meshfs/pkg/fserr"
	"meshfs/pkg/replica"
	"meshfs/pkg/types"
)

// TimeRange is the oldest and newest entry timestamps across some paths.
type TimeRange struct {
	Oldest replica.Timestamp
	Newest replica.Timestamp
}

func (t *TimeRange) add(oldest, newest replica.Timestamp) {
	if t.Oldest.IsZero() || oldest.Compare(t.Oldest) < 0 {
		t.Oldest = oldest
	}
	if newest.Compare(t.Newest) > 0 {
		t.Newest = newest
	}
}

// FileTimes returns the timestamps of the first and the winning entry ever
// recorded for path. Tombstoned paths report NotFound.
func (n *Node) FileTimes(id types.ReplicaID, path string) (TimeRange, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return TimeRange{}, err
	}
	e, err := n.Entry(id, path)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{Oldest: oldestOf(r, e), Newest: e.Timestamp}, nil
}

func oldestOf(r *replica.Replica, winner *replica.Entry) replica.Timestamp {
	oldest := winner.Timestamp
	for _, e := range r.History(winner.Path) {
		if e.Timestamp.Compare(oldest) < 0 {
			oldest = e.Timestamp
		}
	}
	return oldest
}

// FolderTimes covers every live file under prefix.
func (n *Node) FolderTimes(id types.ReplicaID, prefix string) (TimeRange, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return TimeRange{}, err
	}
	tr, ok := folderTimes(r, prefix)
	if !ok {
		return TimeRange{}, fserr.Errorf(fserr.NotFound, "folder times", "no files").WithReplica(id).WithPath(prefix)
	}
	return tr, nil
}

func folderTimes(r *replica.Replica, prefix string) (TimeRange, bool) {
	var tr TimeRange
	found := false
	for _, e := range r.View(prefix) {
		tr.add(oldestOf(r, e), e.Timestamp)
		found = true
	}
	return tr, found
}

// Times covers every live file of every held replica. ok is false when the
// node holds no files.
func (n *Node) Times() (tr TimeRange, ok bool) {
	for _, id := range n.registry.IDs() {
		r, err := n.registry.Get(id)
		if err != nil {
			continue
		}
		if rt, found := folderTimes(r, "/"); found {
			tr.add(rt.Oldest, rt.Newest)
			ok = true
		}
	}
	return tr, ok
}

// FolderSize sums the sizes of live files under prefix.
func (n *Node) FolderSize(id types.ReplicaID, prefix string) (int64, error) {
	r, err := n.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return r.Snapshot().Size(prefix), nil
}

// TotalSize sums live file sizes across every held replica.
func (n *Node) TotalSize() int64 {
	var total int64
	for _, id := range n.registry.IDs() {
		if r, err := n.registry.Get(id); err == nil {
			total += r.Snapshot().Size("/")
		}
	}
	return total
}
