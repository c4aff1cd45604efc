package fuse

import (
	"context"
	"syscall"

	"meshfs/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

var (
	_ fs.NodeGetattrer = (*rootNode)(nil)
	_ fs.NodeReaddirer = (*rootNode)(nil)
	_ fs.NodeLookuper  = (*rootNode)(nil)
	_ fs.NodeStatfser  = (*rootNode)(nil)
)

// rootNode lists held replicas, one directory each.
type rootNode struct {
	fs.Inode
	fsys *FS
}

func (r *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	r.fsys.dirAttr(&out.Attr)
	out.SetTimeout(r.fsys.timeout)
	return 0
}

func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	infos := r.fsys.files.ListReplicas()
	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: info.ID.String()})
	}
	return fs.NewListDirStream(entries), 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, err := types.ParseReplicaID(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	held := false
	for _, info := range r.fsys.files.ListReplicas() {
		if info.ID == id {
			held = true
			break
		}
	}
	if !held {
		return nil, syscall.ENOENT
	}
	r.fsys.dirAttr(&out.Attr)
	out.SetEntryTimeout(r.fsys.timeout)
	out.SetAttrTimeout(r.fsys.timeout)
	return r.NewInode(ctx, &dirNode{fsys: r.fsys}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (r *rootNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return statfs(r.fsys, out)
}
