package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

var (
	_ fs.NodeGetattrer = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeCreater   = (*dirNode)(nil)
	_ fs.NodeMkdirer   = (*dirNode)(nil)
	_ fs.NodeRmdirer   = (*dirNode)(nil)
	_ fs.NodeUnlinker  = (*dirNode)(nil)
	_ fs.NodeRenamer   = (*dirNode)(nil)
	_ fs.NodeStatfser  = (*dirNode)(nil)
)

// dirNode is a directory inside a replica, the replica root included.
type dirNode struct {
	fs.Inode
	fsys *FS
}

func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	d.fsys.dirAttr(&out.Attr)
	out.SetTimeout(d.fsys.timeout)
	return 0
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return nil, errno
	}
	children, err := d.fsys.files.Children(loc.replica, loc.path)
	if err != nil {
		d.fsys.logger.Debug("Readdir failed", zap.String("path", loc.path), zap.Error(err))
		return nil, errnoOf(err)
	}

	seen := make(map[string]bool, len(children))
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		if c.Dir {
			mode = syscall.S_IFDIR
		}
		seen[c.Name] = true
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: c.Name})
	}
	for _, name := range d.fsys.pendingDirs(loc) {
		if !seen[name] {
			entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: name})
		}
	}
	return fs.NewListDirStream(entries), 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return nil, errno
	}
	child := loc.child(name)
	e, isDir, errno := d.fsys.kind(child)
	if errno != 0 {
		return nil, errno
	}
	out.SetEntryTimeout(d.fsys.timeout)
	out.SetAttrTimeout(d.fsys.timeout)
	if isDir {
		d.fsys.dirAttr(&out.Attr)
		return d.NewInode(ctx, &dirNode{fsys: d.fsys}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	d.fsys.fileAttr(e, &out.Attr)
	return d.NewInode(ctx, &fileNode{fsys: d.fsys}, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

// Create starts an empty file. It is recorded when the handle is flushed.
func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return nil, nil, 0, errno
	}
	child := loc.child(name)
	h := newHandle(d.fsys, child, nil)
	h.dirty = true

	out.Attr.Mode = syscall.S_IFREG | 0o644
	out.Attr.Nlink = 1
	out.Attr.Uid = d.fsys.uid
	out.Attr.Gid = d.fsys.gid
	node := d.NewInode(ctx, &fileNode{fsys: d.fsys}, fs.StableAttr{Mode: syscall.S_IFREG})
	return node, h, fuse.FOPEN_DIRECT_IO, 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return nil, errno
	}
	child := loc.child(name)
	if _, _, errno := d.fsys.kind(child); errno == 0 {
		return nil, syscall.EEXIST
	}
	d.fsys.addDir(child)
	d.fsys.dirAttr(&out.Attr)
	return d.NewInode(ctx, &dirNode{fsys: d.fsys}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return errno
	}
	child := loc.child(name)
	children, err := d.fsys.files.Children(child.replica, child.path)
	if err != nil {
		return errnoOf(err)
	}
	if len(children) > 0 || len(d.fsys.pendingDirs(child)) > 0 {
		return syscall.ENOTEMPTY
	}
	if !d.fsys.isPendingDir(child) {
		return syscall.ENOENT
	}
	d.fsys.removeDir(child)
	return 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	loc, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return errno
	}
	child := loc.child(name)
	if _, err := d.fsys.files.DeleteFile(ctx, child.replica, child.path); err != nil {
		d.fsys.logger.Debug("Unlink failed", zap.String("path", child.path), zap.Error(err))
		return errnoOf(err)
	}
	return 0
}

// Rename moves a file or a whole directory, across replicas when the
// target lies in another one.
func (d *dirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	from, errno := d.fsys.locate(d.EmbeddedInode())
	if errno != 0 {
		return errno
	}
	to, errno := d.fsys.locate(newParent.EmbeddedInode())
	if errno != 0 {
		return errno
	}
	src, dst := from.child(name), to.child(newName)

	_, isDir, errno := d.fsys.kind(src)
	if errno != 0 {
		return errno
	}
	if !isDir {
		if _, err := d.fsys.files.MoveFile(ctx, src.replica, src.path, dst.replica, dst.path); err != nil {
			return errnoOf(err)
		}
		return 0
	}
	if _, err := d.fsys.files.MoveDirectory(ctx, src.replica, src.path, dst.replica, dst.path); err != nil {
		return errnoOf(err)
	}
	if d.fsys.isPendingDir(src) {
		d.fsys.removeDir(src)
		d.fsys.addDir(dst)
	}
	return 0
}

func (d *dirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return statfs(d.fsys, out)
}
