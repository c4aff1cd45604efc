package fuse

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeWriter    = (*fileNode)(nil)
	_ fs.NodeFlusher   = (*fileNode)(nil)
	_ fs.NodeFsyncer   = (*fileNode)(nil)
	_ fs.NodeReleaser  = (*fileNode)(nil)
)

// fileNode is one replica path holding content.
type fileNode struct {
	fs.Inode
	fsys *FS
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.SetTimeout(f.fsys.timeout)
	if h, ok := fh.(*handle); ok && h.pending() {
		out.Attr.Mode = syscall.S_IFREG | 0o644
		out.Attr.Nlink = 1
		out.Attr.Uid = f.fsys.uid
		out.Attr.Gid = f.fsys.gid
		out.Attr.Size = uint64(h.size())
		return 0
	}
	loc, errno := f.fsys.locate(f.EmbeddedInode())
	if errno != 0 {
		return errno
	}
	e, err := f.fsys.files.Entry(loc.replica, loc.path)
	if err != nil {
		return errnoOf(err)
	}
	f.fsys.fileAttr(e, &out.Attr)
	return 0
}

// Setattr supports truncation. Ownership and mode are fixed by the mount.
func (f *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		h, owned := fh.(*handle)
		if !owned {
			loc, errno := f.fsys.locate(f.EmbeddedInode())
			if errno != 0 {
				return errno
			}
			var err error
			if h, err = openHandle(ctx, f.fsys, loc, size == 0); err != nil {
				return errnoOf(err)
			}
		}
		h.truncate(int64(size))
		if !owned {
			if err := h.flush(ctx); err != nil {
				return errnoOf(err)
			}
		}
	}
	return f.Getattr(ctx, fh, out)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	loc, errno := f.fsys.locate(f.EmbeddedInode())
	if errno != 0 {
		return nil, 0, errno
	}
	if flags&syscall.O_ACCMODE == syscall.O_RDONLY {
		return nil, fuse.FOPEN_KEEP_CACHE, 0
	}
	h, err := openHandle(ctx, f.fsys, loc, flags&syscall.O_TRUNC != 0)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	return h, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if h, ok := fh.(*handle); ok {
		return fuse.ReadResultData(h.readAt(dest, off)), 0
	}
	loc, errno := f.fsys.locate(f.EmbeddedInode())
	if errno != 0 {
		return nil, errno
	}
	data, err := f.fsys.files.ReadAt(ctx, loc.replica, loc.path, off, int64(len(dest)))
	if err != nil {
		f.fsys.logger.Debug("Read failed", zap.String("path", loc.path), zap.Error(err))
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(data), 0
}

func (f *fileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*handle)
	if !ok {
		return 0, syscall.EBADF
	}
	return h.writeAt(data, off), 0
}

func (f *fileNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	if h, ok := fh.(*handle); ok {
		return errnoOf(h.flush(ctx))
	}
	return 0
}

func (f *fileNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	return f.Flush(ctx, fh)
}

func (f *fileNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	if h, ok := fh.(*handle); ok {
		return errnoOf(h.flush(context.Background()))
	}
	return 0
}

// handle buffers a writable open of a file. The whole file is recorded as
// one new entry when the handle is flushed.
type handle struct {
	fsys *FS
	loc  location

	mu    sync.Mutex
	data  []byte
	dirty bool
}

func newHandle(fsys *FS, loc location, data []byte) *handle {
	return &handle{fsys: fsys, loc: loc, data: data}
}

// openHandle loads the current content unless the open truncates.
func openHandle(ctx context.Context, fsys *FS, loc location, truncate bool) (*handle, error) {
	if truncate {
		h := newHandle(fsys, loc, nil)
		h.dirty = true
		return h, nil
	}
	data, err := fsys.files.ReadFile(ctx, loc.replica, loc.path)
	if err != nil {
		return nil, err
	}
	return newHandle(fsys, loc, data), nil
}

func (h *handle) pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

func (h *handle) size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

func (h *handle) readAt(dest []byte, off int64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off >= int64(len(h.data)) {
		return nil
	}
	n := copy(dest, h.data[off:])
	return dest[:n]
}

func (h *handle) writeAt(p []byte, off int64) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[off:], p)
	h.dirty = true
	return uint32(len(p))
}

func (h *handle) truncate(size int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case size < int64(len(h.data)):
		h.data = h.data[:size]
	case size > int64(len(h.data)):
		grown := make([]byte, size)
		copy(grown, h.data)
		h.data = grown
	}
	h.dirty = true
}

func (h *handle) flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	if _, err := h.fsys.files.WriteFile(ctx, h.loc.replica, h.loc.path, h.data); err != nil {
		h.fsys.logger.Warn("Write failed", zap.String("path", h.loc.path), zap.Error(err))
		return err
	}
	h.dirty = false
	return nil
}
