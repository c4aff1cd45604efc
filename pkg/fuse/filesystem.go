// Package fuse presents held replicas as a mounted filesystem. Directories
// are implied by file paths; a directory made with mkdir exists only until
// the mount ends unless a file is written beneath it.
package fuse

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"meshfs/pkg/fserr"
	"meshfs/pkg/replica"
	"meshfs/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Files is the file API the mount is served from.
type Files interface {
	ListReplicas() []replica.Info
	Entry(id types.ReplicaID, path string) (*replica.Entry, error)
	Children(id types.ReplicaID, dir string) ([]replica.Child, error)
	ReadFile(ctx context.Context, id types.ReplicaID, path string) ([]byte, error)
	ReadAt(ctx context.Context, id types.ReplicaID, path string, off, length int64) ([]byte, error)
	WriteFile(ctx context.Context, id types.ReplicaID, path string, data []byte) (*replica.Entry, error)
	DeleteFile(ctx context.Context, id types.ReplicaID, path string) (*replica.Entry, error)
	MoveFile(ctx context.Context, from types.ReplicaID, fromPath string, to types.ReplicaID, toPath string) (*replica.Entry, error)
	MoveDirectory(ctx context.Context, from types.ReplicaID, fromPrefix string, to types.ReplicaID, toPrefix string) (int, error)
	TotalSize() int64
}

// Options configures a mount.
type Options struct {
	// Replica, when set, is mounted at the root. Otherwise the root lists
	// every held replica as a directory named by its id.
	Replica    types.ReplicaID
	AllowOther bool
	Debug      bool
	// Timeout is how long the kernel may cache attributes and lookups.
	Timeout time.Duration
	Logger  *zap.Logger
}

// FS is the state shared by every inode of one mount.
type FS struct {
	files   Files
	single  types.ReplicaID
	logger  *zap.Logger
	timeout time.Duration
	uid     uint32
	gid     uint32

	mu   sync.Mutex
	dirs map[location]struct{}
}

// New builds the filesystem without mounting it.
func New(files Files, opts Options) *FS {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	return &FS{
		files:   files,
		single:  opts.Replica,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		dirs:    make(map[location]struct{}),
	}
}

// Mount serves files at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, files Files, opts Options) (*fuse.Server, error) {
	fsys := New(files, opts)
	server, err := fs.Mount(mountpoint, fsys.Root(), &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     "meshfs",
			Name:       "meshfs",
		},
		EntryTimeout: &fsys.timeout,
		AttrTimeout:  &fsys.timeout,
		UID:          fsys.uid,
		GID:          fsys.gid,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}
	fsys.logger.Info("Filesystem mounted", zap.String("mountpoint", mountpoint))
	return server, nil
}

// Root returns the inode served at the mountpoint.
func (f *FS) Root() fs.InodeEmbedder {
	if f.single.IsZero() {
		return &rootNode{fsys: f}
	}
	return &dirNode{fsys: f}
}

// location is a path inside one replica.
type location struct {
	replica types.ReplicaID
	path    string
}

func (l location) child(name string) location {
	return location{replica: l.replica, path: replica.Rebase("/"+name, "/", l.path)}
}

// resolve maps a mount-relative path onto a replica location. ok is false
// for the root of a multi-replica mount.
func (f *FS) resolve(rel string) (location, bool, error) {
	rel = strings.Trim(rel, "/")
	if !f.single.IsZero() {
		return location{replica: f.single, path: replica.NormalizePrefix(rel)}, true, nil
	}
	if rel == "" {
		return location{}, false, nil
	}
	head, rest, _ := strings.Cut(rel, "/")
	id, err := types.ParseReplicaID(head)
	if err != nil {
		return location{}, false, err
	}
	return location{replica: id, path: replica.NormalizePrefix(rest)}, true, nil
}

func (f *FS) locate(n *fs.Inode) (location, syscall.Errno) {
	loc, ok, err := f.resolve(n.Path(nil))
	if err != nil || !ok {
		return location{}, syscall.ENOENT
	}
	return loc, 0
}

func (f *FS) addDir(l location) {
	f.mu.Lock()
	f.dirs[l] = struct{}{}
	f.mu.Unlock()
}

func (f *FS) removeDir(l location) {
	f.mu.Lock()
	delete(f.dirs, l)
	f.mu.Unlock()
}

// pendingDirs lists the names of mkdir'd directories directly under l.
func (f *FS) pendingDirs(l location) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for d := range f.dirs {
		if d.replica != l.replica || d.path == l.path {
			continue
		}
		rel := strings.TrimPrefix(d.path, strings.TrimSuffix(l.path, "/")+"/")
		if rel != d.path && !strings.Contains(rel, "/") {
			out = append(out, rel)
		}
	}
	return out
}

func (f *FS) isPendingDir(l location) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dirs[l]
	return ok
}

// kind reports whether l is a file, a directory or absent.
func (f *FS) kind(l location) (*replica.Entry, bool, syscall.Errno) {
	if l.path != "/" {
		e, err := f.files.Entry(l.replica, l.path)
		if err == nil {
			return e, false, 0
		}
		if !fserr.Is(err, fserr.NotFound) {
			return nil, false, errnoOf(err)
		}
	}
	if l.path == "/" || f.isPendingDir(l) {
		return nil, true, 0
	}
	children, err := f.files.Children(l.replica, l.path)
	if err != nil {
		return nil, false, errnoOf(err)
	}
	if len(children) == 0 {
		return nil, false, syscall.ENOENT
	}
	return nil, true, 0
}

func (f *FS) dirAttr(out *fuse.Attr) {
	out.Mode = syscall.S_IFDIR | 0o755
	out.Nlink = 2
	out.Uid = f.uid
	out.Gid = f.gid
}

func (f *FS) fileAttr(e *replica.Entry, out *fuse.Attr) {
	out.Mode = syscall.S_IFREG | 0o644
	out.Nlink = 1
	out.Uid = f.uid
	out.Gid = f.gid
	out.Size = uint64(e.Size)
	out.Blocks = (out.Size + 511) / 512
	t := e.Timestamp.Time()
	out.SetTimes(&t, &t, &t)
}

// errnoOf maps file API errors onto the codes the kernel understands.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch fserr.KindOf(err) {
	case fserr.NotFound:
		return syscall.ENOENT
	case fserr.Unauthorized:
		return syscall.EACCES
	case fserr.MalformedEntry:
		return syscall.EINVAL
	case fserr.Incomplete, fserr.SyncFailed, fserr.DiscoveryUnavailable:
		return syscall.EAGAIN
	}
	return syscall.EIO
}

// statfs reports the size of held content. Free space is not bounded by
// the mount, so a large constant is reported.
func statfs(f *FS, out *fuse.StatfsOut) syscall.Errno {
	const (
		blockSize   = 4096
		totalBlocks = 1 << 30
	)
	used := uint64(f.files.TotalSize()+blockSize-1) / blockSize
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = totalBlocks
	if used > totalBlocks {
		used = totalBlocks
	}
	out.Bfree = totalBlocks - used
	out.Bavail = out.Bfree
	out.Files = 1 << 20
	out.Ffree = 1 << 20
	out.NameLen = 255
	return 0
}
