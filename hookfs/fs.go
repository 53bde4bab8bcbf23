//
// Copyright 2020-2021 Toda Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

//go:build linux
// +build linux

package hookfs

import (
	"context"
	"os"
	"path"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"golang.org/x/sys/unix"
)

//
// All backing I/O is performed relative to the root directory fd captured
// before the FUSE mount covers the backing path. Path-based syscalls would
// re-enter our own mount once the interposition is in place; fd-relative
// ones keep resolving against the underlay.
//

// hookFS is the bazil FS implementation: a passthrough over the backing
// directory with the fault policy applied on every operation.
type hookFS struct {
	rootFd int
	faults *Faults
}

func (h *hookFS) Root() (fs.Node, error) {
	return &Dir{fsys: h, rel: ""}, nil
}

// at converts a node-relative name to an openat-style path operand. The
// empty relative path designates the root itself.
func at(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}

func attrFromStat(st *unix.Stat_t, a *fuse.Attr) {

	a.Valid = time.Second
	a.Inode = st.Ino
	a.Size = uint64(st.Size)
	a.Blocks = uint64(st.Blocks)
	a.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	a.Mtime = time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	a.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	a.Mode = fileModeFromUnix(st.Mode)
	a.Nlink = uint32(st.Nlink)
	a.Uid = st.Uid
	a.Gid = st.Gid
}

func fileModeFromUnix(mode uint32) os.FileMode {

	fm := os.FileMode(mode & 0777)

	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	case unix.S_IFCHR:
		fm |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		fm |= os.ModeDevice
	case unix.S_IFIFO:
		fm |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		fm |= os.ModeSocket
	}

	if mode&unix.S_ISUID != 0 {
		fm |= os.ModeSetuid
	}
	if mode&unix.S_ISGID != 0 {
		fm |= os.ModeSetgid
	}
	if mode&unix.S_ISVTX != 0 {
		fm |= os.ModeSticky
	}

	return fm
}

//
// Dir node.
//
type Dir struct {
	fsys *hookFS
	rel  string
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)

func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {

	var st unix.Stat_t
	if err := unix.Fstatat(d.fsys.rootFd, at(d.rel), &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errnoFromErr(err)
	}

	attrFromStat(&st, a)

	return nil
}

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {

	rel := path.Join(d.rel, name)

	if err := d.fsys.faults.apply("lookup", rel); err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Fstatat(d.fsys.rootFd, rel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, errnoFromErr(err)
	}

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return &Dir{fsys: d.fsys, rel: rel}, nil
	}

	return &File{fsys: d.fsys, rel: rel}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {

	if err := d.fsys.faults.apply("readdir", d.rel); err != nil {
		return nil, err
	}

	fd, err := unix.Openat(d.fsys.rootFd, at(d.rel),
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errnoFromErr(err)
	}

	// Readdirnames only issues getdents on the fd; it never touches paths,
	// which matters once the mount covers the backing directory.
	dir := os.NewFile(uintptr(fd), d.rel)
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, errnoFromErr(err)
	}

	var entries []fuse.Dirent

	for _, name := range names {
		entry := fuse.Dirent{Name: name}

		var st unix.Stat_t
		if err := unix.Fstatat(d.fsys.rootFd, path.Join(d.rel, name), &st,
			unix.AT_SYMLINK_NOFOLLOW); err == nil {

			entry.Inode = st.Ino

			switch st.Mode & unix.S_IFMT {
			case unix.S_IFDIR:
				entry.Type = fuse.DT_Dir
			case unix.S_IFLNK:
				entry.Type = fuse.DT_Link
			case unix.S_IFSOCK:
				entry.Type = fuse.DT_Socket
			case unix.S_IFIFO:
				entry.Type = fuse.DT_FIFO
			case unix.S_IFCHR:
				entry.Type = fuse.DT_Char
			case unix.S_IFBLK:
				entry.Type = fuse.DT_Block
			default:
				entry.Type = fuse.DT_File
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {

	rel := path.Join(d.rel, req.Name)

	if err := d.fsys.faults.apply("create", rel); err != nil {
		return nil, nil, err
	}

	fd, err := unix.Openat(d.fsys.rootFd, rel,
		int(req.Flags)|unix.O_CREAT|unix.O_CLOEXEC, uint32(req.Mode.Perm()))
	if err != nil {
		return nil, nil, errnoFromErr(err)
	}

	d.fsys.faults.stats.open()

	file := &File{fsys: d.fsys, rel: rel}

	return file, &fileHandle{fsys: d.fsys, rel: rel, fd: fd}, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {

	rel := path.Join(d.rel, req.Name)

	if err := d.fsys.faults.apply("mkdir", rel); err != nil {
		return nil, err
	}

	if err := unix.Mkdirat(d.fsys.rootFd, rel, uint32(req.Mode.Perm())); err != nil {
		return nil, errnoFromErr(err)
	}

	return &Dir{fsys: d.fsys, rel: rel}, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {

	rel := path.Join(d.rel, req.Name)

	if err := d.fsys.faults.apply("remove", rel); err != nil {
		return err
	}

	var flags int
	if req.Dir {
		flags = unix.AT_REMOVEDIR
	}

	if err := unix.Unlinkat(d.fsys.rootFd, rel, flags); err != nil {
		return errnoFromErr(err)
	}

	return nil
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {

	target, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(unix.EXDEV)
	}

	oldRel := path.Join(d.rel, req.OldName)
	newRel := path.Join(target.rel, req.NewName)

	if err := d.fsys.faults.apply("rename", oldRel); err != nil {
		return err
	}

	if err := unix.Renameat(d.fsys.rootFd, oldRel, d.fsys.rootFd, newRel); err != nil {
		return errnoFromErr(err)
	}

	return nil
}

//
// File node.
//
type File struct {
	fsys *hookFS
	rel  string
}

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)

func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {

	var st unix.Stat_t
	if err := unix.Fstatat(f.fsys.rootFd, f.rel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return errnoFromErr(err)
	}

	attrFromStat(&st, a)

	return nil
}

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {

	if err := f.fsys.faults.apply("open", f.rel); err != nil {
		return nil, err
	}

	fd, err := unix.Openat(f.fsys.rootFd, f.rel, int(req.Flags)|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errnoFromErr(err)
	}

	f.fsys.faults.stats.open()

	return &fileHandle{fsys: f.fsys, rel: f.rel, fd: fd}, nil
}

func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {

	if err := f.fsys.faults.apply("setattr", f.rel); err != nil {
		return err
	}

	if req.Valid.Size() {
		fd, err := unix.Openat(f.fsys.rootFd, f.rel, unix.O_WRONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return errnoFromErr(err)
		}
		err = unix.Ftruncate(fd, int64(req.Size))
		unix.Close(fd)
		if err != nil {
			return errnoFromErr(err)
		}
	}

	if req.Valid.Mode() {
		if err := unix.Fchmodat(f.fsys.rootFd, f.rel, uint32(req.Mode.Perm()), 0); err != nil {
			return errnoFromErr(err)
		}
	}

	if req.Valid.Mtime() || req.Valid.Atime() {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if req.Valid.Atime() {
			ts[0] = unix.NsecToTimespec(req.Atime.UnixNano())
		}
		if req.Valid.Mtime() {
			ts[1] = unix.NsecToTimespec(req.Mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(f.fsys.rootFd, f.rel, ts, 0); err != nil {
			return errnoFromErr(err)
		}
	}

	return f.Attr(ctx, &resp.Attr)
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {

	if err := f.fsys.faults.apply("fsync", f.rel); err != nil {
		return err
	}

	fd, err := unix.Openat(f.fsys.rootFd, f.rel, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errnoFromErr(err)
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		return errnoFromErr(err)
	}

	return nil
}

//
// fileHandle wraps one open backing descriptor.
//
type fileHandle struct {
	fsys *hookFS
	rel  string
	fd   int
}

var _ fs.HandleReader = (*fileHandle)(nil)
var _ fs.HandleWriter = (*fileHandle)(nil)
var _ fs.HandleFlusher = (*fileHandle)(nil)
var _ fs.HandleReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {

	if err := h.fsys.faults.apply("read", h.rel); err != nil {
		return err
	}

	buf := make([]byte, req.Size)
	n, err := unix.Pread(h.fd, buf, req.Offset)
	if err != nil {
		return errnoFromErr(err)
	}

	h.fsys.faults.stats.read(n)
	resp.Data = buf[:n]

	return nil
}

func (h *fileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {

	if err := h.fsys.faults.apply("write", h.rel); err != nil {
		return err
	}

	n, err := unix.Pwrite(h.fd, req.Data, req.Offset)
	if err != nil {
		return errnoFromErr(err)
	}

	h.fsys.faults.stats.write(n)
	resp.Size = n

	return nil
}

func (h *fileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {

	if err := h.fsys.faults.apply("flush", h.rel); err != nil {
		return err
	}

	return nil
}

func (h *fileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errnoFromErr(unix.Close(h.fd))
}
