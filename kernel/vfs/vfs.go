// Package vfs implements the virtual filesystem: a registry of filesystem
// drivers, the mount list, per-filesystem vnode caches and the system-wide
// file descriptor table.
package vfs

import (
	"vexos/kernel"
	"vexos/kernel/kfmt"
)

// Open flags. The access mode is a bitmask so permission checks reduce to
// mask tests.
const (
	O_RDONLY = 0x1
	O_WRONLY = 0x2
	O_RDWR   = O_RDONLY | O_WRONLY
	O_CREAT  = 0x40
	O_TRUNC  = 0x200
	O_APPEND = 0x400
)

// Seek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Process is the slice of the process manager the VFS needs: ownership of
// the per-process fd table mapping local fds to system-wide fd indices.
type Process interface {
	// ID returns the pid.
	ID() uint32

	// NewFD stores a system-wide fd index in a free local slot and
	// returns the local fd.
	NewFD(sysIdx int) (int, *kernel.Error)

	// FreeFD releases a local fd and returns the system-wide index it
	// held.
	FreeFD(fd int) (int, bool)

	// SysFDIndex returns the system-wide index a local fd maps to.
	SysFDIndex(fd int) (int, bool)
}

// FileDescriptor is one entry of the system-wide open file table.
// Processes reference entries by index, never by pointer, so the table is
// free to grow in place.
type FileDescriptor struct {
	// FD is the local descriptor number inside the owning process.
	FD int

	// PID owns the descriptor.
	PID uint32

	// Off is the file offset.
	Off int64

	// Flags are the open flags.
	Flags uint32

	// Vnode is the open object; nil marks a free slot.
	Vnode *VirtualNode
}

var (
	sysFDs      []FileDescriptor
	filesystems *FileSystem

	errNotAbsolute  = &kernel.Error{Module: "vfs", Message: "path must be absolute", Errno: kernel.EINVAL}
	errBadArg       = &kernel.Error{Module: "vfs", Message: "bad argument", Errno: kernel.EINVAL}
	errNoFilesystem = &kernel.Error{Module: "vfs", Message: "no filesystem covers that path", Errno: kernel.ENOENT}
	errMountFailed  = &kernel.Error{Module: "vfs", Message: "no driver accepted the mount", Errno: kernel.ENODEV}
	errMountMissing = &kernel.Error{Module: "vfs", Message: "nothing mounted there", Errno: kernel.ENOENT}
	errBadFD        = &kernel.Error{Module: "vfs", Message: "file descriptor is not open", Errno: kernel.ENOENT}
	errNoReadPerm   = &kernel.Error{Module: "vfs", Message: "descriptor is not open for reading", Errno: kernel.EPERM}
	errNoWritePerm  = &kernel.Error{Module: "vfs", Message: "descriptor is not open for writing", Errno: kernel.EPERM}
	errBadWhence    = &kernel.Error{Module: "vfs", Message: "unknown seek whence", Errno: kernel.EINVAL}
	errRWTruncate   = &kernel.Error{Module: "vfs", Message: "O_RDWR|O_TRUNC is not implemented", Errno: kernel.EINVAL}
	errNoIoctl      = &kernel.Error{Module: "vfs", Message: "node does not implement device controls", Errno: kernel.ENOSYS}
)

// newSysFD returns the index of a free system-wide descriptor slot, growing
// the table when every slot is live.
func newSysFD() int {
	for i := range sysFDs {
		if sysFDs[i].Vnode == nil {
			return i
		}
	}

	sysFDs = append(sysFDs, FileDescriptor{})
	return len(sysFDs) - 1
}

// freeSysFD zeroes a system-wide slot. Slots are never shifted or removed,
// since process fd tables index into this table; newSysFD hands a zeroed
// slot out again.
func freeSysFD(idx int) {
	sysFDs[idx] = FileDescriptor{}
}

// SysFD exposes a system-wide descriptor entry; the syscall layer and tests
// use it.
func SysFD(idx int) *FileDescriptor {
	if idx < 0 || idx >= len(sysFDs) {
		return nil
	}
	return &sysFDs[idx]
}

func sysFDFor(fd int, proc Process) *FileDescriptor {
	idx, ok := proc.SysFDIndex(fd)
	if !ok || idx >= len(sysFDs) || sysFDs[idx].Vnode == nil {
		return nil
	}
	return &sysFDs[idx]
}

// TopmostFSForPath returns the filesystem that owns a path: the mount whose
// mountpoint is the longest prefix of the path. Equal-length prefixes are
// won by the latest mount, which is what makes shadowing work.
func TopmostFSForPath(path string) *FileSystem {
	var (
		hit    *FileSystem
		hitLen = -1
	)

	for fs := filesystems; fs != nil; fs = fs.next {
		mp := fs.MntPoint
		if len(mp) > len(path) || path[:len(mp)] != mp {
			continue
		}

		// Reject prefix matches that split a path component, e.g.
		// /ram matching /ramfs/x.
		if mp != "/" && len(path) > len(mp) && path[len(mp)] != '/' {
			continue
		}

		// >= keeps the most recently mounted filesystem on ties; the
		// list is in mount order.
		if len(mp) >= hitLen {
			hit = fs
			hitLen = len(mp)
		}
	}

	return hit
}

// findFSBySrcOrDest resolves a mounted filesystem by its source or its
// mountpoint.
func findFSBySrcOrDest(srcOrDest string) *FileSystem {
	for fs := filesystems; fs != nil; fs = fs.next {
		if fs.MntSrc == srcOrDest || fs.MntPoint == srcOrDest {
			return fs
		}
	}
	return nil
}

// Mount mounts src at dest. Drivers are probed in registration order:
// disk-backed drivers validate the source themselves, ram-backed drivers
// only match an explicit fstype. The first driver whose Init succeeds wins.
func Mount(src, dest, fstype, args string, flags uint32) *kernel.Error {
	if dest == "" || dest[0] != '/' {
		return errNotAbsolute
	}

	fs := &FileSystem{MntSrc: src, MntPoint: dest, Args: args, Flags: flags}

	err := errMountFailed
	for _, driver := range fsDrivers {
		if fstype == "" && !driver.GenericProbe {
			continue
		}
		if fstype != "" && fstype != driver.Name {
			continue
		}

		fs.Driver = driver
		fs.DriverCtx = nil
		fs.vnodes = nil

		if err = driver.Init(src, fstype, args, fs); err == nil {
			break
		}
	}

	if err != nil {
		return err
	}

	// Append at the tail so the list stays in mount order.
	if filesystems == nil {
		filesystems = fs
	} else {
		cur := filesystems
		for cur.next != nil {
			cur = cur.next
		}
		cur.next = fs
	}

	kfmt.Printf("[vfs] %s on %s (%s)\n", fs.MntSrc, fs.MntPoint, fs.Driver.Name)
	return nil
}

// Unmount removes a mounted filesystem identified by its source or its
// mountpoint.
func Unmount(srcOrDest string) *kernel.Error {
	fs := findFSBySrcOrDest(srcOrDest)
	if fs == nil {
		return errMountMissing
	}

	if fs.Driver.Destroy != nil {
		fs.Driver.Destroy(fs)
	}

	for cur := &filesystems; *cur != nil; cur = &(*cur).next {
		if *cur == fs {
			*cur = fs.next
			fs.next = nil
			break
		}
	}

	return nil
}

// Open resolves path on its topmost filesystem and returns a local file
// descriptor for proc. With O_CREAT a missing file is created through the
// owning driver first.
func Open(path string, flags uint32, mode uint32, proc Process) (int, *kernel.Error) {
	if path == "" || path[0] != '/' || proc == nil {
		return -1, errNotAbsolute
	}

	if flags&O_RDWR == O_RDWR && flags&O_TRUNC != 0 {
		return -1, errRWTruncate
	}

	fs := TopmostFSForPath(path)
	if fs == nil {
		return -1, errNoFilesystem
	}

	vnode, err := fs.LookupVnode(path)
	if err != nil {
		if flags&O_CREAT == 0 {
			return -1, err
		}

		if vnode, err = createFile(path, mode, fs); err != nil {
			return -1, err
		}
	}

	sysIdx := newSysFD()

	localFD, err := proc.NewFD(sysIdx)
	if err != nil {
		freeSysFD(sysIdx)
		return -1, err
	}

	sysFDs[sysIdx] = FileDescriptor{
		FD:    localFD,
		PID:   proc.ID(),
		Off:   0,
		Flags: flags,
		Vnode: vnode,
	}

	return localFD, nil
}

// createFile asks the owning driver to create path's basename under its
// parent directory, then resolves the fresh node.
func createFile(path string, mode uint32, fs *FileSystem) (*VirtualNode, *kernel.Error) {
	if fs.Driver.MkFile == nil {
		return nil, errVnodeNotFound
	}

	dirEnd := 0
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			dirEnd = i
			break
		}
	}

	dirPath := path[:dirEnd]
	if dirPath == "" {
		dirPath = "/"
	}

	dir, err := fs.LookupVnode(dirPath)
	if err != nil {
		return nil, err
	}

	if _, err = fs.Driver.MkFile(dir, path[dirEnd+1:], mode, 0, 0, fs); err != nil {
		return nil, err
	}

	return fs.LookupVnode(path)
}

// Read reads from an open descriptor, enforcing the read permission and
// advancing the offset by the number of bytes the driver produced.
func Read(fd int, buf []byte, proc Process) (int, *kernel.Error) {
	if proc == nil || len(buf) == 0 {
		return 0, errBadArg
	}

	sysfd := sysFDFor(fd, proc)
	if sysfd == nil {
		return 0, errBadFD
	}

	if sysfd.Flags&O_RDONLY == 0 {
		return 0, errNoReadPerm
	}

	read, err := sysfd.Vnode.Ops.ReadNode(sysfd.Vnode, buf, sysfd.Off)
	if err != nil {
		return 0, err
	}

	sysfd.Off += int64(read)
	return read, nil
}

// Write writes to an open descriptor, enforcing the write permission.
// O_APPEND descriptors reset their offset to the node size first.
func Write(fd int, buf []byte, proc Process) (int, *kernel.Error) {
	if proc == nil || len(buf) == 0 {
		return 0, errBadArg
	}

	sysfd := sysFDFor(fd, proc)
	if sysfd == nil {
		return 0, errBadFD
	}

	if sysfd.Flags&O_WRONLY == 0 {
		return 0, errNoWritePerm
	}

	if sysfd.Flags&O_APPEND != 0 {
		sysfd.Off = sysfd.Vnode.Size
	}

	written, err := sysfd.Vnode.Ops.WriteNode(sysfd.Vnode, buf, sysfd.Off)
	if err != nil {
		return 0, err
	}

	sysfd.Off += int64(written)
	return written, nil
}

// Lseek repositions an open descriptor's offset. No bounds are enforced
// beyond what the driver applies at I/O time.
func Lseek(fd int, off int64, whence int, proc Process) (int64, *kernel.Error) {
	if proc == nil {
		return -1, errBadArg
	}

	sysfd := sysFDFor(fd, proc)
	if sysfd == nil {
		return -1, errBadFD
	}

	switch whence {
	case SEEK_SET:
		sysfd.Off = off
	case SEEK_CUR:
		sysfd.Off += off
	case SEEK_END:
		sysfd.Off = sysfd.Vnode.Size + off
	default:
		return -1, errBadWhence
	}

	return sysfd.Off, nil
}

// IoctlOps is implemented by node operation sets that understand device
// controls; regular file nodes do not.
type IoctlOps interface {
	IoctlNode(v *VirtualNode, req uint32, arg uintptr) (int, *kernel.Error)
}

// Ioctl issues a device control request on an open descriptor. Nodes whose
// operation set does not implement IoctlOps reject the request.
func Ioctl(fd int, req uint32, arg uintptr, proc Process) (int, *kernel.Error) {
	if proc == nil {
		return -1, errBadArg
	}

	sysfd := sysFDFor(fd, proc)
	if sysfd == nil {
		return -1, errBadFD
	}

	ops, ok := sysfd.Vnode.Ops.(IoctlOps)
	if !ok {
		return -1, errNoIoctl
	}

	return ops.IoctlNode(sysfd.Vnode, req, arg)
}

// Close releases a local descriptor and zeroes the system-wide slot it
// mapped to. The slot index stays valid for reuse; nothing shifts.
func Close(fd int, proc Process) *kernel.Error {
	if proc == nil {
		return errBadArg
	}

	idx, ok := proc.FreeFD(fd)
	if !ok || idx >= len(sysFDs) {
		return errBadFD
	}

	freeSysFD(idx)
	return nil
}
