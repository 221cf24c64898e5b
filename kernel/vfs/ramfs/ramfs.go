// Package ramfs implements the memory-backed filesystem driver. File
// contents live in the kernel heap; the driver is matched only by an
// explicit type=ramfs mount.
package ramfs

import (
	"vexos/kernel"
	"vexos/kernel/vfs"
)

const rootIno = 1

var (
	errWrongType = &kernel.Error{Module: "ramfs", Message: "mount type is not ramfs", Errno: kernel.EINVAL}
	errBadFS     = &kernel.Error{Module: "ramfs", Message: "filesystem has no ramfs context", Errno: kernel.EINVAL}
	errNoFile    = &kernel.Error{Module: "ramfs", Message: "no backing data for inode", Errno: kernel.ENOENT}
)

// metadata is the per-mount driver context.
type metadata struct {
	files   map[uint32][]byte
	nextIno uint32
}

// nodeOps performs I/O against the in-memory file contents.
type nodeOps struct{}

func (nodeOps) ReadNode(v *vfs.VirtualNode, buf []byte, off int64) (int, *kernel.Error) {
	meta, ok := v.Owner.DriverCtx.(*metadata)
	if !ok {
		return 0, errBadFS
	}

	data, ok := meta.files[v.Ino]
	if !ok {
		return 0, errNoFile
	}

	if off >= int64(len(data)) {
		return 0, nil
	}

	return copy(buf, data[off:]), nil
}

func (nodeOps) WriteNode(v *vfs.VirtualNode, buf []byte, off int64) (int, *kernel.Error) {
	meta, ok := v.Owner.DriverCtx.(*metadata)
	if !ok {
		return 0, errBadFS
	}

	data, ok := meta.files[v.Ino]
	if !ok {
		return 0, errNoFile
	}

	if need := off + int64(len(buf)); need > int64(len(data)) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}

	copy(data[off:], buf)
	meta.files[v.Ino] = data
	v.Size = int64(len(data))

	return len(buf), nil
}

func fsInit(src, fstype, args string, fs *vfs.FileSystem) *kernel.Error {
	if fstype != "ramfs" {
		return errWrongType
	}

	fs.DriverCtx = &metadata{
		files:   make(map[uint32][]byte),
		nextIno: rootIno + 1,
	}

	root := fs.NewVnodeCache("/")
	root.Ino = rootIno
	root.Mode = vfs.ModeDir | 0755

	return nil
}

func fsDestroy(fs *vfs.FileSystem) {
	fs.DriverCtx = nil
}

func mkFile(dir *vfs.VirtualNode, name string, mode, uid, gid uint32, fs *vfs.FileSystem) (uint32, *kernel.Error) {
	meta, ok := fs.DriverCtx.(*metadata)
	if !ok {
		return 0, errBadFS
	}

	ino := meta.nextIno
	meta.nextIno++
	meta.files[ino] = nil

	vnode := fs.NewVnodeCache(name)
	vnode.Ino = ino
	vnode.Mode = vfs.ModeFile | mode
	vnode.UID = uid
	vnode.GID = gid
	vnode.Parent = dir

	return ino, nil
}

func rmNode(vnode *vfs.VirtualNode) *kernel.Error {
	meta, ok := vnode.Owner.DriverCtx.(*metadata)
	if !ok {
		return errBadFS
	}

	delete(meta.files, vnode.Ino)
	return vnode.Owner.FreeCachedVnode(vnode)
}

// Driver returns the ramfs filesystem driver for registration with the
// VFS.
func Driver() *vfs.FileSystemDriver {
	return &vfs.FileSystemDriver{
		Name:    "ramfs",
		Init:    fsInit,
		Destroy: fsDestroy,
		MkFile:  mkFile,
		RmNode:  rmNode,
		NodeOps: nodeOps{},
	}
}
