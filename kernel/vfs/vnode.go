package vfs

import "vexos/kernel"

// File type bits carried in VirtualNode.Mode, POSIX style.
const (
	ModeFile = 0100000
	ModeDir  = 0040000
)

// Vnode state flags.
const (
	// VnodeWillFree marks a node that was removed while still referenced
	// by open file descriptors.
	VnodeWillFree = 1 << 0
)

// NodeOps is implemented by filesystem drivers to move bytes in and out of
// the objects their vnodes describe. Device-special vnodes may carry ops
// that differ from their driver's default set.
type NodeOps interface {
	// ReadNode reads up to len(buf) bytes starting at off.
	ReadNode(v *VirtualNode, buf []byte, off int64) (int, *kernel.Error)

	// WriteNode writes len(buf) bytes starting at off.
	WriteNode(v *VirtualNode, buf []byte, off int64) (int, *kernel.Error)
}

// VirtualNode is the cached representation of one filesystem object.
// Vnode pointers are held by file descriptors for as long as a file stays
// open, which is why each filesystem caches them on a linked list: the
// cache can grow without any node ever changing address.
type VirtualNode struct {
	// Name is the path component naming this node; the root is "/".
	Name string

	// Ino is a driver-chosen number unique within the owning filesystem.
	Ino uint32

	// Size of the object in bytes.
	Size int64

	// Mode, UID and GID carry the POSIX access metadata.
	Mode uint32
	UID  uint32
	GID  uint32

	// State holds the Vnode* state flags.
	State uint16

	// Parent is the directory this node lives in; nil only for the
	// filesystem root. The cache keeps the parent alive, no reference
	// counting is involved.
	Parent *VirtualNode

	// Owner is the filesystem backing this vnode. Always set.
	Owner *FileSystem

	// Ops performs I/O on this node.
	Ops NodeOps

	next *VirtualNode
}
