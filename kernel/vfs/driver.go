package vfs

import "vexos/kernel"

// FileSystemDriver is registered by filesystem driver packages. Mount
// requests walk the registry probing each eligible driver until one
// validates the source.
type FileSystemDriver struct {
	// Name identifies the driver ("ramfs", "fat", ...).
	Name string

	// GenericProbe marks disk-backed drivers that can recognize their
	// on-disk format: mounts without an explicit type probe these in
	// registration order. Ram-backed drivers leave it false and are only
	// selected by an explicit type match.
	GenericProbe bool

	// Init validates the mount source and builds the initial vnode
	// cache, setting fs.DriverCtx as needed.
	Init func(src, fstype, args string, fs *FileSystem) *kernel.Error

	// Destroy tears the driver context down right before unmount.
	Destroy func(fs *FileSystem)

	// MkFile creates a file under the given directory node and returns
	// its inode number.
	MkFile func(dir *VirtualNode, name string, mode, uid, gid uint32, fs *FileSystem) (uint32, *kernel.Error)

	// RmNode removes a node.
	RmNode func(vnode *VirtualNode) *kernel.Error

	// Lookup lets drivers that fill their cache lazily resolve a
	// mount-relative path on a cache miss. Optional.
	Lookup func(relPath string, fs *FileSystem) *VirtualNode

	// NodeOps is the default I/O operation set installed on this
	// driver's vnodes.
	NodeOps NodeOps
}

var (
	fsDrivers []*FileSystemDriver

	errDriverExists  = &kernel.Error{Module: "vfs", Message: "a filesystem driver with the same name is registered", Errno: kernel.EEXIST}
	errDriverUnknown = &kernel.Error{Module: "vfs", Message: "filesystem driver is not registered", Errno: kernel.ENOENT}
	errDriverBusy    = &kernel.Error{Module: "vfs", Message: "filesystem driver is still mounted", Errno: kernel.EBUSY}
)

// RegisterFSDriver adds a filesystem driver to the registry.
func RegisterFSDriver(driver *FileSystemDriver) *kernel.Error {
	for _, drv := range fsDrivers {
		if drv.Name == driver.Name {
			return errDriverExists
		}
	}

	fsDrivers = append(fsDrivers, driver)
	return nil
}

// UnregisterFSDriver removes a filesystem driver. Drivers backing a live
// mount are busy and stay registered.
func UnregisterFSDriver(driver *FileSystemDriver) *kernel.Error {
	for fs := filesystems; fs != nil; fs = fs.next {
		if fs.Driver == driver {
			return errDriverBusy
		}
	}

	for i, drv := range fsDrivers {
		if drv == driver {
			fsDrivers = append(fsDrivers[:i], fsDrivers[i+1:]...)
			return nil
		}
	}

	return errDriverUnknown
}
