package vfs

import "vexos/kernel"

// FileSystem is one mounted filesystem instance.
type FileSystem struct {
	// MntSrc names what was mounted (a block device id, "ramfs", ...).
	MntSrc string

	// MntPoint is where the filesystem is mounted.
	MntPoint string

	// Args holds the driver-specific mount arguments.
	Args string

	// Flags holds the mount flags.
	Flags uint32

	// Driver is the filesystem driver servicing this mount.
	Driver *FileSystemDriver

	// DriverCtx is free for the driver to store whatever it needs, such
	// as the backing block device.
	DriverCtx interface{}

	// vnodes is the cache of this filesystem's nodes.
	vnodes *VirtualNode

	next *FileSystem
}

var (
	errVnodeNotFound = &kernel.Error{Module: "vfs", Message: "no vnode for that path", Errno: kernel.ENOENT}
	errForeignPath   = &kernel.Error{Module: "vfs", Message: "path does not live on this filesystem", Errno: kernel.EINVAL}
)

// NewVnodeCache appends a zeroed vnode with the given name to the
// filesystem's cache and returns it. The node comes back with Owner set and
// the driver's default ops installed.
func (fs *FileSystem) NewVnodeCache(name string) *VirtualNode {
	vnode := &VirtualNode{Name: name, Owner: fs}
	if fs.Driver != nil {
		vnode.Ops = fs.Driver.NodeOps
	}

	// Append at the tail so the root stays first.
	if fs.vnodes == nil {
		fs.vnodes = vnode
		return vnode
	}

	cur := fs.vnodes
	for cur.next != nil {
		cur = cur.next
	}
	cur.next = vnode

	return vnode
}

// FreeCachedVnode unlinks a vnode from the cache.
func (fs *FileSystem) FreeCachedVnode(vnode *VirtualNode) *kernel.Error {
	for cur := &fs.vnodes; *cur != nil; cur = &(*cur).next {
		if *cur == vnode {
			*cur = vnode.next
			vnode.next = nil
			return nil
		}
	}

	return errVnodeNotFound
}

// Root returns the filesystem's root vnode (the unique cached node without
// a parent), or nil before the driver has built the cache.
func (fs *FileSystem) Root() *VirtualNode {
	for v := fs.vnodes; v != nil; v = v.next {
		if v.Parent == nil {
			return v
		}
	}
	return nil
}

// VisitVnodes invokes visitor for every cached vnode until the visitor
// returns false.
func (fs *FileSystem) VisitVnodes(visitor func(*VirtualNode) bool) {
	for v := fs.vnodes; v != nil; v = v.next {
		if !visitor(v) {
			return
		}
	}
}

// VnodeByIno returns the cached vnode with the given inode number.
func (fs *FileSystem) VnodeByIno(ino uint32) *VirtualNode {
	for v := fs.vnodes; v != nil; v = v.next {
		if v.Ino == ino {
			return v
		}
	}
	return nil
}

// MakePathRelative strips the mountpoint prefix from an absolute path,
// leaving a path relative to the filesystem root.
func (fs *FileSystem) MakePathRelative(path string) (string, *kernel.Error) {
	if fs.MntPoint == "/" {
		return path, nil
	}

	if len(path) < len(fs.MntPoint) || path[:len(fs.MntPoint)] != fs.MntPoint {
		return "", errForeignPath
	}

	rel := path[len(fs.MntPoint):]
	if rel == "" {
		rel = "/"
	}

	return rel, nil
}

// splitPath yields the components of a slash-separated path one at a time.
func splitPath(path string, visit func(component string) bool) {
	start := -1
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if start >= 0 && !visit(path[start:i]) {
				return
			}
			start = -1
			continue
		}
		if start < 0 {
			start = i
		}
	}
}

// lookupCached resolves a mount-relative path against the vnode cache by
// walking the name chain down from the root.
func (fs *FileSystem) lookupCached(relPath string) *VirtualNode {
	cur := fs.Root()
	if cur == nil {
		return nil
	}

	found := true
	splitPath(relPath, func(component string) bool {
		var child *VirtualNode
		for v := fs.vnodes; v != nil; v = v.next {
			if v.Parent == cur && v.Name == component {
				child = v
				break
			}
		}

		if child == nil {
			found = false
			return false
		}

		cur = child
		return true
	})

	if !found {
		return nil
	}

	return cur
}

// LookupVnode resolves an absolute path to a vnode on this filesystem. The
// cache is consulted first; on a miss the driver's Lookup hook (when
// present) gets a chance to fault the node in.
func (fs *FileSystem) LookupVnode(path string) (*VirtualNode, *kernel.Error) {
	relPath, err := fs.MakePathRelative(path)
	if err != nil {
		return nil, err
	}

	if vnode := fs.lookupCached(relPath); vnode != nil {
		return vnode, nil
	}

	if fs.Driver != nil && fs.Driver.Lookup != nil {
		if vnode := fs.Driver.Lookup(relPath, fs); vnode != nil {
			return vnode, nil
		}
	}

	return nil, errVnodeNotFound
}
