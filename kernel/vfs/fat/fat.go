// Package fat implements a read-only FAT32 filesystem driver on top of the
// block-device layer. It registers with a generic probe: mounting a block
// device without an explicit type gives this driver a chance to recognize
// its boot sector. FAT12/16 volumes are rejected.
package fat

import (
	"encoding/binary"

	"vexos/kernel"
	"vexos/kernel/vfs"

	"vexos/device/blk"
)

const (
	bootSigOffset = 510
	bootSig       = 0xaa55

	dirEntrySize = 32

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrLFN      = 0x0f

	// Cluster numbers at or above this end a chain.
	endOfChain = 0x0ffffff8
)

var (
	errNoDevice   = &kernel.Error{Module: "fat", Message: "mount source is not a mountable block device", Errno: kernel.ENODEV}
	errNotFAT32   = &kernel.Error{Module: "fat", Message: "no FAT32 volume on this device", Errno: kernel.EINVAL}
	errBadFS      = &kernel.Error{Module: "fat", Message: "filesystem has no FAT context", Errno: kernel.EINVAL}
	errReadOnly   = &kernel.Error{Module: "fat", Message: "the FAT driver is read-only", Errno: kernel.EPERM}
	errIOFailed   = &kernel.Error{Module: "fat", Message: "backing device read failed", Errno: kernel.EIO}
	errBadCluster = &kernel.Error{Module: "fat", Message: "cluster chain escapes the volume", Errno: kernel.EIO}
)

// fat32Ctx is the per-mount driver context distilled from the BPB.
type fat32Ctx struct {
	dev *blk.MountableBlockDevice

	sectorSize     uint32
	secPerCluster  uint32
	reservedSecs   uint32
	fatCount       uint32
	secPerFAT      uint32
	rootCluster    uint32
	firstDataSec   uint32
	clusterCount   uint32

	// enumerated tracks the directory clusters whose entries are already
	// in the vnode cache.
	enumerated map[uint32]bool
}

func ctxOf(fs *vfs.FileSystem) *fat32Ctx {
	ctx, _ := fs.DriverCtx.(*fat32Ctx)
	return ctx
}

func (ctx *fat32Ctx) readSectors(lba uint64, count uint32, buf []byte) *kernel.Error {
	n, err := ctx.dev.Read(lba, count, buf)
	if err != nil {
		return err
	}
	if n != count {
		return errIOFailed
	}
	return nil
}

// clusterToSector maps a data cluster to its first LBA on the device.
func (ctx *fat32Ctx) clusterToSector(cluster uint32) uint64 {
	return uint64(cluster-2)*uint64(ctx.secPerCluster) + uint64(ctx.firstDataSec)
}

// nextCluster follows the FAT chain one hop.
func (ctx *fat32Ctx) nextCluster(cluster uint32) (uint32, *kernel.Error) {
	fatOffset := cluster * 4
	sector := uint64(ctx.reservedSecs) + uint64(fatOffset/ctx.sectorSize)

	buf := make([]byte, ctx.sectorSize)
	if err := ctx.readSectors(sector, 1, buf); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[fatOffset%ctx.sectorSize:]) & 0x0fffffff, nil
}

// readCluster reads one whole data cluster.
func (ctx *fat32Ctx) readCluster(cluster uint32, buf []byte) *kernel.Error {
	if cluster < 2 || cluster-2 >= ctx.clusterCount {
		return errBadCluster
	}
	return ctx.readSectors(ctx.clusterToSector(cluster), ctx.secPerCluster, buf)
}

// parseBPB validates the boot sector and fills the context. A volume is
// FAT32 when the 16-bit FAT size and root entry count are zero and the
// 32-bit FAT size is not.
func parseBPB(sector []byte, ctx *fat32Ctx) *kernel.Error {
	if len(sector) < 512 || binary.LittleEndian.Uint16(sector[bootSigOffset:]) != bootSig {
		return errNotFAT32
	}

	sectorSize := uint32(binary.LittleEndian.Uint16(sector[11:]))
	secPerCluster := uint32(sector[13])
	reserved := uint32(binary.LittleEndian.Uint16(sector[14:]))
	fatCount := uint32(sector[16])
	rootEntries16 := binary.LittleEndian.Uint16(sector[17:])
	secPerFAT16 := binary.LittleEndian.Uint16(sector[22:])
	secPerFAT32 := binary.LittleEndian.Uint32(sector[36:])
	rootCluster := binary.LittleEndian.Uint32(sector[44:])

	totalSecs := uint32(binary.LittleEndian.Uint16(sector[19:]))
	if totalSecs == 0 {
		totalSecs = binary.LittleEndian.Uint32(sector[32:])
	}

	if sectorSize == 0 || secPerCluster == 0 || fatCount == 0 {
		return errNotFAT32
	}

	// FAT12/16 layouts carry their FAT size and root directory size in
	// the 16-bit fields; FAT32 zeroes both.
	if secPerFAT16 != 0 || rootEntries16 != 0 || secPerFAT32 == 0 {
		return errNotFAT32
	}

	ctx.sectorSize = sectorSize
	ctx.secPerCluster = secPerCluster
	ctx.reservedSecs = reserved
	ctx.fatCount = fatCount
	ctx.secPerFAT = secPerFAT32
	ctx.rootCluster = rootCluster
	ctx.firstDataSec = reserved + fatCount*secPerFAT32
	ctx.clusterCount = (totalSecs - ctx.firstDataSec) / secPerCluster
	ctx.enumerated = make(map[uint32]bool)

	return nil
}

// shortName decodes an 8.3 directory entry name.
func shortName(raw []byte) string {
	var name [12]byte
	n := 0

	for i := 0; i < 8 && raw[i] != ' '; i++ {
		name[n] = raw[i]
		n++
	}

	if raw[8] != ' ' {
		name[n] = '.'
		n++
		for i := 8; i < 11 && raw[i] != ' '; i++ {
			name[n] = raw[i]
			n++
		}
	}

	return string(name[:n])
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// enumerateDir walks a directory's cluster chain and caches a vnode for
// every live 8.3 entry. Long-file-name and volume-label entries are
// skipped.
func enumerateDir(dir *vfs.VirtualNode, fs *vfs.FileSystem) *kernel.Error {
	ctx := ctxOf(fs)
	if ctx == nil {
		return errBadFS
	}

	if ctx.enumerated[dir.Ino] {
		return nil
	}

	buf := make([]byte, ctx.sectorSize*ctx.secPerCluster)

	for cluster := dir.Ino; cluster < endOfChain; {
		if err := ctx.readCluster(cluster, buf); err != nil {
			return err
		}

		for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
			entry := buf[off : off+dirEntrySize]

			if entry[0] == 0 {
				break // no further entries in this directory
			}
			if entry[0] == 0xe5 {
				continue // deleted
			}

			attrs := entry[11]
			if attrs&attrLFN == attrLFN || attrs&attrVolumeID != 0 {
				continue
			}

			name := shortName(entry[:11])
			if name == "." || name == ".." {
				continue
			}

			firstCluster := uint32(binary.LittleEndian.Uint16(entry[20:]))<<16 |
				uint32(binary.LittleEndian.Uint16(entry[26:]))

			vnode := fs.NewVnodeCache(name)
			vnode.Ino = firstCluster
			vnode.Size = int64(binary.LittleEndian.Uint32(entry[28:]))
			vnode.Parent = dir
			if attrs&attrDir != 0 {
				vnode.Mode = vfs.ModeDir | 0755
			} else {
				vnode.Mode = vfs.ModeFile | 0644
				if attrs&attrReadOnly != 0 {
					vnode.Mode = vfs.ModeFile | 0444
				}
			}
		}

		next, err := ctx.nextCluster(cluster)
		if err != nil {
			return err
		}
		cluster = next
	}

	ctx.enumerated[dir.Ino] = true
	return nil
}

// lookup resolves a mount-relative path by enumerating directories on
// demand, component by component.
func lookup(relPath string, fs *vfs.FileSystem) *vfs.VirtualNode {
	cur := fs.Root()
	if cur == nil {
		return nil
	}

	start := 0
	for start < len(relPath) {
		for start < len(relPath) && relPath[start] == '/' {
			start++
		}
		if start == len(relPath) {
			break
		}

		end := start
		for end < len(relPath) && relPath[end] != '/' {
			end++
		}
		component := relPath[start:end]
		start = end

		if cur.Mode&vfs.ModeDir == 0 {
			return nil
		}

		if err := enumerateDir(cur, fs); err != nil {
			return nil
		}

		var child *vfs.VirtualNode
		fs.VisitVnodes(func(v *vfs.VirtualNode) bool {
			if v.Parent == cur && equalFold(v.Name, component) {
				child = v
				return false
			}
			return true
		})

		if child == nil {
			return nil
		}
		cur = child
	}

	return cur
}

// nodeOps reads file contents by walking the cluster chain.
type nodeOps struct{}

func (nodeOps) ReadNode(v *vfs.VirtualNode, buf []byte, off int64) (int, *kernel.Error) {
	ctx := ctxOf(v.Owner)
	if ctx == nil {
		return 0, errBadFS
	}

	if off >= v.Size {
		return 0, nil
	}

	want := int64(len(buf))
	if remaining := v.Size - off; want > remaining {
		want = remaining
	}

	clusterSize := int64(ctx.sectorSize * ctx.secPerCluster)
	clusterBuf := make([]byte, clusterSize)

	// Skip whole clusters up to the offset.
	cluster := v.Ino
	for skip := off / clusterSize; skip > 0; skip-- {
		next, err := ctx.nextCluster(cluster)
		if err != nil {
			return 0, err
		}
		if next >= endOfChain {
			return 0, errBadCluster
		}
		cluster = next
	}

	read := int64(0)
	clusterOff := off % clusterSize

	for read < want && cluster < endOfChain {
		if err := ctx.readCluster(cluster, clusterBuf); err != nil {
			return 0, err
		}

		n := copy(buf[read:want], clusterBuf[clusterOff:])
		read += int64(n)
		clusterOff = 0

		next, err := ctx.nextCluster(cluster)
		if err != nil {
			return 0, err
		}
		cluster = next
	}

	return int(read), nil
}

func (nodeOps) WriteNode(v *vfs.VirtualNode, buf []byte, off int64) (int, *kernel.Error) {
	return 0, errReadOnly
}

var findMountableBlkdevFn = blk.FindMountableBlkdev

func fsInit(src, fstype, args string, fs *vfs.FileSystem) *kernel.Error {
	if fstype != "" && fstype != "fat" {
		return errNotFAT32
	}

	dev := findMountableBlkdevFn(src)
	if dev == nil {
		return errNoDevice
	}

	ctx := &fat32Ctx{dev: dev}

	sector := make([]byte, dev.SectorSize)
	if err := ctx.readSectors(0, 1, sector); err != nil {
		return err
	}

	if err := parseBPB(sector, ctx); err != nil {
		return err
	}

	fs.DriverCtx = ctx

	root := fs.NewVnodeCache("/")
	root.Ino = ctx.rootCluster
	root.Mode = vfs.ModeDir | 0755

	return enumerateDir(root, fs)
}

func fsDestroy(fs *vfs.FileSystem) {
	fs.DriverCtx = nil
}

// Driver returns the FAT32 filesystem driver for registration with the
// VFS.
func Driver() *vfs.FileSystemDriver {
	return &vfs.FileSystemDriver{
		Name:         "fat",
		GenericProbe: true,
		Init:         fsInit,
		Destroy:      fsDestroy,
		Lookup:       lookup,
		NodeOps:      nodeOps{},
	}
}
