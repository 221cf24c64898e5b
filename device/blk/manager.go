package blk

import (
	"vexos/kernel"
	"vexos/kernel/kfmt"
)

var (
	drivers          *BlockDeviceDriver
	mountableDevices *MountableBlockDevice

	errDriverExists   = &kernel.Error{Module: "blk", Message: "a block device driver with the same name is registered", Errno: kernel.EEXIST}
	errDriverUnknown  = &kernel.Error{Module: "blk", Message: "block device driver is not registered", Errno: kernel.ENOENT}
	errDriverBusy     = &kernel.Error{Module: "blk", Message: "block device driver still has attached devices", Errno: kernel.EBUSY}
	errUnknownDevice  = &kernel.Error{Module: "blk", Message: "device is not owned by this driver", Errno: kernel.ENOENT}
	errSuffixTooLarge = &kernel.Error{Module: "blk", Message: "partition suffix would not fit", Errno: kernel.ENAMETOOLONG}
)

// RegisterDriver adds a driver to the registry and runs its Init hook,
// which typically enumerates hardware and registers devices.
func RegisterDriver(drv *BlockDeviceDriver) *kernel.Error {
	for cur := drivers; cur != nil; cur = cur.next {
		if cur.Name == drv.Name {
			return errDriverExists
		}
	}

	drv.next = drivers
	drivers = drv

	if drv.Init != nil {
		if err := drv.Init(drv); err != nil {
			drivers = drv.next
			drv.next = nil
			return err
		}
	}

	return nil
}

// UnregisterDriver removes a driver from the registry. Drivers that still
// own devices are busy and cannot be removed.
func UnregisterDriver(drv *BlockDeviceDriver) *kernel.Error {
	if drv.devices != nil {
		return errDriverBusy
	}

	for cur := &drivers; *cur != nil; cur = &(*cur).next {
		if *cur == drv {
			*cur = drv.next
			drv.next = nil

			if drv.Destroy != nil {
				return drv.Destroy(drv)
			}
			return nil
		}
	}

	return errDriverUnknown
}

// removeChildren drops every mountable device synthesized from dev.
func removeChildren(dev *BlockDevice) {
	for cur := &mountableDevices; *cur != nil; {
		if (*cur).Parent == dev {
			*cur = (*cur).next
			continue
		}
		cur = &(*cur).next
	}
}

// EnumeratePartitions reads a device's MBR and synthesizes one mountable
// block device per in-use partition entry. Previously synthesized children
// of the device are dropped first, so re-enumeration after a partition
// table change cannot leave stale devices behind.
func EnumeratePartitions(dev *BlockDevice) *kernel.Error {
	sector := make([]byte, dev.SectorSize)
	if n, err := dev.Read(dev, 0, 1, sector); err != nil {
		return err
	} else if n != 1 {
		return errShortRead
	}

	diskSig, parts, err := parseMBR(sector)
	if err != nil {
		return err
	}

	removeChildren(dev)

	for i, part := range parts {
		if i+1 > 99 {
			return errSuffixTooLarge
		}

		mblkdev := &MountableBlockDevice{
			Parent:      dev,
			Offset:      part.lbaStart,
			SectorCount: part.sectorCount,
			SectorSize:  dev.SectorSize,
			Suffix:      partitionSuffix(i),
			UUID:        partitionUUID(diskSig, i),
			next:        mountableDevices,
		}
		mountableDevices = mblkdev

		kfmt.Printf("[blk] %s: %d sectors at lba %d\n", mblkdev.Name(), mblkdev.SectorCount, mblkdev.Offset)
	}

	return nil
}

func partitionSuffix(index int) string {
	n := index + 1
	if n >= 10 {
		return string([]byte{'p', byte('0' + n/10), byte('0' + n%10)})
	}
	return string([]byte{'p', byte('0' + n)})
}

// FindRawBlkdev resolves a raw device by name, or by UUID when the id
// carries a "UUID=" prefix.
func FindRawBlkdev(id string) *BlockDevice {
	if len(id) > 5 && id[:5] == "UUID=" {
		return findRawByUUID(id[5:])
	}
	return findRawByName(id)
}

func findRawByName(name string) *BlockDevice {
	for drv := drivers; drv != nil; drv = drv.next {
		for dev := drv.devices; dev != nil; dev = dev.next {
			if dev.Name == name {
				return dev
			}
		}
	}
	return nil
}

func findRawByUUID(uuid string) *BlockDevice {
	for drv := drivers; drv != nil; drv = drv.next {
		for dev := drv.devices; dev != nil; dev = dev.next {
			if dev.UUID != "" && dev.UUID == uuid {
				return dev
			}
		}
	}
	return nil
}

// FindMountableBlkdev resolves a mountable device by concatenated name
// (parent name + suffix), or by UUID when the id carries a "UUID=" prefix.
func FindMountableBlkdev(id string) *MountableBlockDevice {
	if len(id) > 5 && id[:5] == "UUID=" {
		for dev := mountableDevices; dev != nil; dev = dev.next {
			if dev.UUID == id[5:] {
				return dev
			}
		}
		return nil
	}

	for dev := mountableDevices; dev != nil; dev = dev.next {
		if dev.Name() == id {
			return dev
		}
	}
	return nil
}

// VisitMountableDevices invokes visitor for every mountable device until
// the visitor returns false.
func VisitMountableDevices(visitor func(*MountableBlockDevice) bool) {
	for dev := mountableDevices; dev != nil; dev = dev.next {
		if !visitor(dev) {
			return
		}
	}
}
