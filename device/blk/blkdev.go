// Package blk implements the block-device manager: a registry of block
// device drivers, the raw devices they enumerate and the mountable devices
// synthesized from their partition tables.
package blk

import "vexos/kernel"

// TransferFn moves whole sectors between a device and memory. It returns
// the number of sectors transferred.
type TransferFn func(dev *BlockDevice, lba uint64, sectors uint32, buf []byte) (uint32, *kernel.Error)

// BlockDevice describes one raw block device enumerated by a driver.
// Devices live on an intrusive per-driver list; pointers to them are held
// by mountable devices and must stay stable.
type BlockDevice struct {
	Name        string
	UUID        string
	SectorCount uint64
	SectorSize  uint32
	Type        string

	Read  TransferFn
	Write TransferFn

	// Extra points at driver-private state (e.g. the ATA channel info).
	Extra interface{}

	// Driver owns this device.
	Driver *BlockDeviceDriver

	next *BlockDevice
}

// MountableBlockDevice is a block device the VFS can mount: a partition
// carved out of a raw parent device. Reads and writes are offset by the
// partition start and delegated to the parent.
type MountableBlockDevice struct {
	Parent      *BlockDevice
	Offset      uint64 // first LBA of the partition on the parent
	SectorCount uint64
	SectorSize  uint32
	Suffix      string
	UUID        string

	next *MountableBlockDevice
}

// Name returns the device name: the parent name with the partition suffix
// appended (hda + p1 -> "hdap1").
func (m *MountableBlockDevice) Name() string {
	return m.Parent.Name + m.Suffix
}

// Read reads sectors relative to the partition start.
func (m *MountableBlockDevice) Read(lba uint64, sectors uint32, dst []byte) (uint32, *kernel.Error) {
	return m.Parent.Read(m.Parent, m.Offset+lba, sectors, dst)
}

// Write writes sectors relative to the partition start.
func (m *MountableBlockDevice) Write(lba uint64, sectors uint32, src []byte) (uint32, *kernel.Error) {
	return m.Parent.Write(m.Parent, m.Offset+lba, sectors, src)
}

// BlockDeviceDriver enumerates and owns a list of raw block devices.
type BlockDeviceDriver struct {
	Name string

	// Init probes for hardware and registers the devices it finds.
	Init func(drv *BlockDeviceDriver) *kernel.Error

	// Destroy releases the driver.
	Destroy func(drv *BlockDeviceDriver) *kernel.Error

	devices *BlockDevice
	next    *BlockDeviceDriver
}

// NewDevice allocates a device owned by this driver and links it into the
// driver's device list.
func (drv *BlockDeviceDriver) NewDevice() *BlockDevice {
	dev := &BlockDevice{Driver: drv, next: drv.devices}
	drv.devices = dev
	return dev
}

// FreeDevice unlinks a device from the driver's device list.
func (drv *BlockDeviceDriver) FreeDevice(dev *BlockDevice) *kernel.Error {
	for cur := &drv.devices; *cur != nil; cur = &(*cur).next {
		if *cur == dev {
			*cur = dev.next
			dev.next = nil
			return nil
		}
	}

	return errUnknownDevice
}

// VisitDevices invokes visitor for every device owned by this driver until
// the visitor returns false.
func (drv *BlockDeviceDriver) VisitDevices(visitor func(*BlockDevice) bool) {
	for dev := drv.devices; dev != nil; dev = dev.next {
		if !visitor(dev) {
			return
		}
	}
}

// DeviceCount returns the number of devices owned by this driver.
func (drv *BlockDeviceDriver) DeviceCount() int {
	count := 0
	for dev := drv.devices; dev != nil; dev = dev.next {
		count++
	}
	return count
}
