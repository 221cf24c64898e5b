// Package pci enumerates the PCI bus through the legacy 0xcf8/0xcfc
// configuration mechanism and binds registered drivers to devices by
// class/subclass.
package pci

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kfmt"
)

const (
	configAddressPort = 0xcf8
	configDataPort    = 0xcfc
	configEnable      = 1 << 31

	invalidVendorID = 0xffff

	// Class/subclass of a host bridge; functions of this class expose
	// another bus whose number equals the function number.
	classBridge       = 0x06
	subclassHostBridge = 0x00
)

// Device describes one discovered PCI function.
type Device struct {
	Bus  uint8
	Dev  uint8
	Func uint8

	VendorID   uint16
	DeviceID   uint16
	Class      uint8
	Subclass   uint8
	ProgIF     uint8
	RevisionID uint8
	HeaderType uint8

	// Driver is the bound device driver, nil until a registered driver
	// probe succeeds.
	Driver *DeviceDriver

	next *Device
}

// DeviceDriver is registered by driver packages that service a particular
// PCI class/subclass.
type DeviceDriver struct {
	Name     string
	Class    uint8
	Subclass uint8

	// Probe inspects a matching device; returning nil binds the driver.
	Probe func(dev *Device) *kernel.Error

	next *DeviceDriver
}

var (
	devices *Device
	drivers *DeviceDriver

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadDwordFn  = cpu.PortReadDword
	portWriteDwordFn = cpu.PortWriteDword

	errNoRootBus = &kernel.Error{Module: "pci", Message: "no PCI root bus", Errno: kernel.ENODEV}
	errBadHeader = &kernel.Error{Module: "pci", Message: "register not present for this header type", Errno: kernel.EINVAL}
)

// readConfig reads a 32-bit register from a function's configuration space.
func readConfig(bus, dev, fn, offset uint8) uint32 {
	addr := configEnable | uint32(bus)<<16 | uint32(dev)<<11 | uint32(fn)<<8 | uint32(offset)&0xfc
	portWriteDwordFn(configAddressPort, addr)
	return portReadDwordFn(configDataPort)
}

func readVendorID(bus, dev, fn uint8) uint16 {
	return uint16(readConfig(bus, dev, fn, 0x00))
}

func readHeaderType(bus, dev, fn uint8) uint8 {
	return uint8(readConfig(bus, dev, fn, 0x0c) >> 16)
}

func isMultiFunction(bus, dev uint8) bool {
	return readHeaderType(bus, dev, 0)&(1<<7) != 0
}

func isHostBridge(bus, dev, fn uint8) bool {
	reg := readConfig(bus, dev, fn, 0x08)
	return uint8(reg>>24) == classBridge && uint8(reg>>16) == subclassHostBridge
}

// registerDevice captures a function's identity registers and links it into
// the device list.
func registerDevice(bus, dev, fn uint8) *Device {
	device := &Device{Bus: bus, Dev: dev, Func: fn, next: devices}
	devices = device

	reg := readConfig(bus, dev, fn, 0x00)
	device.VendorID = uint16(reg)
	device.DeviceID = uint16(reg >> 16)

	reg = readConfig(bus, dev, fn, 0x08)
	device.Class = uint8(reg >> 24)
	device.Subclass = uint8(reg >> 16)
	device.ProgIF = uint8(reg >> 8)
	device.RevisionID = uint8(reg)

	device.HeaderType = uint8(readConfig(bus, dev, fn, 0x0c) >> 16)

	kfmt.Printf("[pci] %2x:%2x.%x %4x:%4x class %2x.%2x\n",
		bus, dev, fn, device.VendorID, device.DeviceID, device.Class, device.Subclass)

	return device
}

func enumerateBus(bus uint8) {
	for dev := uint8(0); dev < 32; dev++ {
		if readVendorID(bus, dev, 0) == invalidVendorID {
			continue
		}

		registerDevice(bus, dev, 0)

		if !isMultiFunction(bus, dev) {
			continue
		}

		for fn := uint8(1); fn < 8; fn++ {
			if readVendorID(bus, dev, fn) == invalidVendorID {
				continue
			}

			registerDevice(bus, dev, fn)

			// Extra host bridge functions each expose the bus whose
			// number matches the function number.
			if isHostBridge(bus, dev, fn) {
				enumerateBus(fn)
			}
		}
	}
}

// EnumerateDevices walks the configuration space starting at the root bus
// and registers every function it finds.
func EnumerateDevices() *kernel.Error {
	if readVendorID(0, 0, 0) == invalidVendorID {
		kfmt.Printf("[pci] no root bus\n")
		return errNoRootBus
	}

	enumerateBus(0)
	return nil
}

// RegisterDeviceDriver adds a driver to the registry and probes it against
// every already-discovered, unbound device with a matching class/subclass.
func RegisterDeviceDriver(drv *DeviceDriver) *kernel.Error {
	drv.next = drivers
	drivers = drv

	for dev := devices; dev != nil; dev = dev.next {
		if dev.Class == drv.Class && dev.Subclass == drv.Subclass && dev.Driver == nil {
			if drv.Probe(dev) == nil {
				dev.Driver = drv
			}
		}
	}

	return nil
}

// UnregisterDeviceDriver removes a driver, unbinding any devices it owned.
func UnregisterDeviceDriver(drv *DeviceDriver) *kernel.Error {
	for dev := devices; dev != nil; dev = dev.next {
		if dev.Driver == drv {
			dev.Driver = nil
		}
	}

	for cur := &drivers; *cur != nil; cur = &(*cur).next {
		if *cur == drv {
			*cur = drv.next
			drv.next = nil
			return nil
		}
	}

	return &kernel.Error{Module: "pci", Message: "driver is not registered", Errno: kernel.ENOENT}
}

// ReadBAR4 returns base address register 4; only standard (type 0) headers
// carry it.
func ReadBAR4(dev *Device) (uint32, *kernel.Error) {
	if dev.HeaderType&0x7f != 0 {
		return 0, errBadHeader
	}

	return readConfig(dev.Bus, dev.Dev, dev.Func, 0x20), nil
}

// VisitDevices invokes visitor for every discovered device until the
// visitor returns false.
func VisitDevices(visitor func(*Device) bool) {
	for dev := devices; dev != nil; dev = dev.next {
		if !visitor(dev) {
			return
		}
	}
}
