// Package serialio keeps the registry of byte-stream input devices
// (keyboards, mice, serial lines). Bus drivers register devices here as
// they identify them; input consumers look them up by name.
package serialio

import "vexos/kernel"

// NoMajor marks a device without an assigned major number.
const NoMajor = ^uint16(0)

// Device is one registered serial I/O device.
type Device struct {
	Name  string
	Major uint16
	Minor uint16

	// Ctx points at bus-private state.
	Ctx interface{}

	next *Device
}

var (
	devices *Device

	errDeviceExists = &kernel.Error{Module: "serialio", Message: "a serial device with the same name/minor is registered", Errno: kernel.EEXIST}
)

// NewDevice registers a serial I/O device.
func NewDevice(name string, major, minor uint16, ctx interface{}) (*Device, *kernel.Error) {
	for dev := devices; dev != nil; dev = dev.next {
		if dev.Name == name && dev.Minor == minor {
			return nil, errDeviceExists
		}
	}

	dev := &Device{Name: name, Major: major, Minor: minor, Ctx: ctx, next: devices}
	devices = dev
	return dev, nil
}

// FindDevice resolves a device by name and minor number.
func FindDevice(name string, minor uint16) *Device {
	for dev := devices; dev != nil; dev = dev.next {
		if dev.Name == name && dev.Minor == minor {
			return dev
		}
	}
	return nil
}
