package device

import "vexos/kernel"

// DetectOrder controls when each driver's probe runs relative to the rest.
// Output sinks probe early so later drivers can log; bus drivers run before
// the device drivers that depend on the buses they enumerate.
type DetectOrder int

// The pre-defined detection order slots.
const (
	DetectOrderEarly  DetectOrder = -128
	DetectOrderBus    DetectOrder = 0
	DetectOrderDevice DetectOrder = 64
	DetectOrderLast   DetectOrder = 127
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}

// ProbeFn checks for the presence of a particular piece of hardware and
// returns a driver for it, or nil if the hardware is absent.
type ProbeFn func() Driver

// DriverInfo is registered by each driver package via an init block.
type DriverInfo struct {
	// Order selects the detection slot for this driver.
	Order DetectOrder

	// Probe detects the supported hardware.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers sortable by detect order.
type DriverInfoList []*DriverInfo

// Len returns the number of entries in the list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 list entries.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 list entries by their detect order.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds a driver to the registry. Driver packages call this
// from an init block.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
