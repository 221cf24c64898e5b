// Package hal glues the boot information and the driver registry to the
// rest of the kernel: it builds the filtered system memory map and runs the
// driver probe pass.
package hal

import (
	"io"
	"sort"

	"vexos/device"
	"vexos/kernel/hal/multiboot"
	"vexos/kernel/kfmt"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
)

// activeDrivers tracks all successfully initialized device drivers.
var activeDrivers []device.Driver

// DetectHardware probes for hardware devices in detect order and
// initializes the appropriate drivers.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	// Fprintf tolerates a nil writer by buffering; only wrap a real sink.
	var w io.Writer
	if sink := kfmt.GetOutputSink(); sink != nil {
		w = &kfmt.PrefixWriter{Sink: sink, Prefix: []byte("[hal] ")}
	}

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		major, minor, patch := drv.DriverVersion()

		if err := drv.DriverInit(); err != nil {
			kfmt.Fprintf(w, "%s(%d.%d.%d): init failed: %s\n", drv.DriverName(), major, minor, patch, err.Message)
			continue
		}

		kfmt.Fprintf(w, "%s(%d.%d.%d): initialized\n", drv.DriverName(), major, minor, patch)
		activeDrivers = append(activeDrivers, drv)
	}
}

// ActiveDrivers returns the drivers that initialized successfully.
func ActiveDrivers() []device.Driver {
	return activeDrivers
}

// BuildSystemRegionMap turns the firmware memory map into the region map
// handed to the frame allocator: only available regions, with the first MiB
// and the kernel image carved out and everything aligned to the page size.
func BuildSystemRegionMap() *mm.RegionMap {
	var regionMap mm.RegionMap

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		regionMap.Add(mm.MemoryRegion{
			Start: entry.PhysAddress,
			Size:  entry.Length,
			Perms: mm.RegionRWX,
		})
		return true
	})

	kfmt.Printf("[hal] available memory provided by firmware:\n")
	for _, region := range regionMap.Regions() {
		kfmt.Printf("[hal]   [mem 0x%8x-0x%8x]\n", region.Start, region.End()-1)
	}

	regionMap.Remove(0, 1<<20)
	regionMap.Remove(uint64(kimg.PhysAddr()), uint64(kimg.Size()))
	regionMap.Align(uint64(mm.PageSize))

	return &regionMap
}
