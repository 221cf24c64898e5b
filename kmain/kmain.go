// Package kmain hosts the kernel entry point invoked by the rt0 assembly
// once the CPU is in protected mode with the boot paging tables live.
package kmain

import (
	"vexos/kernel/hal"
	"vexos/kernel/hal/multiboot"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/kimg"
	"vexos/kernel/kstdio"
	"vexos/kernel/mm/kmalloc"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/proc"
	"vexos/kernel/syscall"
	"vexos/kernel/timer"
	"vexos/kernel/useraccess"
	"vexos/kernel/vfs"
	"vexos/kernel/vfs/fat"
	"vexos/kernel/vfs/ramfs"

	"vexos/device/blk"
	"vexos/device/blk/ata"
	"vexos/device/bus/pci"
	"vexos/device/bus/ps2"
	"vexos/device/uart"
	"vexos/device/video/console"
)

// kheapPageSpan sizes the main kernel heap that starts right past the
// kernel image. Its pages are faulted in lazily by the page-fault arbiter.
const kheapPageSpan = uintptr(4096) // 16 MiB

// Kmain is the kernel entry point. It never returns: once every subsystem
// is up it spawns pid 1 and enters the scheduler loop.
//
// The bring-up order follows the subsystem dependencies leaves-first:
// memory before interrupts, interrupts before drivers, drivers before the
// VFS, the VFS before processes.
func Kmain(multibootInfoPtr uintptr, image kimg.Info) {
	kimg.SetInfo(image)
	multiboot.SetInfoPtr(multibootInfoPtr)

	// Early output: the serial and VGA sinks work without any allocator.
	kstdio.RegisterSink(uart.NewSerialSink(0))
	kstdio.RegisterSink(console.NewVgaTextSink(0))
	kfmt.SetOutputSink(kstdio.Writer())

	// The bootstrap heap is inside the image and always mapped; the
	// gallocator can run before paging is final.
	if err := kmalloc.Init(); err != nil {
		kfmt.Panic(err)
	}

	// Interrupt plumbing: IDT + PIC first so the fault handlers the vmm
	// installs next have somewhere to live.
	if err := irq.Init(); err != nil {
		kfmt.Panic(err)
	}
	irq.SetupCommonExceptionHandlers()

	// Adopt the boot paging tables, lock down the kernel sections and
	// start taking page faults.
	if err := vmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	useraccess.Init()

	// Physical memory: filter the firmware map and hand it to the frame
	// allocator.
	regionMap := hal.BuildSystemRegionMap()
	if err := pmm.Init(regionMap); err != nil {
		kfmt.Panic(err)
	}

	// The main kernel heap sits right past the image so virtual and
	// physical stay congruent; its frames are reserved on first touch by
	// the page-fault arbiter.
	heapID, err := kmalloc.RegisterHeap(kmalloc.Heap{
		VirtAddr: kimg.VirtEnd(),
		PageSpan: kheapPageSpan,
	})
	if err != nil {
		kfmt.Panic(err)
	}
	if err = kmalloc.UseHeap(heapID); err != nil {
		kfmt.Panic(err)
	}

	if err = timer.Init(); err != nil {
		kfmt.Panic(err)
	}

	// Buses and storage.
	pci.EnumerateDevices()
	if err := ps2.InitController(); err != nil {
		kfmt.Printf("[kmain] ps2 bring-up failed: %s\n", err.Message)
	}
	if err := blk.RegisterDriver(ata.Driver()); err != nil {
		kfmt.Printf("[kmain] no PATA drives: %s\n", err.Message)
	}

	hal.DetectHardware()

	// Filesystems: the disk-backed driver probes mounts without a type,
	// the ram-backed one answers to type=ramfs.
	vfs.RegisterFSDriver(fat.Driver())
	vfs.RegisterFSDriver(ramfs.Driver())

	if err := vfs.Mount("hdap1", "/", "", "", 0); err != nil {
		kfmt.Panic(err)
	}
	if err := vfs.Mount("ramfs", "/tmp", "ramfs", "", 0); err != nil {
		kfmt.Panic(err)
	}

	// Processes: syscall surface, scheduler tick, pid 1.
	if err := syscall.Init(); err != nil {
		kfmt.Panic(err)
	}
	proc.SchedInit()

	if _, err := proc.SpawnInit("/sbin/init"); err != nil {
		kfmt.Panic(err)
	}

	proc.Schedule()
}
