package ata

import (
	"vexos/kernel"
	"vexos/kernel/kfmt"
	"vexos/kernel/timer"

	"vexos/device/blk"
)

var (
	errBadRange    = &kernel.Error{Module: "ata", Message: "transfer range exceeds device capacity", Errno: kernel.EINVAL}
	errBadDevice   = &kernel.Error{Module: "ata", Message: "not a PIO-capable ATA device", Errno: kernel.EINVAL}
	errDriveFault  = &kernel.Error{Module: "ata", Message: "drive reported an error", Errno: kernel.EIO}
	errWaitTimeout = &kernel.Error{Module: "ata", Message: "timed out waiting for the drive", Errno: kernel.ETIMEDOUT}
	errFlushFailed = &kernel.Error{Module: "ata", Message: "timed out flushing the drive cache", Errno: kernel.ETIMEDOUT}
)

// internalSectors converts a transfer slice to the drive's count-register
// encoding: 8 bits per command with 0 meaning 256 (16 bits / 65536 for
// LBA48, which this driver never exceeds per command).
func internalSectors(sectors uint32, lba48 bool) uint16 {
	if !lba48 && sectors >= 256 {
		return 0
	}
	return uint16(sectors)
}

// sendCommand programs the task file for one read or write command slice.
func sendCommand(atadev *Device, lba uint64, sectors uint16, write bool) *kernel.Error {
	io := atadev.PortIO

	switch atadev.Type {
	case TypeLBA48:
		sel := uint8(0x40)
		if !atadev.Master {
			sel |= 1 << 4
		}
		portWriteByteFn(io+regDriveSel, sel)

		// High halves of the sector count and LBA first.
		portWriteByteFn(io+regSector, uint8(sectors>>8))
		portWriteByteFn(io+regLBALo, uint8(lba>>24))
		portWriteByteFn(io+regLBAMid, uint8(lba>>32))
		portWriteByteFn(io+regLBAHi, uint8(lba>>40))
		// Then the low halves.
		portWriteByteFn(io+regSector, uint8(sectors))
		portWriteByteFn(io+regLBALo, uint8(lba))
		portWriteByteFn(io+regLBAMid, uint8(lba>>8))
		portWriteByteFn(io+regLBAHi, uint8(lba>>16))

		if write {
			portWriteByteFn(io+regCommand, cmdWritePIOExt)
		} else {
			portWriteByteFn(io+regCommand, cmdReadPIOExt)
		}

	case TypeLBA28:
		sel := uint8(0xe0) | uint8(lba>>24)&0x0f
		if !atadev.Master {
			sel |= 1 << 4
		}
		portWriteByteFn(io+regDriveSel, sel)

		portWriteByteFn(io+regSector, uint8(sectors))
		portWriteByteFn(io+regLBALo, uint8(lba))
		portWriteByteFn(io+regLBAMid, uint8(lba>>8))
		portWriteByteFn(io+regLBAHi, uint8(lba>>16))

		if write {
			portWriteByteFn(io+regCommand, cmdWritePIO)
		} else {
			portWriteByteFn(io+regCommand, cmdReadPIO)
		}

	default:
		return errBadDevice
	}

	return nil
}

// waitReady polls until the drive clears BSY and raises DRQ, surfacing
// drive faults and enforcing the transfer timeout.
func waitReady(dev *blk.BlockDevice, atadev *Device) *kernel.Error {
	var t timer.Timer
	t.Start()

	for {
		if t.ElapsedMs() > ataTimeoutMs {
			kfmt.Printf("[ata] %s: timed out waiting for the drive\n", dev.Name)
			return errWaitTimeout
		}

		status := portReadByteFn(atadev.PortIO + regStatus)
		if status&statusBSY == 0 && status&statusDRQ != 0 {
			return nil
		}

		if status&(statusERR|statusDF) != 0 {
			kfmt.Printf("[ata] %s: drive error 0x%x\n", dev.Name, portReadByteFn(atadev.PortIO+regError))
			return errDriveFault
		}
	}
}

// flushCache issues a cache flush and waits for BSY to clear.
func flushCache(dev *blk.BlockDevice, atadev *Device) *kernel.Error {
	portWriteByteFn(atadev.PortIO+regCommand, cmdCacheFlush)

	var t timer.Timer
	t.Start()
	for portReadByteFn(atadev.PortIO+regStatus)&statusBSY != 0 {
		if t.ElapsedMs() > ataTimeoutMs {
			kfmt.Printf("[ata] %s: timed out flushing sectors\n", dev.Name)
			return errFlushFailed
		}
	}

	return nil
}

func validRange(dev *blk.BlockDevice, lba uint64, sectors uint32) bool {
	if lba > dev.SectorCount || sectors == 0 {
		return false
	}
	return uint64(sectors) <= dev.SectorCount-lba
}

// pioRead reads sectors from the drive into dst, at most 256 sectors per
// command. Data words are stored byte-wise so dst needs no particular
// alignment.
func pioRead(dev *blk.BlockDevice, lba uint64, sectors uint32, dst []byte) (uint32, *kernel.Error) {
	if !validRange(dev, lba, sectors) {
		kfmt.Printf("[ata] %s: out of range read\n", dev.Name)
		return 0, errBadRange
	}

	atadev, ok := dev.Extra.(*Device)
	if !ok {
		return 0, errBadDevice
	}

	requested := sectors
	for sectors > 0 {
		working := sectors
		if working > 256 {
			working = 256
		}

		if err := sendCommand(atadev, lba, internalSectors(working, atadev.Type == TypeLBA48), false); err != nil {
			return 0, err
		}

		for sector := uint32(0); sector < working; sector++ {
			if sector != 0 {
				delay400ns(atadev.PortCtl)
			}

			if err := waitReady(dev, atadev); err != nil {
				return 0, err
			}

			for i := 0; i < 256; i++ {
				w := portReadWordFn(atadev.PortIO + regData)
				dst[i*2] = byte(w)
				dst[i*2+1] = byte(w >> 8)
			}
			dst = dst[512:]
		}

		sectors -= working
		lba += uint64(working)
	}

	return requested, nil
}

// pioWrite writes sectors from src to the drive, at most 256 sectors per
// command, flushing the drive cache after each command slice. It returns
// the number of sectors requested.
func pioWrite(dev *blk.BlockDevice, lba uint64, sectors uint32, src []byte) (uint32, *kernel.Error) {
	if !validRange(dev, lba, sectors) {
		kfmt.Printf("[ata] %s: out of range write\n", dev.Name)
		return 0, errBadRange
	}

	atadev, ok := dev.Extra.(*Device)
	if !ok {
		return 0, errBadDevice
	}

	requested := sectors
	for sectors > 0 {
		working := sectors
		if working > 256 {
			working = 256
		}

		if err := sendCommand(atadev, lba, internalSectors(working, atadev.Type == TypeLBA48), true); err != nil {
			return 0, err
		}

		for sector := uint32(0); sector < working; sector++ {
			if sector != 0 {
				delay400ns(atadev.PortCtl)
			}

			if err := waitReady(dev, atadev); err != nil {
				return 0, err
			}

			for i := 0; i < 256; i++ {
				w := uint16(src[i*2]) | uint16(src[i*2+1])<<8
				portWriteWordFn(atadev.PortIO+regData, w)
			}
			src = src[512:]
		}

		if err := flushCache(dev, atadev); err != nil {
			return 0, err
		}

		sectors -= working
		lba += uint64(working)
	}

	return requested, nil
}
