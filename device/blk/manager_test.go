package blk

import (
	"encoding/binary"
	"testing"

	"vexos/kernel"
)

// memDevice returns a RAM-backed block device for tests.
func memDevice(drv *BlockDeviceDriver, name string, sectors uint64) (*BlockDevice, []byte) {
	backing := make([]byte, sectors*512)

	dev := drv.NewDevice()
	dev.Name = name
	dev.SectorCount = sectors
	dev.SectorSize = 512
	dev.Type = "ram"
	dev.Read = func(d *BlockDevice, lba uint64, n uint32, dst []byte) (uint32, *kernel.Error) {
		copy(dst, backing[lba*512:(lba+uint64(n))*512])
		return n, nil
	}
	dev.Write = func(d *BlockDevice, lba uint64, n uint32, src []byte) (uint32, *kernel.Error) {
		copy(backing[lba*512:], src[:uint64(n)*512])
		return n, nil
	}

	return dev, backing
}

func writeMBR(backing []byte, diskSig uint32, parts ...mbrPartition) {
	binary.LittleEndian.PutUint32(backing[mbrDiskSigOffset:], diskSig)
	for i, p := range parts {
		entry := backing[mbrTableOffset+i*mbrEntrySize:]
		binary.LittleEndian.PutUint32(entry[8:], uint32(p.lbaStart))
		binary.LittleEndian.PutUint32(entry[12:], uint32(p.sectorCount))
	}
	binary.LittleEndian.PutUint16(backing[mbrSigOffset:], mbrBootSig)
}

func resetManager() {
	drivers = nil
	mountableDevices = nil
}

func TestEnumeratePartitionsSingleEntry(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "ramdrv"}
	if err := RegisterDriver(drv); err != nil {
		t.Fatal(err)
	}

	// 1.25 MiB device (2560 sectors) with one partition: lba 2048, 512 sectors.
	dev, backing := memDevice(drv, "hda", 2048+512)
	writeMBR(backing, 0xcafe1234, mbrPartition{lbaStart: 2048, sectorCount: 512})

	if err := EnumeratePartitions(dev); err != nil {
		t.Fatal(err)
	}

	var found []*MountableBlockDevice
	VisitMountableDevices(func(m *MountableBlockDevice) bool {
		found = append(found, m)
		return true
	})

	if len(found) != 1 {
		t.Fatalf("expected exactly one mountable device; got %d", len(found))
	}

	m := found[0]
	if m.Offset != 2048 || m.SectorCount != 512 || m.Suffix != "p1" {
		t.Fatalf("unexpected partition: offset=%d count=%d suffix=%q", m.Offset, m.SectorCount, m.Suffix)
	}

	if m.Name() != "hdap1" {
		t.Fatalf("expected device name hdap1; got %q", m.Name())
	}

	if m.Parent.SectorCount < m.Offset+m.SectorCount {
		t.Fatal("partition extends past its parent")
	}
}

func TestEnumeratePartitionsReplacesChildren(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "ramdrv"}
	RegisterDriver(drv)

	dev, backing := memDevice(drv, "hda", 4096)
	writeMBR(backing, 1,
		mbrPartition{lbaStart: 64, sectorCount: 32},
		mbrPartition{lbaStart: 128, sectorCount: 32})

	if err := EnumeratePartitions(dev); err != nil {
		t.Fatal(err)
	}
	if err := EnumeratePartitions(dev); err != nil {
		t.Fatal(err)
	}

	count := 0
	VisitMountableDevices(func(*MountableBlockDevice) bool {
		count++
		return true
	})

	if count != 2 {
		t.Fatalf("expected re-enumeration to keep 2 children; got %d", count)
	}
}

func TestEnumeratePartitionsRejectsMissingSignature(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "ramdrv"}
	RegisterDriver(drv)

	dev, _ := memDevice(drv, "hda", 64)
	if err := EnumeratePartitions(dev); err != errNoMBR {
		t.Fatalf("expected missing MBR error; got %v", err)
	}
}

func TestPartitionIODelegatesWithOffset(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "ramdrv"}
	RegisterDriver(drv)

	dev, backing := memDevice(drv, "hda", 4096)
	writeMBR(backing, 7, mbrPartition{lbaStart: 100, sectorCount: 16})
	if err := EnumeratePartitions(dev); err != nil {
		t.Fatal(err)
	}

	part := FindMountableBlkdev("hdap1")
	if part == nil {
		t.Fatal("expected to resolve hdap1")
	}

	src := make([]byte, 512)
	for i := range src {
		src[i] = byte(i)
	}

	if _, err := part.Write(3, 1, src); err != nil {
		t.Fatal(err)
	}

	// The write must land at parent lba 103.
	for i := 0; i < 512; i++ {
		if backing[103*512+i] != byte(i) {
			t.Fatalf("expected partition write at parent lba 103; byte %d differs", i)
		}
	}

	dst := make([]byte, 512)
	if _, err := part.Read(3, 1, dst); err != nil {
		t.Fatal(err)
	}

	for i := range dst {
		if dst[i] != src[i] {
			t.Fatalf("read-back mismatch at byte %d", i)
		}
	}
}

func TestFindByUUID(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "ramdrv"}
	RegisterDriver(drv)

	dev, backing := memDevice(drv, "hda", 4096)
	writeMBR(backing, 0xdeadbeef, mbrPartition{lbaStart: 8, sectorCount: 8})
	EnumeratePartitions(dev)

	part := FindMountableBlkdev("UUID=deadbeef-p1")
	if part == nil || part.Suffix != "p1" {
		t.Fatalf("expected UUID lookup to find p1; got %v", part)
	}

	dev.UUID = "rawuuid"
	if got := FindRawBlkdev("UUID=rawuuid"); got != dev {
		t.Fatal("expected raw UUID lookup to find the device")
	}

	if got := FindRawBlkdev("hda"); got != dev {
		t.Fatal("expected raw name lookup to find the device")
	}
}

func TestDriverRegistry(t *testing.T) {
	defer resetManager()

	drv := &BlockDeviceDriver{Name: "dup"}
	if err := RegisterDriver(drv); err != nil {
		t.Fatal(err)
	}

	if err := RegisterDriver(&BlockDeviceDriver{Name: "dup"}); err != errDriverExists {
		t.Fatalf("expected duplicate driver error; got %v", err)
	}

	dev := drv.NewDevice()
	if err := UnregisterDriver(drv); err != errDriverBusy {
		t.Fatalf("expected busy driver error; got %v", err)
	}

	drv.FreeDevice(dev)
	if err := UnregisterDriver(drv); err != nil {
		t.Fatal(err)
	}

	if err := UnregisterDriver(drv); err != errDriverUnknown {
		t.Fatalf("expected unknown driver error; got %v", err)
	}
}
