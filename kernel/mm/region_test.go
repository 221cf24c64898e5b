package mm

import "testing"

func TestRegionMapAddKeepsOrder(t *testing.T) {
	var m RegionMap
	m.Add(MemoryRegion{Start: 0x100000, Size: 0x100000, Perms: RegionRWX})
	m.Add(MemoryRegion{Start: 0, Size: 0x9fc00, Perms: RegionRWX})

	regions := m.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions; got %d", len(regions))
	}

	for i := 1; i < len(regions); i++ {
		if regions[i-1].Start >= regions[i].Start {
			t.Fatalf("expected regions to be sorted ascending; got %v", regions)
		}
	}
}

func TestRegionMapRemove(t *testing.T) {
	specs := []struct {
		descr       string
		start, size uint64
		exp         []MemoryRegion
	}{
		{
			"remove head",
			0x0, 0x1000,
			[]MemoryRegion{{Start: 0x1000, Size: 0xf000, Perms: RegionRWX}},
		},
		{
			"remove tail",
			0xf000, 0x1000,
			[]MemoryRegion{{Start: 0x0, Size: 0xf000, Perms: RegionRWX}},
		},
		{
			"split in two",
			0x4000, 0x1000,
			[]MemoryRegion{
				{Start: 0x0, Size: 0x4000, Perms: RegionRWX},
				{Start: 0x5000, Size: 0xb000, Perms: RegionRWX},
			},
		},
		{
			"remove everything",
			0x0, 0x10000,
			nil,
		},
	}

	for _, spec := range specs {
		var m RegionMap
		m.Add(MemoryRegion{Start: 0, Size: 0x10000, Perms: RegionRWX})
		m.Remove(spec.start, spec.size)

		got := m.Regions()
		if len(got) != len(spec.exp) {
			t.Errorf("[%s] expected %d regions; got %d", spec.descr, len(spec.exp), len(got))
			continue
		}

		for i, r := range spec.exp {
			if got[i] != r {
				t.Errorf("[%s] region %d: expected %+v; got %+v", spec.descr, i, r, got[i])
			}
		}
	}
}

func TestRegionMapAlign(t *testing.T) {
	var m RegionMap
	m.Add(MemoryRegion{Start: 0x1234, Size: 0x3000, Perms: RegionRWX})
	m.Add(MemoryRegion{Start: 0x10000, Size: 0xff, Perms: RegionRWX})
	m.Align(uint64(PageSize))

	regions := m.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected sub-page region to be dropped; got %v", regions)
	}

	if regions[0].Start != 0x2000 || regions[0].Size != 0x2000 {
		t.Fatalf("expected aligned region [0x2000, 0x4000); got %+v", regions[0])
	}
}

func TestFrameAndPageFromAddress(t *testing.T) {
	if got := FrameFromAddress(uintptr(0x1fff)); got != Frame(1) {
		t.Errorf("expected frame 1; got %d", got)
	}

	if got := PageFromAddress(uintptr(0x2000)); got != Page(2) {
		t.Errorf("expected page 2; got %d", got)
	}

	if !Frame(123).Valid() || InvalidFrame.Valid() {
		t.Error("frame validity check failed")
	}

	if got := Frame(2).Address(); got != 0x2000 {
		t.Errorf("expected frame address 0x2000; got 0x%x", got)
	}
}
