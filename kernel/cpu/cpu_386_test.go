package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func(origCpuidFn func(uint32) (uint32, uint32, uint32, uint32)) {
		cpuidFn = origCpuidFn
	}(cpuidFn)

	specs := []struct {
		ebx, ecx, edx uint32
		exp           bool
	}{
		{0x756e6547, 0x6c65746e, 0x49656e69, true},
		{0x68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
			return 0, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestSetKernelStack(t *testing.T) {
	SetKernelStack(0xc0ffee00)
	if got := KernelStack(); got != 0xc0ffee00 {
		t.Fatalf("expected TSS.esp0 to be 0xc0ffee00; got 0x%x", got)
	}
}
