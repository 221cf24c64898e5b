package vmm

import (
	"testing"

	"vexos/kernel"
	"vexos/kernel/irq"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
)

func faultEnv(t *testing.T) (*testFrameAlloc, *[]*kernel.Error) {
	t.Helper()

	alloc := testEnv(t)

	var kps PagingStruct
	kps.Init()
	kernelPagingStruct = kps

	var panics []*kernel.Error
	panicFn = func(e interface{}) {
		panics = append(panics, e.(*kernel.Error))
	}

	memsetFn = func(uintptr, byte, uintptr) {}
	kmallocOwnsVAFn = func(uintptr) bool { return false }
	inUserAccessFn = kimg.InUserAccessSection

	t.Cleanup(func() {
		panicFn = origFaultPanicFn
		memsetFn = origMemsetFn
		kmallocOwnsVAFn = origOwnsVAFn
		inUserAccessFn = origInUserAccessFn
		userAccessFaultStub = 0
	})

	return alloc, &panics
}

var (
	origFaultPanicFn   = panicFn
	origMemsetFn       = memsetFn
	origOwnsVAFn       = kmallocOwnsVAFn
	origInUserAccessFn = inUserAccessFn
)

func TestLazyHeapFill(t *testing.T) {
	alloc, panics := faultEnv(t)

	kmallocOwnsVAFn = func(va uintptr) bool { return va >= 0x10000000 && va < 0x10100000 }

	var zeroed []uintptr
	memsetFn = func(addr uintptr, val byte, size uintptr) {
		if val != 0 || size != mm.PageSize {
			t.Fatalf("expected a full-page zero fill; got val=%d size=%d", val, size)
		}
		zeroed = append(zeroed, addr)
	}

	if ip := HandlePageFault(0x10000123, 0xc0001000, 0, ReasonAbsent, ActionWrite); ip != 0 {
		t.Fatalf("expected in-place resume; got new ip 0x%x", ip)
	}

	if len(*panics) != 0 {
		t.Fatalf("expected no panic; got %v", *panics)
	}

	// The mirrored frame was requested explicitly: va - map offset.
	if len(alloc.atCalls) != 1 || alloc.atCalls[0] != 0x10000000 {
		t.Fatalf("expected AllocFrameAt(0x10000000); got %v", alloc.atCalls)
	}

	// The page is now mapped RW in the kernel paging struct and zeroed.
	flags, err := kernelPagingStruct.PageFlags(mm.PageFromAddress(0x10000000))
	if err != nil || flags&FlagWrite == 0 {
		t.Fatalf("expected a RW heap mapping; got %b (%v)", flags, err)
	}

	if len(zeroed) != 1 || zeroed[0] != 0x10000000 {
		t.Fatalf("expected the new page to be zeroed; got %v", zeroed)
	}
}

func TestLazyHeapFillExactFrameUnavailable(t *testing.T) {
	alloc, panics := faultEnv(t)

	alloc.failAt = true
	kmallocOwnsVAFn = func(uintptr) bool { return true }

	HandlePageFault(0x10000000, 0xc0001000, 0, ReasonAbsent, ActionRead)

	// Any other free frame would break heap contiguity, so this must be
	// fatal.
	if len(*panics) != 1 || (*panics)[0] != errKernelOutOfMemory {
		t.Fatalf("expected a kernel-out-of-memory panic; got %v", *panics)
	}
}

func TestNullDerefPanics(t *testing.T) {
	_, panics := faultEnv(t)

	HandlePageFault(0x10, 0xc0001000, 0, ReasonAbsent, ActionRead)

	if len(*panics) != 1 || (*panics)[0] != errNullDeref {
		t.Fatalf("expected NULL-deref panic; got %v", *panics)
	}
}

func TestBogusKernelMappingPanics(t *testing.T) {
	_, panics := faultEnv(t)

	HandlePageFault(0x50000000, 0xc0001000, 0, ReasonAbsent, ActionRead)

	if len(*panics) != 1 || (*panics)[0] != errBogusMapping {
		t.Fatalf("expected weird-page panic; got %v", *panics)
	}
}

func TestUserAccessProtFaultRewritesIP(t *testing.T) {
	_, panics := faultEnv(t)

	kimg.SetInfo(kimg.Info{Sections: []kimg.Section{
		{Name: ".useraccess", Start: 0xc0040000, Size: 0x1000},
	}})
	SetUserAccessFaultStub(0xc0040f00)

	ip := HandlePageFault(0x1000, 0xc0040010, 0, ReasonProtection, ActionRead)
	if ip != 0xc0040f00 {
		t.Fatalf("expected resume at the fault stub; got 0x%x", ip)
	}
	if len(*panics) != 0 {
		t.Fatalf("expected no panic; got %v", *panics)
	}

	// The same fault outside .useraccess is fatal.
	HandlePageFault(0x1000, 0xc0800000, 0, ReasonProtection, ActionWrite)
	if len(*panics) != 1 || (*panics)[0] != errKernelProtFault {
		t.Fatalf("expected a protection-violation panic; got %v", *panics)
	}
}

func TestUserModeFaultPanics(t *testing.T) {
	_, panics := faultEnv(t)

	HandlePageFault(0x1234, 0x400000, 3, ReasonAbsent, ActionRead)

	if len(*panics) != 1 || (*panics)[0] != errUserFault {
		t.Fatalf("expected ring-3 fault panic; got %v", *panics)
	}
}

func TestPageFaultISRDecodesErrorCode(t *testing.T) {
	_, panics := faultEnv(t)

	readCR2Fn = func() uintptr { return 0x10 }
	t.Cleanup(func() { readCR2Fn = origReadCR2Fn })

	frame := &irq.InterruptFrame{EIP: 0xc0001000, CS: 0x08, Code: 0}
	pageFaultISR(frame)

	if len(*panics) != 1 || (*panics)[0] != errNullDeref {
		t.Fatalf("expected the decoded absent fault to hit the NULL check; got %v", *panics)
	}
}

var origReadCR2Fn = readCR2Fn
