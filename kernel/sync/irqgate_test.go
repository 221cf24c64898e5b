package sync

import "testing"

func TestIRQGateRestoresSavedFlags(t *testing.T) {
	defer func() {
		saveFlagsFn = origSaveFlagsFn
		restoreFlagsFn = origRestoreFlagsFn
		disableIRQsFn = origDisableIRQsFn
	}()

	const ifBit = 1 << 9

	flags := uintptr(ifBit)
	disabled := 0
	saveFlagsFn = func() uintptr { return flags }
	disableIRQsFn = func() {
		flags &^= ifBit
		disabled++
	}
	restoreFlagsFn = func(f uintptr) { flags = f }

	var outer, inner IRQGate

	outer.Enter()
	if flags&ifBit != 0 || disabled != 1 {
		t.Fatal("expected IRQs masked after Enter")
	}

	// Nested gates must not re-enable IRQs on inner Leave.
	inner.Enter()
	inner.Leave()
	if flags&ifBit != 0 {
		t.Fatal("expected IRQs to stay masked after the inner Leave")
	}

	outer.Leave()
	if flags&ifBit == 0 {
		t.Fatal("expected the outer Leave to restore the interrupt flag")
	}
}

var (
	origSaveFlagsFn    = saveFlagsFn
	origRestoreFlagsFn = restoreFlagsFn
	origDisableIRQsFn  = disableIRQsFn
)
