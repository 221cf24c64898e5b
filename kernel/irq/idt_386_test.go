package irq

import "testing"

func TestRegisterTrapISRRingValidation(t *testing.T) {
	defer func() { isrs[66] = nil }()

	for _, ring := range []uint8{1, 2, 4} {
		if err := RegisterTrapISR(66, ring, stubTrap); err != errBadRing {
			t.Errorf("expected ring %d registration to fail; got %v", ring, err)
		}
	}

	if err := RegisterTrapISR(66, 0, stubTrap); err != nil {
		t.Fatal(err)
	}

	if idt[66].typeAttr != idtFlagPresent|idtTypeTrapGate32 {
		t.Fatalf("expected a present DPL-0 trap gate; got typeAttr 0x%x", idt[66].typeAttr)
	}

	if err := RegisterTrapISR(66, 3, stubTrap); err != nil {
		t.Fatal(err)
	}

	if idt[66].typeAttr != idtFlagPresent|idtFlagDPL3|idtTypeTrapGate32 {
		t.Fatalf("expected a present DPL-3 trap gate; got typeAttr 0x%x", idt[66].typeAttr)
	}
}

func TestRegisterIRQISRInstallsInterruptGate(t *testing.T) {
	defer func() { isrs[40] = nil }()

	called := false
	if err := RegisterIRQISR(40, func(*InterruptFrame) { called = true }); err != nil {
		t.Fatal(err)
	}

	if idt[40].typeAttr != idtFlagPresent|idtTypeInterruptGate32 {
		t.Fatalf("expected a present DPL-0 interrupt gate; got typeAttr 0x%x", idt[40].typeAttr)
	}

	dispatchInterrupt(&InterruptFrame{Vector: 40})
	if !called {
		t.Fatal("expected the registered ISR to run")
	}
}

func TestIDTEntryEncode(t *testing.T) {
	var entry idtEntry
	entry.encode(0xdeadbeef, gdtKernelCS, idtFlagPresent|idtTypeInterruptGate32)

	if entry.baseLo != 0xbeef || entry.baseHi != 0xdead {
		t.Fatalf("expected base to split into 0xdead:0xbeef; got 0x%x:0x%x", entry.baseHi, entry.baseLo)
	}

	if entry.selector != gdtKernelCS || entry.reserved != 0 {
		t.Fatalf("unexpected selector/reserved encoding: %+v", entry)
	}
}

func TestSpuriousIRQFilter(t *testing.T) {
	defer func(origReadInService func(int) uint8) {
		picReadInServiceFn = origReadInService
		isrs[spuriousMaster] = nil
	}(picReadInServiceFn)

	var handlerCalls int
	isrs[spuriousMaster] = func(*InterruptFrame) { handlerCalls++ }

	// Both in-service registers empty: the IRQ is spurious and the
	// handler must not run.
	picReadInServiceFn = func(int) uint8 { return 0 }
	dispatchInterrupt(&InterruptFrame{Vector: spuriousMaster})
	if handlerCalls != 0 {
		t.Fatal("expected spurious IRQ7 to be filtered")
	}

	// A genuine IRQ7 reports its in-service bit and reaches the handler.
	picReadInServiceFn = func(pic int) uint8 {
		if pic == 0 {
			return 1 << 7
		}
		return 0
	}
	dispatchInterrupt(&InterruptFrame{Vector: spuriousMaster})
	if handlerCalls != 1 {
		t.Fatalf("expected genuine IRQ7 to be dispatched once; got %d calls", handlerCalls)
	}
}

func TestStubIRQAcksPIC(t *testing.T) {
	defer func(origAck func(uint8)) { picAckFn = origAck }(picAckFn)

	var acked []uint8
	picAckFn = func(vector uint8) { acked = append(acked, vector) }

	stubIRQ(&InterruptFrame{Vector: 35})
	if len(acked) != 1 || acked[0] != 35 {
		t.Fatalf("expected stub IRQ handler to ack vector 35; got %v", acked)
	}
}

func TestFromUserMode(t *testing.T) {
	if (&InterruptFrame{CS: gdtKernelCS}).FromUserMode() {
		t.Fatal("expected ring 0 frame")
	}

	if !(&InterruptFrame{CS: 0x1b}).FromUserMode() {
		t.Fatal("expected ring 3 frame")
	}
}
