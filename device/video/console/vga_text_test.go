package console

import (
	"testing"
	"unsafe"
)

func sinkForTest() (*VgaTextSink, *[vgaTextWidth * vgaTextHeight]uint16) {
	var fb [vgaTextWidth * vgaTextHeight]uint16
	return NewVgaTextSink(uintptr(unsafe.Pointer(&fb[0]))), &fb
}

func TestOutputChar(t *testing.T) {
	s, fb := sinkForTest()
	s.clear()

	s.OutputChar('h')
	s.OutputChar('i')

	expAttr := uint16(ColorLightGray) << 8
	if fb[0] != expAttr|'h' || fb[1] != expAttr|'i' {
		t.Fatalf("expected \"hi\" at the framebuffer start; got 0x%x 0x%x", fb[0], fb[1])
	}
}

func TestNewlineAndScroll(t *testing.T) {
	s, fb := sinkForTest()
	s.clear()

	// Fill every row with a marker character.
	for row := 0; row < vgaTextHeight; row++ {
		s.OutputChar(byte('a' + row%26))
		if row != vgaTextHeight-1 {
			s.Newline()
		}
	}

	// One more newline scrolls row 1 into row 0.
	s.Newline()
	s.OutputChar('!')

	if fb[0]&0xff != 'b' {
		t.Fatalf("expected scrolled first row to start with 'b'; got %q", byte(fb[0]))
	}

	if fb[(vgaTextHeight-1)*vgaTextWidth]&0xff != '!' {
		t.Fatal("expected the new character on the last row")
	}
}

func TestLineWrap(t *testing.T) {
	s, fb := sinkForTest()
	s.clear()

	for i := 0; i < vgaTextWidth+1; i++ {
		s.OutputChar('x')
	}

	if fb[vgaTextWidth]&0xff != 'x' {
		t.Fatal("expected output to wrap to the second row")
	}
}

func TestSetColors(t *testing.T) {
	s, fb := sinkForTest()
	s.SetColors(ColorYellow, ColorBlue)
	s.clear()
	s.OutputChar('c')

	exp := uint16(ColorBlue)<<12 | uint16(ColorYellow)<<8 | 'c'
	if fb[0] != exp {
		t.Fatalf("expected colored cell 0x%x; got 0x%x", exp, fb[0])
	}
}

func TestSinkInitDisablesCursor(t *testing.T) {
	defer func() {
		portReadByteFn = origPortReadByteFn
		portWriteByteFn = origPortWriteByteFn
	}()

	var writes []struct {
		port uint16
		val  uint8
	}
	portReadByteFn = func(uint16) uint8 { return 0 }
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, struct {
			port uint16
			val  uint8
		}{port, val})
	}

	s, _ := sinkForTest()
	if err := s.SinkInit(); err != nil {
		t.Fatal(err)
	}

	if len(writes) != 2 || writes[0].val != vgaCursorStartReg || writes[1].val&vgaCursorDisable == 0 {
		t.Fatalf("expected cursor disable sequence; got %v", writes)
	}
}

var (
	origPortReadByteFn  = portReadByteFn
	origPortWriteByteFn = portWriteByteFn
)
