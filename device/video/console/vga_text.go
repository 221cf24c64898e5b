// Package console implements the VGA 80x25 text-mode output sink. Each
// character cell in the framebuffer is two bytes: the ASCII code and an
// attribute byte holding the foreground and background colors (4 bits
// each).
package console

import (
	"reflect"
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kstdio"
)

// The 16 EGA-compatible colors understood by the attribute byte.
const (
	ColorBlack uint8 = iota
	ColorBlue
	ColorGreen
	ColorCyan
	ColorRed
	ColorMagenta
	ColorBrown
	ColorLightGray
	ColorDarkGray
	ColorLightBlue
	ColorLightGreen
	ColorLightCyan
	ColorLightRed
	ColorPink
	ColorYellow
	ColorWhite
)

const (
	vgaTextWidth  = 80
	vgaTextHeight = 25

	// vgaFBPhysAddr is the physical address of the text-mode framebuffer.
	// The first GiB is identity mapped so the kernel can poke it
	// directly.
	vgaFBPhysAddr = 0xb8000

	vgaCRTCIndex       = 0x3d4
	vgaCursorStartReg  = 0x0a
	vgaCursorDisable   = 1 << 5
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// VgaTextSink renders kernel output into the VGA text framebuffer.
type VgaTextSink struct {
	fb []uint16

	fg, bg uint8
	row    uint8
	col    uint8
}

// NewVgaTextSink creates the VGA text sink with its framebuffer overlaid on
// the given physical address. Passing 0 uses the standard VGA window.
func NewVgaTextSink(fbPhysAddr uintptr) *VgaTextSink {
	if fbPhysAddr == 0 {
		fbPhysAddr = vgaFBPhysAddr
	}

	return &VgaTextSink{
		fb: *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
			Len:  vgaTextWidth * vgaTextHeight,
			Cap:  vgaTextWidth * vgaTextHeight,
			Data: fbPhysAddr,
		})),
		fg: ColorLightGray,
		bg: ColorBlack,
	}
}

// SinkName returns the sink identifier.
func (s *VgaTextSink) SinkName() string { return "vgatext" }

// SinkType returns the sink hardware class.
func (s *VgaTextSink) SinkType() kstdio.SinkType { return kstdio.SinkVGAText }

// SetColors selects the attribute byte used for subsequent output.
func (s *VgaTextSink) SetColors(fg, bg uint8) {
	s.fg, s.bg = fg&0xf, bg&0xf
}

// SinkInit clears the screen and hides the hardware cursor; the sink tracks
// its own cursor position.
func (s *VgaTextSink) SinkInit() *kernel.Error {
	s.clear()

	portWriteByteFn(vgaCRTCIndex, vgaCursorStartReg)
	state := portReadByteFn(vgaCRTCIndex + 1)
	portWriteByteFn(vgaCRTCIndex+1, state|vgaCursorDisable)

	return nil
}

// SinkDestroy blanks the framebuffer.
func (s *VgaTextSink) SinkDestroy() {
	s.clear()
}

func (s *VgaTextSink) attr() uint16 {
	return uint16(s.bg)<<12 | uint16(s.fg)<<8
}

func (s *VgaTextSink) clear() {
	blank := s.attr() | ' '
	for i := range s.fb {
		s.fb[i] = blank
	}
	s.row, s.col = 0, 0
}

// OutputChar renders one character at the cursor position, wrapping at the
// right screen edge.
func (s *VgaTextSink) OutputChar(c byte) {
	s.fb[int(s.row)*vgaTextWidth+int(s.col)] = s.attr() | uint16(c)

	if s.col++; s.col == vgaTextWidth {
		s.Newline()
	}
}

// Newline moves the cursor to the start of the next row, scrolling the
// screen up one line when the bottom is reached.
func (s *VgaTextSink) Newline() {
	s.col = 0
	if s.row < vgaTextHeight-1 {
		s.row++
		return
	}

	copy(s.fb, s.fb[vgaTextWidth:])

	blank := s.attr() | ' '
	for i := (vgaTextHeight - 1) * vgaTextWidth; i < len(s.fb); i++ {
		s.fb[i] = blank
	}
}
