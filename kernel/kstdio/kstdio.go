// Package kstdio multiplexes kernel text output over every registered
// output sink. Sinks are registered as they are probed (VGA text, serial,
// framebuffer); writes fan out to all of them.
package kstdio

import "vexos/kernel"

// SinkType tags the hardware class of an output sink.
type SinkType uint8

// The known sink classes.
const (
	SinkVGAText SinkType = iota
	SinkFramebuffer
	SinkSerial
)

// OutputSink is implemented by kernel text output endpoints. OutputChar
// receives every written byte except '\n'; line breaks arrive through
// Newline.
type OutputSink interface {
	// SinkName returns a short identifier for the sink.
	SinkName() string

	// SinkType returns the hardware class of the sink.
	SinkType() SinkType

	// SinkInit prepares the underlying hardware. It is invoked by
	// RegisterSink; a failed init keeps the sink out of the fan-out set.
	SinkInit() *kernel.Error

	// SinkDestroy releases the sink.
	SinkDestroy()

	// OutputChar renders a single character at the cursor position.
	OutputChar(c byte)

	// Newline advances the cursor to the start of the next line,
	// scrolling if required.
	Newline()
}

// ColorSink is implemented by sinks with adjustable foreground/background
// colors.
type ColorSink interface {
	OutputSink

	// SetColors selects the foreground and background color for
	// subsequent output.
	SetColors(fg, bg uint8)
}

var (
	sinks []OutputSink

	errSinkExists = &kernel.Error{Module: "kstdio", Message: "a sink with the same name is already registered", Errno: kernel.EEXIST}
)

// RegisterSink initializes a sink and adds it to the fan-out set.
func RegisterSink(s OutputSink) *kernel.Error {
	for _, other := range sinks {
		if other.SinkName() == s.SinkName() {
			return errSinkExists
		}
	}

	if err := s.SinkInit(); err != nil {
		return err
	}

	sinks = append(sinks, s)
	return nil
}

// UnregisterSink destroys a sink and removes it from the fan-out set.
func UnregisterSink(name string) *kernel.Error {
	for i, s := range sinks {
		if s.SinkName() == name {
			s.SinkDestroy()
			sinks = append(sinks[:i], sinks[i+1:]...)
			return nil
		}
	}

	return &kernel.Error{Module: "kstdio", Message: "no sink with that name", Errno: kernel.ENOENT}
}

// SinkCount returns the number of registered sinks.
func SinkCount() int {
	return len(sinks)
}

// writer adapts the sink fan-out to io.Writer so it can back kfmt.
type writer struct{}

// Writer returns an io.Writer that fans written bytes out to every
// registered sink.
func Writer() *writer {
	return &writer{}
}

func (*writer) Write(p []byte) (int, error) {
	for _, b := range p {
		for _, s := range sinks {
			if b == '\n' {
				s.Newline()
			} else {
				s.OutputChar(b)
			}
		}
	}

	return len(p), nil
}
