package kstdio

import (
	"testing"

	"vexos/kernel"
)

type recordingSink struct {
	name     string
	initErr  *kernel.Error
	out      []byte
	newlines int
	dead     bool
}

func (s *recordingSink) SinkName() string          { return s.name }
func (s *recordingSink) SinkType() SinkType        { return SinkSerial }
func (s *recordingSink) SinkInit() *kernel.Error   { return s.initErr }
func (s *recordingSink) SinkDestroy()              { s.dead = true }
func (s *recordingSink) OutputChar(c byte)         { s.out = append(s.out, c) }
func (s *recordingSink) Newline()                  { s.newlines++ }

func resetSinks() { sinks = nil }

func TestWriteFansOutToAllSinks(t *testing.T) {
	defer resetSinks()

	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}

	if err := RegisterSink(a); err != nil {
		t.Fatal(err)
	}
	if err := RegisterSink(b); err != nil {
		t.Fatal(err)
	}

	Writer().Write([]byte("hi\nthere"))

	for _, s := range []*recordingSink{a, b} {
		if got := string(s.out); got != "hithere" {
			t.Errorf("[%s] expected chars %q; got %q", s.name, "hithere", got)
		}
		if s.newlines != 1 {
			t.Errorf("[%s] expected 1 newline; got %d", s.name, s.newlines)
		}
	}
}

func TestRegisterSinkFailures(t *testing.T) {
	defer resetSinks()

	if err := RegisterSink(&recordingSink{name: "dup"}); err != nil {
		t.Fatal(err)
	}

	if err := RegisterSink(&recordingSink{name: "dup"}); err != errSinkExists {
		t.Fatalf("expected duplicate registration to fail; got %v", err)
	}

	initErr := &kernel.Error{Module: "test", Message: "init failed", Errno: kernel.ENODEV}
	if err := RegisterSink(&recordingSink{name: "bad", initErr: initErr}); err != initErr {
		t.Fatalf("expected init error to propagate; got %v", err)
	}

	if SinkCount() != 1 {
		t.Fatalf("expected 1 registered sink; got %d", SinkCount())
	}
}

func TestUnregisterSink(t *testing.T) {
	defer resetSinks()

	s := &recordingSink{name: "gone"}
	RegisterSink(s)

	if err := UnregisterSink("gone"); err != nil {
		t.Fatal(err)
	}

	if !s.dead || SinkCount() != 0 {
		t.Fatal("expected sink to be destroyed and removed")
	}

	if err := UnregisterSink("gone"); err == nil {
		t.Fatal("expected unregistering a missing sink to fail")
	}
}
