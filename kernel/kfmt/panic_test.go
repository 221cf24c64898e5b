package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"vexos/kernel"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = origCPUHaltFn
		SetOutputSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		descr string
		err   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		cpuHaltCalled = false

		var buf bytes.Buffer
		SetOutputSink(&buf)

		Panic(spec.err)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[%s] expected:\n%q\ngot:\n%q", spec.descr, spec.exp, got)
		}

		if !cpuHaltCalled {
			t.Errorf("[%s] expected cpu.Halt() to be called by Panic", spec.descr)
		}
	}
}

var origCPUHaltFn = cpuHaltFn
