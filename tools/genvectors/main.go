// genvectors emits the per-vector interrupt entry stubs for the irq
// package: entry_386.s with one stub per vector plus the shared dispatch
// tail, and vectors_386.go with the matching declarations and the vector
// table. The output files are committed; rerun this tool if the stub shape
// changes.
package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"log"
)

// codeVectors lists the exceptions for which the CPU pushes an error code
// itself; every other vector gets a fake zero code pushed by its stub.
var codeVectors = map[int]bool{
	8: true, 10: true, 11: true, 12: true, 13: true, 14: true, 17: true, 30: true,
}

const asmHeader = `// Code generated by tools/genvectors; DO NOT EDIT.

#include "textflag.h"

// interruptCommon is the shared tail of every vector entry stub. On entry
// the stack holds the CPU exception frame, an error code and the vector
// number. It completes the InterruptFrame, dispatches through the per-vector
// ISR slot table and unwinds.
TEXT interruptCommon<>(SB), NOSPLIT|NOFRAME, $0
	PUSHAL
	CLD
	MOVL	$0, BP
	MOVL	SP, AX
	SUBL	$4, SP
	MOVL	AX, 0(SP)
	CALL	·dispatchInterrupt(SB)
	ADDL	$4, SP
	POPAL
	ADDL	$8, SP
	IRETL

`

const asmFooter = `TEXT ·loadIDT(SB), NOSPLIT, $0-4
	MOVL	desc+0(FP), AX
	LIDT	(AX)
	RET
`

func main() {
	var asm, src bytes.Buffer

	asm.WriteString(asmHeader)
	for v := 0; v < 256; v++ {
		fmt.Fprintf(&asm, "TEXT ·vectorEntry%d(SB), NOSPLIT|NOFRAME, $0\n", v)
		if !codeVectors[v] {
			asm.WriteString("\tPUSHL\t$0\n")
		}
		fmt.Fprintf(&asm, "\tPUSHL\t$%d\n", v)
		asm.WriteString("\tJMP\tinterruptCommon<>(SB)\n\n")
	}
	asm.WriteString(asmFooter)

	src.WriteString("// Code generated by tools/genvectors; DO NOT EDIT.\n\npackage irq\n\n")
	for v := 0; v < 256; v++ {
		fmt.Fprintf(&src, "func vectorEntry%d()\n", v)
	}
	src.WriteString("\n// vectorEntries maps each vector number to its entry stub.\nvar vectorEntries = [idtEntryCount]func(){\n")
	for v := 0; v < 256; v += 8 {
		src.WriteString("\t")
		for i := v; i < v+8; i++ {
			fmt.Fprintf(&src, "vectorEntry%d, ", i)
		}
		src.WriteString("\n")
	}
	src.WriteString("}\n")

	if err := ioutil.WriteFile("kernel/irq/entry_386.s", asm.Bytes(), 0644); err != nil {
		log.Fatal(err)
	}
	if err := ioutil.WriteFile("kernel/irq/vectors_386.go", src.Bytes(), 0644); err != nil {
		log.Fatal(err)
	}
}
