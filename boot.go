package main

import (
	"vexos/kernel/kimg"
	"vexos/kmain"
)

// multibootInfoPtr and kernelImage are populated by the rt0 initialization
// code from the boot registers and the linker-provided symbols before main
// runs.
var (
	multibootInfoPtr uintptr
	kernelImage      kimg.Info
)

// main works as a trampoline for calling the actual kernel entrypoint
// (kmain.Kmain). It is intentionally defined to prevent the Go compiler
// from optimizing away the kernel code, which it is otherwise unaware is
// reachable from the rt0 stub.
//
// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelImage)
}
