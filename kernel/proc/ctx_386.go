package proc

// GDT selectors the user-mode iret frame is built from.
const (
	userCS = 0x1b // GDT entry 3 | RPL 3
	userDS = 0x23 // GDT entry 4 | RPL 3
)

// taskSwitch suspends the current task and resumes next. It pushes the
// callee-saved registers and flags onto the current kernel stack, parks the
// resulting stack pointer in prev, installs next's saved stack pointer and
// pops what the peer pushed when it was suspended. Resuming a task that
// never went through taskSwitch is undefined; fresh tasks enter through
// jumpToUser instead.
func taskSwitch(prev, next *TaskContext)

// jumpToUser never returns: it builds an interrupt return frame for
// (ip, sp) with the user-mode selectors and irets into ring 3.
func jumpToUser(ip, sp uintptr)
