package cpu

// SaveFlags returns the current EFLAGS value.
func SaveFlags() uintptr

// RestoreFlags loads EFLAGS, restoring the interrupt-enable state captured
// by a previous SaveFlags.
func RestoreFlags(flags uintptr)
