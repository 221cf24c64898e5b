package proc

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/vfs"
)

var (
	// processes is the scheduler's process pool. Pointers stay stable;
	// the pool only ever grows or drops entries.
	processes []*Process

	// nextQueuedIdx is the round-robin cursor.
	nextQueuedIdx int

	// nextPID is monotonic; pid 1 is the init process.
	nextPID uint32 = 1

	errPID1Exit = &kernel.Error{Module: "procm", Message: "PID 1 exited", Errno: kernel.EINVAL}
	errSelfKill = &kernel.Error{Module: "procm", Message: "a process cannot reap itself", Errno: kernel.EINVAL}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	vfsOpenFn  = vfs.Open
	vfsCloseFn = vfs.Close
	elfLoadFn  = ElfLoadFromFile
	panicFn    = kfmt.Panic

	currentKStackTopFn = cpu.KernelStack
)

func nextAvailablePID() uint32 {
	pid := nextPID
	nextPID++
	return pid
}

// Find returns the live process with the given pid.
func Find(pid uint32) *Process {
	for _, p := range processes {
		if p.PID == pid && !p.Dead {
			return p
		}
	}
	return nil
}

// Count returns the number of processes in the pool.
func Count() int {
	return len(processes)
}

// loadFromFile opens the target binary through the acting process and hands
// it to the ELF loader.
func loadFromFile(path string, acting, target *Process) *kernel.Error {
	fd, err := vfsOpenFn(path, vfs.O_RDONLY, 0, acting)
	if err != nil {
		return err
	}

	loadErr := elfLoadFn(fd, acting, target)
	vfsCloseFn(fd, acting)
	return loadErr
}

// setupMemory builds the target's address space: a fresh paging structure
// with the kernel aliased in, the binary image and the user stack.
func setupMemory(path string, acting, target *Process) *kernel.Error {
	target.PagingStruct = &vmm.PagingStruct{}
	if err := target.PagingStruct.Init(); err != nil {
		return err
	}

	if err := target.PagingStruct.MapKernelInto(); err != nil {
		target.freeResources()
		return err
	}

	if err := loadFromFile(path, acting, target); err != nil {
		target.freeResources()
		return err
	}

	if err := target.createUserStack(); err != nil {
		target.freeResources()
		return err
	}

	if err := target.createKernelStack(); err != nil {
		target.freeResources()
		return err
	}

	return nil
}

// freeResources releases everything a process owns besides its pool slot.
func (p *Process) freeResources() {
	p.destroyKernelStack()

	if p.PagingStruct != nil {
		p.PagingStruct.Destroy()
		p.PagingStruct = nil
	}
}

// Spawn creates a new process from the ELF image at path, acting through
// actingproc's address space and descriptors, and installs it into the
// scheduler pool. The new pid is returned.
func Spawn(path string, acting *Process) (uint32, *kernel.Error) {
	if path == "" {
		return 0, errBadPath
	}

	target := &Process{Path: path}

	if err := setupMemory(path, acting, target); err != nil {
		return 0, err
	}

	target.PID = nextAvailablePID()
	target.Parent = acting
	target.fds = nil

	processes = append(processes, target)
	return target.PID, nil
}

// kernelProc is the pseudo-process acting as the open/copy context before
// pid 1 exists. It runs on the kernel paging structure and owns a private
// fd table.
var kernelProc = &Process{PID: 0}

// SpawnInit creates pid 1 from the given binary. Must be called once, after
// the VFS has a root mount.
func SpawnInit(path string) (uint32, *kernel.Error) {
	kernelProc.PagingStruct = vmm.KernelPagingStruct()

	pid, err := Spawn(path, kernelProc)
	if err != nil {
		return 0, err
	}

	if pid != 1 {
		return 0, errNoPID
	}

	return pid, nil
}

// Replace rebuilds actingproc in place from a new binary, exec-style: same
// pid, same fd table, fresh address space and stacks.
func Replace(path string, acting *Process) *kernel.Error {
	if path == "" {
		return errBadPath
	}

	replacement := &Process{Path: path}
	if err := setupMemory(path, acting, replacement); err != nil {
		return err
	}

	oldPS := acting.PagingStruct
	oldKStackTop := acting.KStackTop

	// Move the replacement into the existing pool slot so outstanding
	// pointers (pid, fd table) stay valid.
	acting.Path = replacement.Path
	acting.PagingStruct = replacement.PagingStruct
	acting.InstPtr = replacement.InstPtr
	acting.StackTop = replacement.StackTop
	acting.StackPtr = replacement.StackPtr
	acting.StackPageSpan = replacement.StackPageSpan
	acting.KStackTop = replacement.KStackTop
	acting.entered = false

	oldPS.Destroy()

	// The old kernel stack may be the one this call is executing on; in
	// that case it stays allocated until the process is reaped.
	if oldKStackTop != 0 && oldKStackTop != currentKStackTopFn() {
		kfreeFn(oldKStackTop - KStackSize)
	}

	return nil
}

// MarkDead flags a process as exited; the scheduler reaps it on its next
// pass.
func MarkDead(status int32, p *Process) {
	p.ExitStatus = status
	p.Dead = true
}

// reap removes a dead process from the pool and releases its resources.
func reap(p *Process) {
	p.freeResources()

	for i, cur := range processes {
		if cur == p {
			processes = append(processes[:i], processes[i+1:]...)
			if nextQueuedIdx > i {
				nextQueuedIdx--
			}
			return
		}
	}
}

// TryReap reaps targetproc on behalf of actingproc. The last process in the
// system is pid 1; its death halts the kernel.
func TryReap(acting, target *Process) *kernel.Error {
	if acting == target {
		if len(processes) == 1 {
			kfmt.Printf("[procm] PID 1 returned %d\n", target.ExitStatus)
			panicFn(errPID1Exit)
		}
		return errSelfKill
	}

	reap(target)
	return nil
}

// NextQueued returns the next process in round-robin order, skipping and
// reaping dead entries.
func NextQueued() *Process {
	for len(processes) > 0 {
		if nextQueuedIdx >= len(processes) {
			nextQueuedIdx = 0
		}

		p := processes[nextQueuedIdx]
		if p.Dead {
			if p.PID == 1 {
				kfmt.Printf("[procm] PID 1 returned %d\n", p.ExitStatus)
				panicFn(errPID1Exit)
			}
			reap(p)
			continue
		}

		nextQueuedIdx++
		return p
	}

	return nil
}
