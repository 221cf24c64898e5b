package syscall

import (
	"vexos/kernel/proc"
	"vexos/kernel/useraccess"
	"vexos/kernel/vfs"
)

// The kernel-side syscall implementations. Each takes the calling process
// and the raw argument registers; the generated table in zsyscall_table.go
// binds them to numbers.

func sysExit(p *proc.Process, args *Args) int32 {
	proc.MarkDead(int32(args.A0), p)
	proc.Yield()

	// Unreachable for live processes; pid 1 death is handled at reap.
	return 0
}

func sysGetPID(p *proc.Process, _ *Args) int32 {
	return int32(p.PID)
}

func sysSchedYield(_ *proc.Process, _ *Args) int32 {
	proc.Yield()
	return 0
}

func sysOpen(p *proc.Process, args *Args) int32 {
	path, err := useraccess.StringFromUser(uintptr(args.A0))
	if err != nil {
		return errno(err)
	}

	fd, err := vfs.Open(path, args.A1, args.A2, p)
	if err != nil {
		return errno(err)
	}

	return int32(fd)
}

func sysRead(p *proc.Process, args *Args) int32 {
	buf, err := useraccess.SliceFromUser(uintptr(args.A1), uintptr(args.A2))
	if err != nil {
		return errno(err)
	}

	read, err := vfs.Read(int(int32(args.A0)), buf, p)
	if err != nil {
		return errno(err)
	}

	return int32(read)
}

func sysWrite(p *proc.Process, args *Args) int32 {
	buf, err := useraccess.SliceFromUser(uintptr(args.A1), uintptr(args.A2))
	if err != nil {
		return errno(err)
	}

	written, err := vfs.Write(int(int32(args.A0)), buf, p)
	if err != nil {
		return errno(err)
	}

	return int32(written)
}

func sysLseek(p *proc.Process, args *Args) int32 {
	off, err := vfs.Lseek(int(int32(args.A0)), int64(int32(args.A1)), int(int32(args.A2)), p)
	if err != nil {
		return errno(err)
	}

	return int32(off)
}

func sysClose(p *proc.Process, args *Args) int32 {
	return errno(vfs.Close(int(int32(args.A0)), p))
}

func sysExecve(p *proc.Process, args *Args) int32 {
	path, err := useraccess.StringFromUser(uintptr(args.A0))
	if err != nil {
		return errno(err)
	}

	if err = proc.Replace(path, p); err != nil {
		return errno(err)
	}

	// The new image runs on the next dispatch.
	proc.Yield()
	return 0
}

func sysIoctl(p *proc.Process, args *Args) int32 {
	ret, err := vfs.Ioctl(int(int32(args.A0)), args.A1, uintptr(args.A2), p)
	if err != nil {
		return errno(err)
	}

	return int32(ret)
}

func sysMmap(p *proc.Process, args *Args) int32 {
	// Only anonymous mappings are supported; the addr hint, protection
	// and fd arguments are ignored.
	base, err := p.Mmap(uintptr(args.A1))
	if err != nil {
		return errno(err)
	}

	return int32(base)
}

func sysSpawn(p *proc.Process, args *Args) int32 {
	path, err := useraccess.StringFromUser(uintptr(args.A0))
	if err != nil {
		return errno(err)
	}

	pid, err := proc.Spawn(path, p)
	if err != nil {
		return errno(err)
	}

	return int32(pid)
}
