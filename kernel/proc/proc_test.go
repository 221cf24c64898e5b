package proc

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
	"vexos/kernel/mm/kmalloc"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/vfs"
	"vexos/kernel/vfs/ramfs"
)

// fakeMemory captures the target-address-space copies the ELF loader
// performs, keyed by virtual address.
type fakeMemory map[uintptr]byte

func (m fakeMemory) write(vaddr uintptr, data []byte) {
	for i, b := range data {
		m[vaddr+uintptr(i)] = b
	}
}

func (m fakeMemory) zero(vaddr, size uintptr) {
	for i := uintptr(0); i < size; i++ {
		m[vaddr+i] = 0
	}
}

// testFrameAlloc backs frames with kmalloc pages.
type testFrameAlloc struct{ frees int }

func (a *testFrameAlloc) alloc() (mm.Frame, *kernel.Error) {
	page := kmalloc.AllocAligned(mm.PageSize, mm.PageSize)
	if page == 0 {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of test memory", Errno: kernel.ENOMEM}
	}
	return mm.FrameFromAddress(page), nil
}

func (a *testFrameAlloc) AllocFrame() (mm.Frame, *kernel.Error)     { return a.alloc() }
func (a *testFrameAlloc) AllocUserFrame() (mm.Frame, *kernel.Error) { return a.alloc() }
func (a *testFrameAlloc) AllocFrameAt(physAddr uintptr) (mm.Frame, *kernel.Error) {
	return mm.FrameFromAddress(physAddr), nil
}
func (a *testFrameAlloc) FreeFrame(mm.Frame) *kernel.Error {
	a.frees++
	return nil
}

var testArena []byte

func procEnv(t *testing.T) (fakeMemory, *testFrameAlloc) {
	t.Helper()

	kimg.SetInfo(kimg.Info{})

	if err := kmalloc.Init(); err != nil {
		t.Fatal(err)
	}

	testArena = make([]byte, 4*1024*1024)
	base := kernel.AlignUp(uintptr(unsafe.Pointer(&testArena[0])), mm.PageSize)
	id, err := kmalloc.RegisterHeap(kmalloc.Heap{VirtAddr: base, PageSpan: 1000})
	if err != nil {
		t.Fatal(err)
	}
	kmalloc.UseHeap(id)

	alloc := &testFrameAlloc{}
	mm.SetFrameAllocator(alloc)

	// A scratch kernel paging struct so MapKernelInto has something to
	// alias.
	kps := &vmm.PagingStruct{}
	if err := kps.Init(); err != nil {
		t.Fatal(err)
	}
	vmm.AdoptBootPagingStruct(kps.Root())

	memory := fakeMemory{}
	loadPSFn = func(*vmm.PagingStruct) *kernel.Error { return nil }
	copyToTargetFn = memory.write
	zeroTargetFn = memory.zero

	t.Cleanup(func() {
		loadPSFn = origLoadPSFn
		copyToTargetFn = origCopyToTargetFn
		zeroTargetFn = origZeroTargetFn
		processes = nil
		nextQueuedIdx = 0
		nextPID = 1
		current = nil
	})

	return memory, alloc
}

var (
	origLoadPSFn       = loadPSFn
	origCopyToTargetFn = copyToTargetFn
	origZeroTargetFn   = zeroTargetFn
)

// buildNopELF assembles an ELF32 ET_EXEC image with a single PT_LOAD
// segment of 16 NOPs at 0x00400000, memsize 32, flags R|X.
func buildNopELF() []byte {
	const contentOff = 0x100

	img := make([]byte, contentOff+16)
	img[0], img[1], img[2], img[3] = 0x7f, 'E', 'L', 'F'
	img[4] = elfClass32
	binary.LittleEndian.PutUint16(img[16:], elfTypeExec)
	binary.LittleEndian.PutUint16(img[18:], 3) // EM_386
	binary.LittleEndian.PutUint32(img[24:], 0x00400000)
	binary.LittleEndian.PutUint32(img[28:], elfEhdrSize) // phoff right after ehdr
	binary.LittleEndian.PutUint16(img[44:], 1)           // phnum

	ph := img[elfEhdrSize:]
	binary.LittleEndian.PutUint32(ph[0:], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:], contentOff)
	binary.LittleEndian.PutUint32(ph[8:], 0x00400000)
	binary.LittleEndian.PutUint32(ph[16:], 16) // filesize
	binary.LittleEndian.PutUint32(ph[20:], 32) // memsize
	binary.LittleEndian.PutUint32(ph[24:], pfRead|pfExec)

	for i := 0; i < 16; i++ {
		img[contentOff+i] = 0x90
	}

	return img
}

// stageBinary drops a binary into a fresh ramfs mount at the given path.
func stageBinary(t *testing.T, mntpoint, path string, img []byte, acting *Process) {
	t.Helper()

	if err := vfs.RegisterFSDriver(ramfs.Driver()); err != nil && err.Errno != kernel.EEXIST {
		t.Fatal(err)
	}
	if err := vfs.Mount("ramfs", mntpoint, "ramfs", "", 0); err != nil {
		t.Fatal(err)
	}

	fd, err := vfs.Open(path, vfs.O_WRONLY|vfs.O_CREAT, 0755, acting)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = vfs.Write(fd, img, acting); err != nil {
		t.Fatal(err)
	}
	vfs.Close(fd, acting)
}

func TestFDTableGrowsAndReusesSlots(t *testing.T) {
	p := &Process{PID: 1}

	fd0, _ := p.NewFD(10)
	fd1, _ := p.NewFD(11)
	if fd0 != 0 || fd1 != 1 {
		t.Fatalf("expected fds 0 and 1; got %d and %d", fd0, fd1)
	}

	idx, ok := p.FreeFD(fd0)
	if !ok || idx != 10 {
		t.Fatalf("expected FreeFD to return system index 10; got %d (%t)", idx, ok)
	}

	// Closing never shifts: fd1 still maps to 11.
	if idx, ok = p.SysFDIndex(fd1); !ok || idx != 11 {
		t.Fatalf("expected fd1 to keep its slot; got %d (%t)", idx, ok)
	}

	// The freed slot is preferred over growth.
	fd2, _ := p.NewFD(12)
	if fd2 != fd0 {
		t.Fatalf("expected freed slot %d to be reused; got %d", fd0, fd2)
	}

	if _, ok = p.FreeFD(42); ok {
		t.Fatal("expected freeing an unknown fd to fail")
	}
}

func TestOpeningManyFilesGrowsFDTable(t *testing.T) {
	procEnv(t)

	acting := &Process{PID: 1}
	stageBinary(t, "/", "/seed", []byte("x"), acting)

	proc := &Process{PID: 2}
	for i := 0; i < 65; i++ {
		if _, err := vfs.Open("/seed", vfs.O_RDONLY, 0, proc); err != nil {
			t.Fatal(err)
		}
	}

	if proc.FDCount() != 65 {
		t.Fatalf("expected 65 fd table entries; got %d", proc.FDCount())
	}
}

func TestElfLoadTrivialExec(t *testing.T) {
	memory, _ := procEnv(t)

	acting := &Process{PID: 1}
	stageBinary(t, "/", "/bin-init", buildNopELF(), acting)

	target := &Process{Path: "/bin-init", PagingStruct: &vmm.PagingStruct{}}
	if err := target.PagingStruct.Init(); err != nil {
		t.Fatal(err)
	}

	fd, err := vfs.Open("/bin-init", vfs.O_RDONLY, 0, acting)
	if err != nil {
		t.Fatal(err)
	}

	if lerr := ElfLoadFromFile(fd, acting, target); lerr != nil {
		t.Fatal(lerr)
	}

	if target.InstPtr != 0x00400000 {
		t.Fatalf("expected entry point 0x00400000; got 0x%x", target.InstPtr)
	}

	// The single page backing the segment is mapped R|X|USER without W.
	flags, ferr := target.PagingStruct.PageFlags(mm.PageFromAddress(0x00400000))
	if ferr != nil {
		t.Fatal(ferr)
	}
	if flags&vmm.FlagExec == 0 || flags&vmm.FlagUser == 0 || flags&vmm.FlagWrite != 0 {
		t.Fatalf("expected R|X|USER page; got %b", flags)
	}

	// Bytes 0..15 are NOPs, 16..31 zero-padding.
	for i := uintptr(0); i < 16; i++ {
		if memory[0x00400000+i] != 0x90 {
			t.Fatalf("expected NOP at byte %d; got 0x%x", i, memory[0x00400000+i])
		}
	}
	for i := uintptr(16); i < 32; i++ {
		if memory[0x00400000+i] != 0 {
			t.Fatalf("expected zero padding at byte %d; got 0x%x", i, memory[0x00400000+i])
		}
	}
}

func TestElfLoadRejectsBadImages(t *testing.T) {
	procEnv(t)

	acting := &Process{PID: 1}

	bad := buildNopELF()
	bad[0] = 0x00
	stageBinary(t, "/", "/badmagic", bad, acting)

	rel := buildNopELF()
	binary.LittleEndian.PutUint16(rel[16:], 1) // ET_REL
	stageBinary(t, "/rel", "/rel/badtype", rel, acting)

	cls := buildNopELF()
	cls[4] = elfClass64
	stageBinary(t, "/cls", "/cls/badclass", cls, acting)

	specs := []struct {
		path string
		exp  *kernel.Error
	}{
		{"/badmagic", errBadMagic},
		{"/rel/badtype", errBadType},
		{"/cls/badclass", errBadClass},
	}

	for _, spec := range specs {
		target := &Process{PagingStruct: &vmm.PagingStruct{}}
		target.PagingStruct.Init()

		fd, err := vfs.Open(spec.path, vfs.O_RDONLY, 0, acting)
		if err != nil {
			t.Fatal(err)
		}

		if lerr := ElfLoadFromFile(fd, acting, target); lerr != spec.exp {
			t.Errorf("[%s] expected %v; got %v", spec.path, spec.exp, lerr)
		}

		vfs.Close(fd, acting)
	}
}

func TestSpawnInstallsProcess(t *testing.T) {
	procEnv(t)

	acting := &Process{PID: 1}
	stageBinary(t, "/", "/sbin-init", buildNopELF(), acting)

	pid, err := Spawn("/sbin-init", acting)
	if err != nil {
		t.Fatal(err)
	}

	p := Find(pid)
	if p == nil {
		t.Fatal("expected the spawned process in the pool")
	}

	if p.KStackTop == 0 || p.KStackTop%KStackSize != 0 {
		t.Fatalf("expected a naturally aligned kernel stack; got top 0x%x", p.KStackTop)
	}

	if p.StackTop != HighAddress-mm.PageSize || p.StackPageSpan != StackPageSpan {
		t.Fatalf("unexpected user stack geometry: top=0x%x span=%d", p.StackTop, p.StackPageSpan)
	}

	// Stack pages are mapped RW|USER in the new address space.
	flags, ferr := p.PagingStruct.PageFlags(mm.PageFromAddress(p.StackTop - mm.PageSize))
	if ferr != nil {
		t.Fatal(ferr)
	}
	if flags&vmm.FlagWrite == 0 || flags&vmm.FlagUser == 0 {
		t.Fatalf("expected RW|USER stack pages; got %b", flags)
	}

	// Spawning the same image twice produces identical memory images; the
	// pids are sequential.
	pid2, err := Spawn("/sbin-init", acting)
	if err != nil {
		t.Fatal(err)
	}
	if pid2 != pid+1 {
		t.Fatalf("expected monotonic pids; got %d then %d", pid, pid2)
	}

	p2 := Find(pid2)
	if p2.InstPtr != p.InstPtr || p2.StackTop != p.StackTop {
		t.Fatal("expected identical images modulo kernel stacks")
	}
	if p2.KStackTop == p.KStackTop {
		t.Fatal("expected distinct kernel stacks")
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	procEnv(t)

	acting := &Process{PID: 1}
	stageBinary(t, "/", "/seed2", []byte("x"), acting)

	if _, err := Spawn("/no-such-binary", acting); err == nil || err.Errno != kernel.ENOENT {
		t.Fatalf("expected ENOENT; got %v", err)
	}

	if _, err := Spawn("", acting); err != errBadPath {
		t.Fatalf("expected bad-path error; got %v", err)
	}
}

func TestMarkDeadAndReap(t *testing.T) {
	procEnv(t)

	acting := &Process{PID: 1}
	stageBinary(t, "/", "/init3", buildNopELF(), acting)

	if _, err := Spawn("/init3", acting); err != nil {
		t.Fatal(err)
	}

	pid, err := Spawn("/init3", acting)
	if err != nil {
		t.Fatal(err)
	}

	p := Find(pid)
	MarkDead(3, p)

	if Find(pid) != nil {
		t.Fatal("expected dead processes to be invisible to Find")
	}

	// The round-robin walk reaps dead entries as it meets them.
	before := Count()
	NextQueued()
	NextQueued()
	if Count() != before-1 {
		t.Fatal("expected NextQueued to reap the dead process")
	}
}

func TestPID1ExitPanics(t *testing.T) {
	procEnv(t)

	var panicked *kernel.Error
	panicFn = func(e interface{}) { panicked = e.(*kernel.Error) }
	defer func() { panicFn = origProcPanicFn }()

	p := &Process{PID: 1}
	processes = []*Process{p}

	MarkDead(1, p)
	TryReap(p, p)

	if panicked != errPID1Exit {
		t.Fatalf("expected PID 1 exit panic; got %v", panicked)
	}
}

var origProcPanicFn = panicFn

func TestRoundRobinOrder(t *testing.T) {
	procEnv(t)

	a := &Process{PID: 10}
	b := &Process{PID: 11}
	c := &Process{PID: 12}
	processes = []*Process{a, b, c}

	order := []*Process{NextQueued(), NextQueued(), NextQueued(), NextQueued()}
	exp := []*Process{a, b, c, a}

	for i := range exp {
		if order[i] != exp[i] {
			t.Fatalf("expected round-robin position %d to be pid %d; got pid %d", i, exp[i].PID, order[i].PID)
		}
	}
}

func TestDispatchUpdatesTSS(t *testing.T) {
	procEnv(t)

	var tssTops []uintptr
	setKernelStackFn = func(top uintptr) { tssTops = append(tssTops, top) }
	loadSchedPSFn = func(*vmm.PagingStruct) *kernel.Error { return nil }

	var entered []uintptr
	jumpToUserFn = func(ip, sp uintptr) { entered = append(entered, ip) }

	var switched bool
	taskSwitchFn = func(prev, next *TaskContext) { switched = true }

	t.Cleanup(func() {
		setKernelStackFn = origSetKernelStackFn
		loadSchedPSFn = origLoadSchedPSFn
		jumpToUserFn = origJumpToUserFn
		taskSwitchFn = origTaskSwitchFn
	})

	a := &Process{PID: 20, KStackTop: 0x1000, InstPtr: 0x400000, StackPtr: 0xbffff000}
	b := &Process{PID: 21, KStackTop: 0x2000, entered: true}
	processes = []*Process{a, b}

	// First dispatch enters a via the ring-3 jump.
	dispatch(a)
	if len(entered) != 1 || entered[0] != 0x400000 {
		t.Fatalf("expected first entry via jumpToUser; got %v", entered)
	}
	if tssTops[0] != 0x1000 {
		t.Fatalf("expected TSS.esp0 to track a's kernel stack; got 0x%x", tssTops[0])
	}

	// Switching to the already-entered b goes through the context switch.
	dispatch(b)
	if !switched {
		t.Fatal("expected a task switch into b")
	}
	if tssTops[1] != 0x2000 {
		t.Fatalf("expected TSS.esp0 to track b's kernel stack; got 0x%x", tssTops[1])
	}
}

var (
	origSetKernelStackFn = setKernelStackFn
	origLoadSchedPSFn    = loadSchedPSFn
	origJumpToUserFn     = jumpToUserFn
	origTaskSwitchFn     = taskSwitchFn
)

func TestMmapAnonymous(t *testing.T) {
	procEnv(t)

	p := &Process{PID: 5, PagingStruct: &vmm.PagingStruct{}}
	if err := p.PagingStruct.Init(); err != nil {
		t.Fatal(err)
	}

	base, err := p.Mmap(3*mm.PageSize + 1)
	if err != nil {
		t.Fatal(err)
	}

	if base != mmapBase {
		t.Fatalf("expected the first mapping at the region base; got 0x%x", base)
	}

	// The request rounds up to whole pages, all mapped RW|USER.
	for i := uintptr(0); i < 4; i++ {
		flags, ferr := p.PagingStruct.PageFlags(mm.PageFromAddress(base + i*mm.PageSize))
		if ferr != nil {
			t.Fatalf("expected page %d to be mapped; got %v", i, ferr)
		}
		if flags&vmm.FlagWrite == 0 || flags&vmm.FlagUser == 0 {
			t.Fatalf("expected RW|USER mapping; got %b", flags)
		}
	}

	// The next mapping does not overlap the first.
	second, err := p.Mmap(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if second != base+4*mm.PageSize {
		t.Fatalf("expected bump allocation; got 0x%x", second)
	}

	if _, err = p.Mmap(0); err != errBadMmapLen {
		t.Fatalf("expected zero-length mmap to fail; got %v", err)
	}
}
