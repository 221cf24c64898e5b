package vmm

import (
	"unsafe"

	"vexos/kernel"
	"vexos/kernel/kimg"
	"vexos/kernel/mm"
	"vexos/kernel/mm/kmalloc"
)

// PAE uses a 4-entry page directory pointer table; each of its entries
// covers 1 GiB mapped through a 512-entry page directory and 512-entry page
// tables.
const (
	pdptEntryCount  = 4
	tableEntryCount = 512
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	kmallocAlignedFn = kmalloc.AllocAligned
	kfreeFn          = kmalloc.Free

	// kpaddrToVaddrFn translates the physical address of a paging table
	// to the virtual address it is reachable at. All tables live inside
	// the kernel image or kernel heap which are offset-mapped, so the
	// translation is a single addition.
	kpaddrToVaddrFn = func(paddr uintptr) uintptr { return paddr + kimg.MapOffset() }

	// kvaddrToPaddrFn is the inverse of kpaddrToVaddrFn.
	kvaddrToPaddrFn = func(vaddr uintptr) uintptr { return vaddr - kimg.MapOffset() }

	errNoPagingStruct = &kernel.Error{Module: "vmm", Message: "paging structure is not initialized", Errno: kernel.EINVAL}
	errNotMapped      = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped", Errno: kernel.EINVAL}
	errTableAlloc     = &kernel.Error{Module: "vmm", Message: "could not allocate paging table", Errno: kernel.ENOMEM}
)

// PagingStruct is the root of one address space's page translation tree
// together with the list of user pages allocated under it. The kernel's own
// paging structure is a process-wide singleton; every user process gets its
// own instance whose kernel half aliases the kernel's top-level entries.
type PagingStruct struct {
	// root is the kernel virtual address of the page directory pointer
	// table.
	root uintptr

	// trackedPages lists the user pages allocated under this structure so
	// Destroy can release their frames and intermediate tables.
	trackedPages []mm.Page
}

// Root returns the kernel virtual address of the top-level table, 0 for an
// uninitialized structure.
func (ps *PagingStruct) Root() uintptr {
	return ps.root
}

// Init allocates and zeroes the top-level table for this address space.
func (ps *PagingStruct) Init() *kernel.Error {
	root := kmallocAlignedFn(mm.PageSize, mm.PageSize)
	if root == 0 {
		return errTableAlloc
	}

	kernel.Memset(root, 0, mm.PageSize)
	ps.root = root
	ps.trackedPages = nil
	return nil
}

func (ps *PagingStruct) table(vaddr uintptr) []tableEntry {
	return (*(*[tableEntryCount]tableEntry)(unsafe.Pointer(vaddr)))[:]
}

func (ps *PagingStruct) pdpte(vaddr uintptr) *tableEntry {
	return &ps.table(ps.root)[vaddr>>30&(pdptEntryCount-1)]
}

// entryTableVaddr returns the virtual address of the table an entry points
// to, or 0 if the entry is not present.
func entryTableVaddr(entry *tableEntry) uintptr {
	if !entry.HasFlags(entryPresent) {
		return 0
	}
	return kpaddrToVaddrFn(entry.Frame().Address())
}

// pte walks the structure and returns the leaf entry for vaddr together
// with its covering page directory entry. Missing intermediate tables
// terminate the walk with nil results.
func (ps *PagingStruct) pte(vaddr uintptr) (pte, pde *tableEntry) {
	if ps.root == 0 {
		return nil, nil
	}

	pdVaddr := entryTableVaddr(ps.pdpte(vaddr))
	if pdVaddr == 0 {
		return nil, nil
	}

	pde = &ps.table(pdVaddr)[vaddr>>21&(tableEntryCount-1)]
	ptVaddr := entryTableVaddr(pde)
	if ptVaddr == 0 {
		return nil, pde
	}

	return &ps.table(ptVaddr)[vaddr>>12&(tableEntryCount-1)], pde
}

// Map establishes a mapping between a virtual page and a physical memory
// frame inside this address space, allocating intermediate tables on demand,
// and flushes the TLB entry for the page.
func (ps *PagingStruct) Map(page mm.Page, frame mm.Frame, flags PageFlag) *kernel.Error {
	if ps.root == 0 {
		return errNoPagingStruct
	}

	vaddr := page.Address()

	pdpte := ps.pdpte(vaddr)
	pdVaddr := entryTableVaddr(pdpte)
	if pdVaddr == 0 {
		if pdVaddr = kmallocAlignedFn(mm.PageSize, mm.PageSize); pdVaddr == 0 {
			return errTableAlloc
		}

		kernel.Memset(pdVaddr, 0, mm.PageSize)
		pdpte.SetFrame(mm.FrameFromAddress(kvaddrToPaddrFn(pdVaddr)))
		pdpte.SetFlags(entryPresent)
	}

	pde := &ps.table(pdVaddr)[vaddr>>21&(tableEntryCount-1)]
	ptVaddr := entryTableVaddr(pde)
	if ptVaddr == 0 {
		if ptVaddr = kmallocAlignedFn(mm.PageSize, mm.PageSize); ptVaddr == 0 {
			return errTableAlloc
		}

		kernel.Memset(ptVaddr, 0, mm.PageSize)
		pde.SetFrame(mm.FrameFromAddress(kvaddrToPaddrFn(ptVaddr)))
		pde.SetFlags(entryPresent)
	}

	pte := &ps.table(ptVaddr)[vaddr>>12&(tableEntryCount-1)]
	pte.SetFrame(frame)
	pte.SetFlags(entryPresent)
	pte.applyAccessFlags(flags)
	pde.promoteDirFlags(flags)

	flushTLBEntryFn(vaddr)
	return nil
}

// NewUserPage allocates a fresh physical frame, maps it at the given page
// with the user bit forced on and records the page in the structure's
// tracked-page list so Destroy can reclaim it.
func (ps *PagingStruct) NewUserPage(page mm.Page, flags PageFlag) *kernel.Error {
	frame, err := mm.AllocUserFrame()
	if err != nil {
		return err
	}

	if err = ps.Map(page, frame, flags|FlagUser); err != nil {
		mm.FreeFrame(frame)
		return err
	}

	ps.trackedPages = append(ps.trackedPages, page)
	return nil
}

// SetPageFlags turns on the given access flags for an existing mapping.
// Directory-level permissions are promoted where needed but never demoted;
// sibling page tables may depend on them.
func (ps *PagingStruct) SetPageFlags(page mm.Page, flags PageFlag) *kernel.Error {
	pte, pde := ps.pte(page.Address())
	if pte == nil || !pte.HasFlags(entryPresent) {
		return errNotMapped
	}

	pte.setPageFlags(flags)
	pde.promoteDirFlags(flags)

	flushTLBEntryFn(page.Address())
	return nil
}

// RmPageFlags turns off the given access flags for an existing mapping. The
// covering directory entry is left untouched.
func (ps *PagingStruct) RmPageFlags(page mm.Page, flags PageFlag) *kernel.Error {
	pte, _ := ps.pte(page.Address())
	if pte == nil {
		return errNotMapped
	}

	pte.rmPageFlags(flags)

	flushTLBEntryFn(page.Address())
	return nil
}

// PageFlags reports the access flags of an existing mapping.
func (ps *PagingStruct) PageFlags(page mm.Page) (PageFlag, *kernel.Error) {
	pte, _ := ps.pte(page.Address())
	if pte == nil || !pte.HasFlags(entryPresent) {
		return 0, errNotMapped
	}

	flags := FlagRead | FlagPresent
	if pte.HasFlags(entryWrite) {
		flags |= FlagWrite
	}
	if !pte.HasFlags(entryNoExecute) {
		flags |= FlagExec
	}
	if pte.HasFlags(entryUser) {
		flags |= FlagUser
	}
	if pte.HasFlags(entryCacheDis) {
		flags |= FlagNoCache
	}

	return flags, nil
}

// Translate walks the structure and returns the physical address that vaddr
// maps to. Unmapped addresses return 0 and an error.
func (ps *PagingStruct) Translate(vaddr uintptr) (uintptr, *kernel.Error) {
	pte, _ := ps.pte(vaddr)
	if pte == nil || !pte.HasFlags(entryPresent) {
		return 0, errNotMapped
	}

	return pte.Frame().Address() + vaddr%mm.PageSize, nil
}

// MapKernelInto aliases the kernel's top-level entries into this structure
// so ring transitions never need an address space switch. Both the kernel
// image region and the low identity-mapped region used for DMA and legacy
// framebuffers are shared.
func (ps *PagingStruct) MapKernelInto() *kernel.Error {
	if ps.root == 0 || kernelPagingStruct.root == 0 {
		return errNoPagingStruct
	}

	kernelIdx := kimg.VirtAddr() >> 30 & (pdptEntryCount - 1)
	ps.table(ps.root)[kernelIdx] = ps.table(kernelPagingStruct.root)[kernelIdx]
	ps.table(ps.root)[0] = ps.table(kernelPagingStruct.root)[0]

	return nil
}

// Destroy walks the tracked page list releasing every user frame, then
// frees the now-empty intermediate tables and the root.
func (ps *PagingStruct) Destroy() *kernel.Error {
	if ps.root == 0 {
		return errNoPagingStruct
	}

	kernelIdx := kimg.VirtAddr() >> 30 & (pdptEntryCount - 1)

	for _, page := range ps.trackedPages {
		pte, _ := ps.pte(page.Address())
		if pte == nil || !pte.HasFlags(entryPresent) {
			continue
		}

		mm.FreeFrame(pte.Frame())
		pte.SetFrame(0)
		pte.ClearFlags(entryPresent)
	}

	// Free the page tables and directories the tracked pages pulled in,
	// one level per pass so a freed table is never walked through again.
	// The kernel alias entries are shared with the kernel paging struct
	// and must survive.
	var lastPT uintptr
	for _, page := range ps.trackedPages {
		vaddr := page.Address()

		pdVaddr := entryTableVaddr(ps.pdpte(vaddr))
		if pdVaddr == 0 {
			continue
		}

		if ptVaddr := entryTableVaddr(&ps.table(pdVaddr)[vaddr>>21&(tableEntryCount-1)]); ptVaddr != 0 && ptVaddr != lastPT {
			lastPT = ptVaddr
			kfreeFn(ptVaddr)
		}
	}

	var lastPD uintptr
	for _, page := range ps.trackedPages {
		vaddr := page.Address()
		idx := vaddr >> 30 & (pdptEntryCount - 1)
		if idx == kernelIdx || (kernelPagingStruct.root != 0 && ps.table(ps.root)[idx] == ps.table(kernelPagingStruct.root)[idx]) {
			continue
		}

		if pdVaddr := entryTableVaddr(ps.pdpte(vaddr)); pdVaddr != 0 && pdVaddr != lastPD {
			lastPD = pdVaddr
			kfreeFn(pdVaddr)
		}
	}

	kfreeFn(ps.root)
	ps.root = 0
	ps.trackedPages = nil
	return nil
}
