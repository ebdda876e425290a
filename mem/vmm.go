package mem

import (
	"github.com/lumenos/core/platform"
)

// Virtual mapping permission flags.
const (
	VmUser  = platform.PageUser
	VmWrite = platform.PageWrite
	VmExec  = 0 // execute permission is implied; kept for call-site clarity
)

// VmAllocate reserves pages contiguous virtual pages inside the half-open
// window [low, high), backs each with a freshly allocated physical page,
// and installs the requested permissions. Returns the base address, zero on
// failure. A partial failure is rolled back.
func VmAllocate(m *platform.Machine, root, low, high uint64, pages int, flags uint64) uint64 {
	if pages <= 0 {
		return 0
	}
	low = (low + platform.PageSize - 1) &^ uint64(platform.PageSize-1)
	span := uint64(pages) * platform.PageSize

	base := uint64(0)
	run := 0
	for virt := low; virt+platform.PageSize <= high; virt += platform.PageSize {
		if _, _, mapped := m.Translate(root, virt); mapped {
			run = 0
			continue
		}
		if run == 0 {
			base = virt
		}
		run++
		if uint64(run)*platform.PageSize == span {
			break
		}
	}
	if uint64(run)*platform.PageSize != span {
		return 0
	}

	for i := 0; i < pages; i++ {
		phys := m.Alloc.PageAlloc()
		if phys == 0 {
			VmFree(m, root, base, i)
			return 0
		}
		if s, err := m.PhysSlice(phys, platform.PageSize); err == nil {
			for j := range s {
				s[j] = 0
			}
		}
		if err := m.MapPage(root, base+uint64(i)*platform.PageSize, phys, platform.PagePresent|flags); err != nil {
			m.Alloc.PageFree(phys)
			VmFree(m, root, base, i)
			return 0
		}
	}
	return base
}

// VmFree unmaps pages starting at virt and releases the backing frames.
func VmFree(m *platform.Machine, root, virt uint64, pages int) {
	for i := 0; i < pages; i++ {
		ent := m.UnmapPage(root, virt+uint64(i)*platform.PageSize)
		if ent&platform.PagePresent != 0 {
			m.Alloc.PageRelease(ent & platform.PageAddrMask)
		}
	}
}

// Page fault status bits, as delivered by the trap plumbing.
const (
	FaultPresent = 1 << 0 // set when the fault was a protection violation
	FaultWrite   = 1 << 1
	FaultUser    = 1 << 2
	FaultFetch   = 1 << 4
)

// FaultVerdict tells the trap handler what to do with a fault.
type FaultVerdict int

const (
	// FaultHandled means the mapping was repaired; resume the thread.
	FaultHandled FaultVerdict = iota
	// FaultKillThread means the access was bad; terminate the thread.
	FaultKillThread
	// FaultFatal means the kernel itself faulted.
	FaultFatal
)

// PageFault classifies a fault in the address space rooted at root.
// highest is the faulting thread's break watermark: not-present faults
// below it are demand-paged, everything else in user space kills the
// thread, and kernel-mode faults are fatal.
func PageFault(m *platform.Machine, root, addr, highest uint64, status uint64) FaultVerdict {
	if status&FaultUser == 0 {
		return FaultFatal
	}
	if addr >= platform.UserLimit {
		return FaultKillThread
	}
	if status&FaultPresent == 0 && addr < highest {
		page := addr &^ uint64(platform.PageSize-1)
		phys := m.Alloc.PageAlloc()
		if phys == 0 {
			return FaultKillThread
		}
		if s, err := m.PhysSlice(phys, platform.PageSize); err == nil {
			for j := range s {
				s[j] = 0
			}
		}
		if err := m.MapPage(root, page, phys, platform.PagePresent|VmUser|VmWrite); err != nil {
			m.Alloc.PageFree(phys)
			return FaultKillThread
		}
		return FaultHandled
	}
	return FaultKillThread
}
