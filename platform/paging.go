package platform

import (
	"github.com/pkg/errors"
)

// Page table entry bits, x86_64 layout.
const (
	PagePresent = 1 << 0
	PageWrite   = 1 << 1
	PageUser    = 1 << 2
	PageNX      = 1 << 63

	// PageAddrMask extracts the physical frame from a table entry.
	PageAddrMask = 0x000F_FFFF_FFFF_F000

	pageAddrMask = PageAddrMask
)

const (
	ptLevels    = 4
	ptIndexBits = 9
	ptEntries   = 1 << ptIndexBits
)

func ptIndex(virt uint64, level int) uint64 {
	// level 3 is the root (PML4), level 0 holds leaf entries
	shift := 12 + uint(level)*ptIndexBits
	return (virt >> shift) & (ptEntries - 1)
}

// InitPaging builds the shared kernel half: a direct map of all physical
// memory at KernelBase. Every address space created afterwards aliases this
// half by copying the root's upper entries, so kernel mappings are identical
// in all of them. Alloc must be wired before this is called.
func (m *Machine) InitPaging() error {
	if m.Alloc == nil {
		return errors.New("paging init before physical allocator is wired")
	}
	root := m.Alloc.PageAlloc()
	if root == 0 {
		return errors.New("out of memory building kernel root")
	}
	m.physZero(root)
	m.kernelRoot = root
	for phys := uint64(0); phys < uint64(len(m.ram)); phys += PageSize {
		if err := m.MapPage(root, KernelBase+phys, phys, PagePresent|PageWrite); err != nil {
			return errors.Wrap(err, "direct map")
		}
	}
	return nil
}

// KernelRoot returns the boot address space root.
func (m *Machine) KernelRoot() uint64 { return m.kernelRoot }

// MapPage installs a single 4 KiB translation in the address space rooted
// at root, allocating intermediate table pages as needed. Non-leaf entries
// are created user+write so the leaf entry alone decides access.
func (m *Machine) MapPage(root, virt, phys uint64, flags uint64) error {
	table := root
	for level := ptLevels - 1; level > 0; level-- {
		slot := table + ptIndex(virt, level)*8
		ent := m.physReadU64(slot)
		if ent&PagePresent == 0 {
			next := m.Alloc.PageAlloc()
			if next == 0 {
				return errors.New("out of memory for page table")
			}
			m.physZero(next)
			ent = next | PagePresent | PageWrite | PageUser
			m.physWriteU64(slot, ent)
		}
		table = ent & pageAddrMask
	}
	m.physWriteU64(table+ptIndex(virt, 0)*8, (phys&pageAddrMask)|flags|PagePresent)
	return nil
}

// UnmapPage clears a leaf translation. Intermediate tables are left in
// place. Returns the old entry, zero if nothing was mapped.
func (m *Machine) UnmapPage(root, virt uint64) uint64 {
	table := root
	for level := ptLevels - 1; level > 0; level-- {
		ent := m.physReadU64(table + ptIndex(virt, level)*8)
		if ent&PagePresent == 0 {
			return 0
		}
		table = ent & pageAddrMask
	}
	slot := table + ptIndex(virt, 0)*8
	old := m.physReadU64(slot)
	m.physWriteU64(slot, 0)
	return old
}

// Translate walks the tables for virt. Returns the physical address of the
// byte and the leaf entry flags.
func (m *Machine) Translate(root, virt uint64) (phys uint64, flags uint64, ok bool) {
	table := root
	for level := ptLevels - 1; level > 0; level-- {
		ent := m.physReadU64(table + ptIndex(virt, level)*8)
		if ent&PagePresent == 0 {
			return 0, 0, false
		}
		table = ent & pageAddrMask
	}
	ent := m.physReadU64(table + ptIndex(virt, 0)*8)
	if ent&PagePresent == 0 {
		return 0, 0, false
	}
	return (ent & pageAddrMask) | (virt & (PageSize - 1)), ent &^ pageAddrMask, true
}

// cloneKernelSpace creates a fresh address space whose upper half aliases
// the kernel's. Returns the new root, zero on exhaustion.
func (m *Machine) cloneKernelSpace() uint64 {
	root := m.Alloc.PageAlloc()
	if root == 0 {
		return 0
	}
	m.physZero(root)
	for i := ptEntries / 2; i < ptEntries; i++ {
		m.physWriteU64(root+uint64(i)*8, m.physReadU64(m.kernelRoot+uint64(i)*8))
	}
	return root
}

// cloneUserSpace deep-copies the low half of src into dst: every mapped
// user page gets a freshly allocated physical page with identical contents
// and permission bits. The walk is an explicit four-level recursion.
func (m *Machine) cloneUserSpace(dst, src uint64) error {
	return m.cloneLevel(dst, src, ptLevels-1, 0)
}

func (m *Machine) cloneLevel(dst, src uint64, level int, virtBase uint64) error {
	limit := ptEntries
	if level == ptLevels-1 {
		limit = ptEntries / 2 // low half only
	}
	for i := 0; i < limit; i++ {
		ent := m.physReadU64(src + uint64(i)*8)
		if ent&PagePresent == 0 {
			continue
		}
		virt := virtBase | uint64(i)<<(12+uint(level)*ptIndexBits)
		if level == 0 {
			phys := m.Alloc.PageAlloc()
			if phys == 0 {
				return errors.New("out of memory cloning user page")
			}
			srcPage, err := m.PhysSlice(ent&pageAddrMask, PageSize)
			if err != nil {
				return err
			}
			dstPage, _ := m.PhysSlice(phys, PageSize)
			copy(dstPage, srcPage)
			m.physWriteU64(dst+uint64(i)*8, phys|(ent&^pageAddrMask))
			continue
		}
		next := m.Alloc.PageAlloc()
		if next == 0 {
			return errors.New("out of memory cloning page table")
		}
		m.physZero(next)
		m.physWriteU64(dst+uint64(i)*8, next|(ent&^pageAddrMask))
		if err := m.cloneLevel(next, ent&pageAddrMask, level-1, virt); err != nil {
			return err
		}
	}
	return nil
}

// freeUserSpace walks the low half of root, releasing every mapped user
// page and every table page, then the root itself. Pages may be shared
// after fork-style cloning of descriptors, so leaf releases go through the
// allocator's reference counting.
func (m *Machine) freeUserSpace(root uint64) {
	m.freeLevel(root, ptLevels-1)
	m.Alloc.PageFree(root)
}

func (m *Machine) freeLevel(table uint64, level int) {
	limit := ptEntries
	if level == ptLevels-1 {
		limit = ptEntries / 2
	}
	for i := 0; i < limit; i++ {
		ent := m.physReadU64(table + uint64(i)*8)
		if ent&PagePresent == 0 {
			continue
		}
		if level == 0 {
			m.Alloc.PageRelease(ent & pageAddrMask)
		} else {
			next := ent & pageAddrMask
			m.freeLevel(next, level-1)
			m.Alloc.PageFree(next)
		}
		m.physWriteU64(table+uint64(i)*8, 0)
	}
}

// WalkUserPages calls fn for every mapped user page in root, lowest virtual
// address first. fn returning false stops the walk.
func (m *Machine) WalkUserPages(root uint64, fn func(virt, phys, flags uint64) bool) {
	m.walkLevel(root, ptLevels-1, 0, fn)
}

func (m *Machine) walkLevel(table uint64, level int, virtBase uint64, fn func(virt, phys, flags uint64) bool) bool {
	limit := ptEntries
	if level == ptLevels-1 {
		limit = ptEntries / 2
	}
	for i := 0; i < limit; i++ {
		ent := m.physReadU64(table + uint64(i)*8)
		if ent&PagePresent == 0 {
			continue
		}
		virt := virtBase | uint64(i)<<(12+uint(level)*ptIndexBits)
		if level == 0 {
			if !fn(virt, ent&pageAddrMask, ent&^pageAddrMask) {
				return false
			}
		} else if !m.walkLevel(ent&pageAddrMask, level-1, virt, fn) {
			return false
		}
	}
	return true
}
