package mem

import (
	"encoding/binary"

	"github.com/lumenos/core/platform"
)

// The kernel heap is deliberately coarse: every allocation takes a whole
// number of physically contiguous pages, with a small header at the base
// recording the byte and page sizes. Callers get the address just past the
// header. Freeing rounds the pointer down to the page boundary to find the
// header again.

const heapHeaderSize = 16

// KernelAlloc returns a kernel virtual address for size bytes, zero on
// exhaustion.
func KernelAlloc(m *platform.Machine, size int) uint64 {
	if size <= 0 {
		return 0
	}
	pages := (size + heapHeaderSize + platform.PageSize - 1) / platform.PageSize
	phys := m.Alloc.PageAllocContiguous(pages)
	if phys == 0 {
		return 0
	}
	var hdr [heapHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(size))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(pages))
	m.PhysWrite(phys, hdr[:])
	return platform.KernelBase + phys + heapHeaderSize
}

// KernelFree releases an allocation made by KernelAlloc.
func KernelFree(m *platform.Machine, ptr uint64) {
	if ptr == 0 {
		return
	}
	phys := (ptr - platform.KernelBase) &^ uint64(platform.PageSize-1)
	var hdr [heapHeaderSize]byte
	if m.PhysRead(phys, hdr[:]) != nil {
		return
	}
	pages := binary.LittleEndian.Uint64(hdr[8:])
	if pages == 0 {
		return
	}
	m.Alloc.PageFree(phys)
	for i := uint64(1); i < pages; i++ {
		m.Alloc.PageFree(phys + i*platform.PageSize)
	}
}

// KernelBytes returns the usable bytes of a heap allocation as a slice
// aliasing machine memory.
func KernelBytes(m *platform.Machine, ptr uint64) []byte {
	if ptr == 0 {
		return nil
	}
	phys := (ptr - platform.KernelBase) &^ uint64(platform.PageSize-1)
	var hdr [heapHeaderSize]byte
	if m.PhysRead(phys, hdr[:]) != nil {
		return nil
	}
	size := binary.LittleEndian.Uint64(hdr[0:])
	s, err := m.PhysSlice(phys+heapHeaderSize, int(size))
	if err != nil {
		return nil
	}
	return s
}
