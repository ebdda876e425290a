// Package mem is the kernel's memory management: the physical page
// allocator, the virtual memory operations used by exec/sbrk/mmap, the page
// fault classifier, and the page-granular kernel heap.
package mem

import (
	"sync"

	"github.com/lumenos/core/platform"
	"github.com/pkg/errors"
)

// Allocation flags for AllocateContiguous.
const (
	// AllocLow restricts the search to the first 16 MiB for legacy DMA.
	AllocLow = 1 << 0
)

const lowMemoryLimit = 16 << 20

// Status is a snapshot of physical memory accounting.
type Status struct {
	UsablePages   uint64
	UsedPages     uint64
	ReservedPages uint64
	HighestPage   uint64
	HighestAddr   uint64
}

// PMM is the bitmap physical page allocator. It also keeps a per-page
// reference count so pages shared between address spaces are freed exactly
// once. It satisfies platform.Allocator.
type PMM struct {
	mu     sync.Mutex
	bitmap []byte
	refs   []uint16
	status Status
}

// InitPMM builds the allocator for a machine and reserves the low pages
// that hold the kernel image analogue. Page zero is always reserved so a
// zero physical address can mean failure.
func InitPMM(m *platform.Machine, reservedPages uint64) (*PMM, error) {
	pages := m.RAMSize() / platform.PageSize
	if reservedPages < 1 {
		reservedPages = 1
	}
	if reservedPages >= pages {
		return nil, errors.Errorf("reserving %d of %d pages leaves no memory", reservedPages, pages)
	}
	p := &PMM{
		bitmap: make([]byte, (pages+7)/8),
		refs:   make([]uint16, pages),
	}
	p.status.HighestPage = pages
	p.status.HighestAddr = m.RAMSize()
	p.status.UsablePages = pages - reservedPages
	p.status.ReservedPages = reservedPages
	for i := uint64(0); i < reservedPages; i++ {
		p.mark(i, true)
	}
	p.status.UsedPages = 0 // reservations are not "used"
	m.Alloc = p
	return p, nil
}

func (p *PMM) mark(page uint64, used bool) bool {
	byteIdx, bit := page/8, uint(page%8)
	if used {
		if p.bitmap[byteIdx]&(1<<bit) != 0 {
			return false
		}
		p.bitmap[byteIdx] |= 1 << bit
		p.status.UsedPages++
	} else {
		if p.bitmap[byteIdx]&(1<<bit) == 0 {
			return false
		}
		p.bitmap[byteIdx] &^= 1 << bit
		p.status.UsedPages--
	}
	return true
}

func (p *PMM) used(page uint64) bool {
	return p.bitmap[page/8]&(1<<uint(page%8)) != 0
}

// Allocate hands out one page. Returns 0 when memory is exhausted.
func (p *PMM) Allocate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for page := uint64(0); page < p.status.HighestPage; page++ {
		if !p.used(page) {
			p.mark(page, true)
			p.refs[page] = 1
			return page * platform.PageSize
		}
	}
	return 0
}

// AllocateContiguous hands out n physically contiguous pages. AllocLow
// restricts the range to legacy DMA reach.
func (p *PMM) AllocateContiguous(n int, flags int) uint64 {
	if n <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	limit := p.status.HighestPage
	if flags&AllocLow != 0 && limit > lowMemoryLimit/platform.PageSize {
		limit = lowMemoryLimit / platform.PageSize
	}
	run := uint64(0)
	for page := uint64(0); page < limit; page++ {
		if p.used(page) {
			run = 0
			continue
		}
		run++
		if run == uint64(n) {
			start := page - run + 1
			for i := start; i <= page; i++ {
				p.mark(i, true)
				p.refs[i] = 1
			}
			return start * platform.PageSize
		}
	}
	return 0
}

// Free returns one page, regardless of its reference count.
func (p *PMM) Free(phys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := phys / platform.PageSize
	if page < p.status.HighestPage {
		p.refs[page] = 0
		p.mark(page, false)
	}
}

// FreeContiguous returns n pages starting at phys.
func (p *PMM) FreeContiguous(phys uint64, n int) {
	for i := 0; i < n; i++ {
		p.Free(phys + uint64(i)*platform.PageSize)
	}
}

// Retain bumps the share count of an allocated page.
func (p *PMM) Retain(phys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := phys / platform.PageSize
	if page < p.status.HighestPage && p.used(page) {
		p.refs[page]++
	}
}

// Release drops one reference and frees the page when the last holder is
// gone. Reports whether the page was actually freed.
func (p *PMM) Release(phys uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := phys / platform.PageSize
	if page >= p.status.HighestPage || !p.used(page) {
		return false
	}
	if p.refs[page] > 1 {
		p.refs[page]--
		return false
	}
	p.refs[page] = 0
	p.mark(page, false)
	return true
}

// ReadStatus copies the current accounting into out.
func (p *PMM) ReadStatus(out *Status) {
	p.mu.Lock()
	*out = p.status
	p.mu.Unlock()
}

// platform.Allocator

func (p *PMM) PageAlloc() uint64                  { return p.Allocate() }
func (p *PMM) PageAllocContiguous(n int) uint64   { return p.AllocateContiguous(n, 0) }
func (p *PMM) PageFree(phys uint64)               { p.Free(phys) }
func (p *PMM) PageRetain(phys uint64)             { p.Retain(phys) }
func (p *PMM) PageRelease(phys uint64) bool       { return p.Release(phys) }
