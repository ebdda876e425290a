package platform

import (
	"testing"
)

// testAlloc is a trivial bump allocator over machine memory so the paging
// code can be exercised without the kernel's PMM.
type testAlloc struct {
	next uint64
	end  uint64
	refs map[uint64]int
}

func newTestAlloc(size uint64) *testAlloc {
	return &testAlloc{next: PageSize, end: size, refs: map[uint64]int{}}
}

func (a *testAlloc) PageAlloc() uint64 {
	if a.next >= a.end {
		return 0
	}
	p := a.next
	a.next += PageSize
	a.refs[p] = 1
	return p
}

func (a *testAlloc) PageAllocContiguous(n int) uint64 {
	if a.next+uint64(n)*PageSize > a.end {
		return 0
	}
	p := a.next
	a.next += uint64(n) * PageSize
	return p
}

func (a *testAlloc) PageFree(phys uint64)   { delete(a.refs, phys) }
func (a *testAlloc) PageRetain(phys uint64) { a.refs[phys]++ }
func (a *testAlloc) PageRelease(phys uint64) bool {
	a.refs[phys]--
	if a.refs[phys] <= 0 {
		delete(a.refs, phys)
		return true
	}
	return false
}

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(2, 8<<20)
	if err != nil {
		t.Fatal(err)
	}
	m.Alloc = newTestAlloc(8 << 20)
	if err := m.InitPaging(); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestContextSize(t *testing.T) {
	n := ContextSize()
	want := 18*8 + 8 + IOPortBitmapSize
	if n != want {
		t.Fatalf("context size = %d, want %d", n, want)
	}
	ctx := &Context{CR3: 0x1000}
	blob, err := ctx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != n {
		t.Fatalf("packed blob is %d bytes, want %d", len(blob), n)
	}
}

func TestMapTranslate(t *testing.T) {
	m := newTestMachine(t)
	root := m.KernelRoot()

	if err := m.MapPage(root, 0x40_0000, 0x5000, PagePresent|PageUser|PageWrite); err != nil {
		t.Fatal(err)
	}
	phys, flags, ok := m.Translate(root, 0x40_0123)
	if !ok {
		t.Fatal("translation missing")
	}
	if phys != 0x5123 {
		t.Fatalf("phys = 0x%x, want 0x5123", phys)
	}
	if flags&PageUser == 0 || flags&PageWrite == 0 {
		t.Fatalf("flags = 0x%x, missing user/write", flags)
	}

	if old := m.UnmapPage(root, 0x40_0000); old&PagePresent == 0 {
		t.Fatal("unmap returned empty entry")
	}
	if _, _, ok := m.Translate(root, 0x40_0000); ok {
		t.Fatal("translation survived unmap")
	}
}

func TestVirtCrossPage(t *testing.T) {
	m := newTestMachine(t)
	root := m.KernelRoot()

	p1 := m.Alloc.PageAlloc()
	p2 := m.Alloc.PageAlloc()
	m.MapPage(root, 0x10000, p1, PagePresent|PageWrite)
	m.MapPage(root, 0x11000, p2, PagePresent|PageWrite)

	msg := make([]byte, 64)
	for i := range msg {
		msg[i] = byte(i)
	}
	addr := uint64(0x11000 - 32) // straddles the boundary
	if err := m.WriteVirt(root, addr, msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 64)
	if err := m.ReadVirt(root, addr, got); err != nil {
		t.Fatal(err)
	}
	for i := range msg {
		if got[i] != msg[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], msg[i])
		}
	}

	if err := m.ReadVirt(root, 0x9000_0000, got); err == nil {
		t.Fatal("read through unmapped address succeeded")
	}
}

func TestKernelHalfShared(t *testing.T) {
	m := newTestMachine(t)
	ctx := &Context{}
	if err := m.CreateContext(ctx, ContextUser, 0, 0); err != nil {
		t.Fatal(err)
	}
	// a kernel-half translation present in the boot root resolves through
	// the new context's root too
	phys, _, ok := m.Translate(ctx.CR3, KernelBase+0x3000)
	if !ok || phys != 0x3000 {
		t.Fatalf("kernel half not aliased: ok=%v phys=0x%x", ok, phys)
	}
}

// createContext followed by cloneContext then setContextReturn on the clone
// yields the value on the clone only.
func TestCloneContextReturn(t *testing.T) {
	m := newTestMachine(t)

	parent := &Context{}
	if err := m.CreateContext(parent, ContextUser, 0x400000, 7); err != nil {
		t.Fatal(err)
	}
	// one user page with recognizable bytes
	phys := m.Alloc.PageAlloc()
	m.MapPage(parent.CR3, 0x400000, phys, PagePresent|PageUser|PageWrite)
	m.WriteVirt(parent.CR3, 0x400000, []byte{0xAD, 0xDE})

	child := &Context{}
	if err := m.CloneContext(child, parent); err != nil {
		t.Fatal(err)
	}
	if child.Regs != parent.Regs {
		t.Fatal("register file was not byte-copied")
	}

	m.SetContextReturn(child, 42)
	if child.Regs.Rax != 42 {
		t.Fatalf("clone rax = %d, want 42", child.Regs.Rax)
	}
	if parent.Regs.Rax == 42 {
		t.Fatal("setting the clone's return perturbed the original")
	}

	// the clone's user page is a private copy
	m.WriteVirt(parent.CR3, 0x400000, []byte{0xEF, 0xBE})
	got := make([]byte, 2)
	m.ReadVirt(child.CR3, 0x400000, got)
	if got[0] != 0xAD || got[1] != 0xDE {
		t.Fatalf("clone saw parent write: % x", got)
	}
}

func TestIOPortBitmapSwitch(t *testing.T) {
	m := newTestMachine(t)
	cpu := m.CPU(0)

	plain := &Context{}
	m.CreateContext(plain, ContextUser, 0, 0)
	custom := &Context{}
	m.CreateContext(custom, ContextUser, 0, 0)
	custom.Ioperm(0x3f8, 8, true)

	before := cpu.TSS.IOPorts
	m.LoadContext(cpu, plain)
	if cpu.TSS.IOPorts != before {
		t.Fatal("default-permission switch copied the bitmap")
	}

	m.LoadContext(cpu, custom)
	if cpu.TSS.IOPorts[0x3f8/8]&(1<<(0x3f8%8)) != 0 {
		t.Fatal("opened port still denied after switch")
	}

	// switching back from a custom thread must restore the deny-all map
	m.LoadContext(cpu, plain)
	if cpu.TSS.IOPorts[0x3f8/8]&(1<<(0x3f8%8)) == 0 {
		t.Fatal("stale custom bitmap survived switch to default thread")
	}
}

func TestSyscallFrame(t *testing.T) {
	ctx := &Context{}
	ctx.Regs.Rax = 16
	ctx.Regs.Rdi, ctx.Regs.Rsi, ctx.Regs.Rdx, ctx.Regs.R8 = 1, 2, 3, 4
	fn, params := ctx.SyscallFrame()
	if fn != 16 || params != [4]uint64{1, 2, 3, 4} {
		t.Fatalf("frame = %d %v", fn, params)
	}
}

func TestCleanThreadFreesPages(t *testing.T) {
	m := newTestMachine(t)
	alloc := m.Alloc.(*testAlloc)

	ctx := &Context{}
	if err := m.CreateContext(ctx, ContextUser, 0, 0); err != nil {
		t.Fatal(err)
	}
	phys := alloc.PageAlloc()
	m.MapPage(ctx.CR3, 0x400000, phys, PagePresent|PageUser|PageWrite)

	m.CleanThread(ctx)
	if _, live := alloc.refs[phys]; live {
		t.Fatal("user page survived cleanThread")
	}
	if ctx.CR3 != 0 {
		t.Fatal("root not cleared")
	}
}
