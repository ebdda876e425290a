package platform

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Context privilege levels.
const (
	ContextKernel = 0
	ContextUser   = 3
)

// FlagIF is the interrupt-enable bit in Rflags.
const FlagIF = 1 << 9

// Regs is the saved register file of a thread, x86_64 layout. The syscall
// ABI puts the function number in Rax, up to four parameters in Rdi, Rsi,
// Rdx and R8, and the return value back in Rax.
type Regs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

// Context is the opaque per-thread platform state: register file, address
// space root, and I/O port permission bitmap. The bitmap uses the TSS
// convention, a set bit denies the port.
type Context struct {
	Regs    Regs
	CR3     uint64
	IOPorts [IOPortBitmapSize]byte

	ioCustom bool
	kentry   int // 1-based index into the machine's kernel entries, 0 = user
	karg     uint64
	kstack   uint64 // physical base of the kernel stack
}

// ContextSize is the byte size of the packed context blob.
func ContextSize() int {
	n, err := struc.Sizeof(&Regs{})
	if err != nil {
		return 0
	}
	return n + 8 + IOPortBitmapSize
}

// MarshalBinary packs the architectural part of the context, used by the
// monitor and by context round-trip tests.
func (c *Context) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &c.Regs); err != nil {
		return nil, errors.Wrap(err, "packing registers")
	}
	if err := struc.Pack(&buf, &struct{ CR3 uint64 }{c.CR3}); err != nil {
		return nil, errors.Wrap(err, "packing cr3")
	}
	buf.Write(c.IOPorts[:])
	return buf.Bytes(), nil
}

// KernelEntry registers fn as a kernel thread entry point and returns the
// synthetic instruction address that names it.
func (m *Machine) KernelEntry(fn func(arg uint64)) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kentries = append(m.kentries, fn)
	return kentryBase + uint64(len(m.kentries)-1)*16
}

// CreateContext initializes ctx for a new thread: zeroed registers, the
// instruction pointer seeded with entry, the first argument register with
// arg, interrupts enabled in the saved flags, a fresh address space aliasing
// the kernel half, and all I/O ports denied. Kernel-level contexts get a
// stack; user contexts are finished later by SetContext.
func (m *Machine) CreateContext(ctx *Context, level int, entry, arg uint64) error {
	*ctx = Context{}
	for i := range ctx.IOPorts {
		ctx.IOPorts[i] = 0xff
	}
	ctx.Regs.Rip = entry
	ctx.Regs.Rdi = arg
	ctx.Regs.Rflags = FlagIF

	root := m.cloneKernelSpace()
	if root == 0 {
		return errors.New("out of memory for address space root")
	}
	ctx.CR3 = root

	if level == ContextKernel {
		if entry < kentryBase || int(entry-kentryBase)/16 >= len(m.kentries) {
			return errors.Errorf("unknown kernel entry 0x%x", entry)
		}
		ctx.kentry = int(entry-kentryBase)/16 + 1
		ctx.karg = arg
		stack := m.Alloc.PageAllocContiguous(threadStackPages)
		if stack == 0 {
			return errors.New("out of memory for kernel stack")
		}
		ctx.kstack = stack
		ctx.Regs.Rsp = KernelBase + stack + uint64(threadStackPages*PageSize)
	}
	return nil
}

const threadStackPages = 16 // 64 KiB, matches limits.ThreadStack

// SetContext finishes a user context for exec: argument and environment
// strings each get a page above the current highest watermark (page aligned,
// plus one guard page), two NULL-terminated pointer arrays are laid out and
// loaded into the first two argument registers, the stack is mapped below
// UserStackTop with a guard page underneath, and the signal-return
// trampoline page is installed. Returns the new highest user address and
// the trampoline address.
func (m *Machine) SetContext(ctx *Context, entry, highest uint64, argv, envp []string) (uint64, uint64, error) {
	base := pageAlign(highest) + PageSize // guard page stays unmapped

	mapData := func(s string) (uint64, error) {
		phys := m.Alloc.PageAlloc()
		if phys == 0 {
			return 0, errors.New("out of memory for argument page")
		}
		m.physZero(phys)
		if len(s) >= PageSize {
			s = s[:PageSize-1]
		}
		m.PhysWrite(phys, []byte(s))
		virt := base
		if err := m.MapPage(ctx.CR3, virt, phys, PagePresent|PageUser); err != nil {
			return 0, err
		}
		base += PageSize
		return virt, nil
	}

	argvPtrs := make([]uint64, 0, len(argv)+1)
	for _, a := range argv {
		p, err := mapData(a)
		if err != nil {
			return 0, 0, err
		}
		argvPtrs = append(argvPtrs, p)
	}
	argvPtrs = append(argvPtrs, 0)

	envpPtrs := make([]uint64, 0, len(envp)+1)
	for _, e := range envp {
		p, err := mapData(e)
		if err != nil {
			return 0, 0, err
		}
		envpPtrs = append(envpPtrs, p)
	}
	envpPtrs = append(envpPtrs, 0)

	// one page holds both pointer arrays
	tablePhys := m.Alloc.PageAlloc()
	if tablePhys == 0 {
		return 0, 0, errors.New("out of memory for argument vectors")
	}
	m.physZero(tablePhys)
	tableVirt := base
	if err := m.MapPage(ctx.CR3, tableVirt, tablePhys, PagePresent|PageUser); err != nil {
		return 0, 0, err
	}
	base += PageSize

	off := uint64(0)
	writePtrs := func(ptrs []uint64) uint64 {
		start := tableVirt + off
		for _, p := range ptrs {
			var b [8]byte
			for i := 0; i < 8; i++ {
				b[i] = byte(p >> (8 * i))
			}
			m.PhysWrite(tablePhys+off, b[:])
			off += 8
		}
		return start
	}
	argvAddr := writePtrs(argvPtrs)
	envpAddr := writePtrs(envpPtrs)

	// signal return trampoline
	tramp, err := mapData(string([]byte{0x0f, 0x05})) // syscall stub
	if err != nil {
		return 0, 0, err
	}

	// stack, with an unmapped guard page below it
	stackBase := UserStackTop - uint64(threadStackPages*PageSize)
	for i := 0; i < threadStackPages; i++ {
		phys := m.Alloc.PageAlloc()
		if phys == 0 {
			return 0, 0, errors.New("out of memory for user stack")
		}
		m.physZero(phys)
		if err := m.MapPage(ctx.CR3, stackBase+uint64(i*PageSize), phys, PagePresent|PageUser|PageWrite); err != nil {
			return 0, 0, err
		}
	}

	ctx.Regs.Rip = entry
	ctx.Regs.Rsp = UserStackTop
	ctx.Regs.Rdi = argvAddr
	ctx.Regs.Rsi = envpAddr
	ctx.Regs.Rflags = FlagIF
	return base, tramp, nil
}

// CloneContext byte-copies the parent's register file into child and builds
// a new address space: kernel half aliased, user half a deep copy.
func (m *Machine) CloneContext(child, parent *Context) error {
	child.Regs = parent.Regs
	child.IOPorts = parent.IOPorts
	child.ioCustom = parent.ioCustom
	root := m.cloneKernelSpace()
	if root == 0 {
		return errors.New("out of memory for cloned address space")
	}
	child.CR3 = root
	if err := m.cloneUserSpace(root, parent.CR3); err != nil {
		m.freeUserSpace(root)
		return errors.Wrap(err, "cloning user space")
	}
	return nil
}

// SaveContext stores the trap frame into ctx.
func (m *Machine) SaveContext(ctx *Context, frame *Regs) {
	ctx.Regs = *frame
}

// LoadContext dispatches ctx on the given CPU. For a kernel context the
// registered entry function is started the first time the context is
// loaded; after that the thread's goroutine is already live and the load is
// pure bookkeeping. For a user context the simulated thread is considered
// running until the next injected trap or tick. The I/O port bitmap is
// copied into the CPU task state only when either the outgoing or incoming
// thread carries non-default permissions.
func (m *Machine) LoadContext(cpu *CPU, ctx *Context) {
	if cpu.TSS.ioCustom || ctx.ioCustom {
		cpu.TSS.IOPorts = ctx.IOPorts
		cpu.TSS.ioCustom = ctx.ioCustom
	}
	cpu.cr3 = ctx.CR3
	cpu.SetIrq(true)

	if ctx.kentry != 0 {
		m.mu.Lock()
		started := m.kstarted[ctx]
		if !started {
			m.kstarted[ctx] = true
		}
		fn := m.kentries[ctx.kentry-1]
		m.mu.Unlock()
		if !started {
			go fn(ctx.karg)
		}
	}
}

// UseContext switches only the address-space root on the CPU, letting a
// kernel worker read and write the owning thread's user memory.
func (m *Machine) UseContext(cpu *CPU, ctx *Context) {
	cpu.cr3 = ctx.CR3
}

// SetContextReturn writes the syscall return register.
func (m *Machine) SetContextReturn(ctx *Context, val uint64) {
	ctx.Regs.Rax = val
}

// SyscallFrame extracts the function number and the four parameters from a
// saved context.
func (c *Context) SyscallFrame() (fn uint64, params [4]uint64) {
	return c.Regs.Rax, [4]uint64{c.Regs.Rdi, c.Regs.Rsi, c.Regs.Rdx, c.Regs.R8}
}

// CleanThread releases everything a dead thread's address space owns: each
// mapped user page, every table page under the low half, and the root. The
// kernel stack of a kernel context is returned too.
func (m *Machine) CleanThread(ctx *Context) {
	if ctx.CR3 != 0 {
		m.freeUserSpace(ctx.CR3)
		ctx.CR3 = 0
	}
	if ctx.kstack != 0 {
		for i := 0; i < threadStackPages; i++ {
			m.Alloc.PageFree(ctx.kstack + uint64(i*PageSize))
		}
		ctx.kstack = 0
	}
	m.mu.Lock()
	delete(m.kstarted, ctx)
	m.mu.Unlock()
}

// Ioperm opens or closes a range of I/O ports in the context's bitmap.
func (c *Context) Ioperm(from, count int, allow bool) {
	for port := from; port < from+count && port < IOPortBitmapSize*8; port++ {
		if allow {
			c.IOPorts[port/8] &^= 1 << uint(port%8)
		} else {
			c.IOPorts[port/8] |= 1 << uint(port%8)
		}
	}
	c.ioCustom = true
}

func pageAlign(v uint64) uint64 {
	return (v + PageSize - 1) &^ uint64(PageSize-1)
}
