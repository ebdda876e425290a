// Package platform implements the machine the kernel runs on: a simulated
// multi-CPU computer with byte-addressable physical memory, four-level page
// tables stored inside that memory, register contexts, per-CPU state, and
// trap/timer injection. The rest of the kernel only ever talks to this
// package through the context and paging operations, so the simulation could
// be swapped for a real port without touching the upper layers.
package platform

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	PageSize = 4096

	// IOPortBitmapSize is the size of the per-thread I/O port permission
	// bitmap. One bit per port, 65536 ports.
	IOPortBitmapSize = 8192

	// KernelBase is the bottom of the higher-half direct map of physical
	// memory. Kernel virtual = KernelBase + physical.
	KernelBase = 0xFFFF_8000_0000_0000

	// UserLimit is the first address past user space.
	UserLimit = 0x0000_8000_0000_0000

	// UserStackTop is where user thread stacks end.
	UserStackTop = 0x0000_7FFF_FFFF_F000

	// kentryBase is the synthetic address range for registered kernel
	// thread entry points.
	kentryBase = 0xFFFF_FFFF_8000_0000
)

// Allocator hands out physical pages. The kernel wires its physical memory
// manager in here before paging is initialized.
type Allocator interface {
	PageAlloc() uint64                // 0 on exhaustion
	PageAllocContiguous(n int) uint64 // 0 on exhaustion
	PageFree(phys uint64)
	PageRetain(phys uint64)
	PageRelease(phys uint64) bool // true when the last reference dropped
}

// TaskState is the per-CPU task-state structure. It holds the I/O port
// bitmap of the currently dispatched thread.
type TaskState struct {
	IOPorts   [IOPortBitmapSize]byte
	ioCustom  bool
	KernelRSP uint64
}

// CPU is the per-CPU kernel block: which thread and process are dispatched
// here, whether local interrupts are enabled, and the task state.
type CPU struct {
	Id  int
	Tid int // 0 when idle
	Pid int
	TSS TaskState

	irqEnabled bool
	cr3        uint64
}

// IrqEnabled reports whether local interrupts are accepted on this CPU.
func (c *CPU) IrqEnabled() bool { return c.irqEnabled }

// SetIrq gates interrupt delivery on this CPU.
func (c *CPU) SetIrq(on bool) { c.irqEnabled = on }

// TrapFunc handles a trap raised by simulated user code. frame is the
// register file at the moment of the trap.
type TrapFunc func(cpu *CPU, frame *Regs)

// TickFunc handles a timer interrupt on one CPU.
type TickFunc func(cpu *CPU)

// Machine is one simulated computer.
type Machine struct {
	mu   sync.Mutex
	ram  []byte
	cpus []*CPU

	// Alloc must be set before InitPaging.
	Alloc Allocator

	kernelRoot uint64
	kentries   []func(arg uint64)
	kstarted   map[*Context]bool

	trap TrapFunc
	tick TickFunc
	fb   Framebuffer

	halted uint32
	uptime uint64 // milliseconds, advanced by Tick
}

// NewMachine creates a machine with the given CPU count and physical memory
// size. Memory size must be page-aligned.
func NewMachine(cpus int, ramBytes int) (*Machine, error) {
	if cpus < 1 {
		return nil, errors.New("machine needs at least one cpu")
	}
	if ramBytes <= 0 || ramBytes%PageSize != 0 {
		return nil, errors.Errorf("ram size 0x%x is not page aligned", ramBytes)
	}
	m := &Machine{
		ram:      make([]byte, ramBytes),
		kstarted: make(map[*Context]bool),
	}
	for i := 0; i < cpus; i++ {
		cpu := &CPU{Id: i}
		// deny all ports by default
		for j := range cpu.TSS.IOPorts {
			cpu.TSS.IOPorts[j] = 0xff
		}
		m.cpus = append(m.cpus, cpu)
	}
	return m, nil
}

// CountCPU returns the number of simulated CPUs.
func (m *Machine) CountCPU() int { return len(m.cpus) }

// CPU returns the per-CPU block for id.
func (m *Machine) CPU(id int) *CPU { return m.cpus[id] }

// RAMSize returns the physical memory size in bytes.
func (m *Machine) RAMSize() uint64 { return uint64(len(m.ram)) }

// OnTrap registers the kernel's trap entry point.
func (m *Machine) OnTrap(fn TrapFunc) { m.trap = fn }

// OnTick registers the kernel's timer interrupt handler.
func (m *Machine) OnTick(fn TickFunc) { m.tick = fn }

// Trap injects a user-mode trap on the given CPU, as if the dispatched
// thread executed a syscall instruction. It returns once the kernel has
// finished handling the trap; from the simulated thread's point of view the
// call resumes when the scheduler next dispatches it.
func (m *Machine) Trap(cpu int, frame *Regs) {
	if m.trap != nil {
		m.trap(m.cpus[cpu], frame)
	}
}

// Tick advances the machine clock by one millisecond and delivers a timer
// interrupt to every CPU that has interrupts enabled.
func (m *Machine) Tick() {
	atomic.AddUint64(&m.uptime, 1)
	if m.tick == nil {
		return
	}
	for _, cpu := range m.cpus {
		if cpu.irqEnabled {
			m.tick(cpu)
		}
	}
}

// Uptime returns milliseconds since the machine started ticking.
func (m *Machine) Uptime() uint64 { return atomic.LoadUint64(&m.uptime) }

// Idle relinquishes the simulated CPU, the HLT/WFI analogue.
func (m *Machine) Idle() {
	osyield()
}

// Halt stops the machine. Callers invoke it in a loop on fatal errors; the
// first call latches the halted flag so tests and the harness can observe
// the stop, and every call parks briefly instead of spinning hot.
func (m *Machine) Halt() {
	atomic.StoreUint32(&m.halted, 1)
	osyield()
}

// Halted reports whether Halt was called.
func (m *Machine) Halted() bool {
	return atomic.LoadUint32(&m.halted) != 0
}
