// Package sched owns the thread and process tables, the per-priority ready
// queues, the thread state machine, and the global syscall FIFO. It is the
// concurrency heart of the kernel: one coarse lock serializes every change
// to the tables, the queues, and the per-CPU dispatch state.
package sched

import (
	"sync"

	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/platform"
)

// Thread states.
const (
	ThreadQueued = iota
	ThreadRunning
	ThreadBlocked
	ThreadZombie
	ThreadSleeping
)

// Priorities. Larger is more urgent.
const (
	PriorityNormal  = 1
	PriorityHigh    = 2
	PriorityHighest = 3

	priorityCount = PriorityHighest + 1
)

// Exit status namespaces, combined with the low status byte.
const (
	ExitNormal   = 0x100
	ExitSignaled = 0x200
)

// Descriptor kinds for the per-process I/O table.
const (
	IONone = iota
	IOFile
	IOSocket
)

// Descriptor flags.
const (
	OCloExec = 0x200
	OCloFork = 0x400
	ONonblock = 0x100
)

// Refcounted descriptors survive fork by reference.
type Refcounted interface {
	Retain()
}

// IODescriptor is one slot in a process's descriptor table. Data is owned
// by the subsystem that created the slot (socket layer, file relay).
type IODescriptor struct {
	Valid bool
	Type  int
	Flags int
	Data  interface{}
}

// Thread is one schedulable unit. The SyscallRequest slot is embedded: a
// thread has exactly one in-flight syscall, ever.
type Thread struct {
	Status   int
	CPU      int
	Priority int
	Pid, Tid int
	Time     uint64 // remaining timeslice, or sleep ticks when sleeping

	NormalExit     bool
	Clean          bool
	HandlingSignal bool

	SignalMask    Sigset
	Trampoline    uint64
	signalQueue   []pendingSignal
	handlers      map[int]uint64
	SignalContext *platform.Context

	Syscall    SyscallRequest
	ExitStatus int
	Pages      int

	Context *platform.Context
	Highest uint64

	next *Thread // ready queue linkage
}

// Process groups threads and owns the descriptor table.
type Process struct {
	Pid, Parent, Pgrp int
	User, Group       uint32
	Umask             uint32

	Orphan bool
	Zombie bool

	Command string
	Name    string
	Cwd     string

	IO      [limits.MaxIODescriptors]IODescriptor
	IOCount int

	Pages    int
	Threads  []int // tids
	Children []int // pids
}

var (
	mu sync.Mutex

	machine *platform.Machine

	threadTable  = map[int]*Thread{}
	processTable = map[int]*Process{}
	nextPid      = 1

	// Processes and Threads are live entity counts.
	Processes int
	Threads   int

	kernelPid int
	lumenPid  int

	scheduling bool
)

// Init wires the scheduler to a machine and hooks the timer interrupt.
func Init(m *platform.Machine) {
	mu.Lock()
	machine = m
	threadTable = map[int]*Thread{}
	processTable = map[int]*Process{}
	nextPid = 1
	Processes, Threads = 0, 0
	kernelPid, lumenPid = 0, 0
	scheduling = false
	resetQueues()
	mu.Unlock()
	m.OnTick(Timer)
}

// Machine returns the platform the scheduler was initialized with.
func Machine() *platform.Machine { return machine }

// Lock serializes scheduler data structure changes. Callers must not hold
// it across anything that blocks.
func Lock() { mu.Lock() }

// Release drops the scheduler lock.
func Release() { mu.Unlock() }

// GetThread looks a thread up by TID.
func GetThread(tid int) *Thread {
	mu.Lock()
	defer mu.Unlock()
	return threadTable[tid]
}

// GetProcess looks a process up by PID.
func GetProcess(pid int) *Process {
	mu.Lock()
	defer mu.Unlock()
	return processTable[pid]
}

func getThreadLocked(tid int) *Thread   { return threadTable[tid] }
func getProcessLocked(pid int) *Process { return processTable[pid] }

// allocPidLocked hands out the next unused ID, shared between processes and
// threads so a main thread's TID equals its PID.
func allocPidLocked() int {
	for i := 0; i < limits.MaxPid; i++ {
		pid := nextPid
		nextPid++
		if nextPid > limits.MaxPid {
			nextPid = 1
		}
		if threadTable[pid] == nil && processTable[pid] == nil {
			return pid
		}
	}
	return 0
}

// SetKernelPid records the PID that owns kernel threads.
func SetKernelPid(pid int) {
	mu.Lock()
	kernelPid = pid
	mu.Unlock()
}

// KernelPid returns the kernel's own PID.
func KernelPid() int {
	mu.Lock()
	defer mu.Unlock()
	return kernelPid
}

// SetLumenPid records the user-space router's PID at boot.
func SetLumenPid(pid int) {
	mu.Lock()
	lumenPid = pid
	mu.Unlock()
}

// LumenPid returns the router's PID, zero before it is started.
func LumenPid() int {
	mu.Lock()
	defer mu.Unlock()
	return lumenPid
}

// GetPid returns the PID dispatched on the CPU, zero when idle.
func GetPid(cpu *platform.CPU) int { return cpu.Pid }

// GetTid returns the TID dispatched on the CPU, zero when idle.
func GetTid(cpu *platform.CPU) int { return cpu.Tid }

// CurrentThread resolves the thread dispatched on the CPU.
func CurrentThread(cpu *platform.CPU) *Thread {
	return GetThread(cpu.Tid)
}

// ThreadList snapshots the thread table for diagnostics.
func ThreadList() []*Thread {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Thread, 0, len(threadTable))
	for _, t := range threadTable {
		out = append(out, t)
	}
	return out
}

// ProcessList snapshots the process table for diagnostics.
func ProcessList() []*Process {
	mu.Lock()
	defer mu.Unlock()
	out := make([]*Process, 0, len(processTable))
	for _, p := range processTable {
		out = append(out, p)
	}
	return out
}

// OpenIO claims the first free descriptor slot in p. Returns the slot index
// and the descriptor, or -1 and nil when every slot is taken.
func OpenIO(p *Process) (int, *IODescriptor) {
	mu.Lock()
	defer mu.Unlock()
	return openIOLocked(p)
}

func openIOLocked(p *Process) (int, *IODescriptor) {
	for i := 0; i < limits.MaxIODescriptors; i++ {
		if !p.IO[i].Valid {
			p.IO[i] = IODescriptor{Valid: true}
			p.IOCount++
			return i, &p.IO[i]
		}
	}
	return -1, nil
}

// CloseIO releases a descriptor slot.
func CloseIO(p *Process, idx int) {
	mu.Lock()
	defer mu.Unlock()
	if idx >= 0 && idx < limits.MaxIODescriptors && p.IO[idx].Valid {
		p.IO[idx] = IODescriptor{}
		p.IOCount--
	}
}
