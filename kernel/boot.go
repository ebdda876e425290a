// Package kernel is the bootstrap: it brings the subsystems up in order,
// spawns the kernel worker and the per-CPU idle threads, and runs the boot
// sequence that hands control to the user-space router.
package kernel

import (
	"time"

	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/ramdisk"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/servers"
	"github.com/lumenos/core/socket"
	"github.com/lumenos/core/syscalls"
	"github.com/pkg/errors"
)

// reservedBootPages approximates the kernel image and boot structures that
// the physical allocator must never hand out.
const reservedBootPages = 64

var (
	idleThreshold int
	bootPMM       *mem.PMM
)

// PMM returns the physical allocator of the booted kernel.
func PMM() *mem.PMM { return bootPMM }

// Main is the kernel entry point after the platform hands off: memory and
// paging first, then sockets and the scheduler, then the kernel threads.
// One worker drains the syscall queue and pumps the server socket; each CPU
// also gets an idle thread that drains the queue or halts. Returns once
// scheduling is enabled and the boot threads are dispatched.
func Main(m *platform.Machine, ramdiskImage []byte) error {
	klog.Uptime = m.Uptime

	pmm, err := mem.InitPMM(m, reservedBootPages)
	if err != nil {
		return errors.Wrap(err, "physical memory init")
	}
	bootPMM = pmm
	if err := m.InitPaging(); err != nil {
		return errors.Wrap(err, "paging init")
	}
	if err := ramdisk.Init(ramdiskImage); err != nil {
		return errors.Wrap(err, "ramdisk init")
	}

	socket.Init()
	sched.Init(m)
	d := syscalls.Init(m)

	switch cpus := m.CountCPU(); {
	case cpus > 16:
		idleThreshold = 2
	case cpus > 8:
		idleThreshold = 4
	default:
		idleThreshold = 8
	}

	if _, err := sched.KthreadCreate(kernelThread(m, pmm, d), 0); err != nil {
		return errors.Wrap(err, "spawning kernel thread")
	}
	for i := 0; i < m.CountCPU(); i++ {
		if _, err := sched.KthreadCreate(idleThread(m, d, i), 0); err != nil {
			return errors.Wrap(err, "spawning idle thread")
		}
	}

	sched.SetScheduling(true)
	for i := 0; i < m.CountCPU(); i++ {
		sched.Schedule(m.CPU(i))
	}
	return nil
}

// StartTicker drives the machine timer from a host goroutine, one
// millisecond per tick. The harness calls it after Main; tests tick by
// hand instead.
func StartTicker(m *platform.Machine) {
	go func() {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for range t.C {
			if m.Halted() {
				return
			}
			m.Tick()
		}
	}()
}

// fatal logs the boot failure, stops scheduling so nothing stays runnable,
// and halts every CPU.
func fatal(m *platform.Machine, format string, args ...interface{}) {
	klog.Errorf("kernel", format, args...)
	sched.SetScheduling(false)
	sched.StopAll()
	for {
		m.Halt()
	}
}

// kernelThread is the boot worker: it opens the server socket, loads the
// router from the ramdisk, starts it, and then settles into the
// serverIdle/syscall-drain loop forever.
func kernelThread(m *platform.Machine, pmm *mem.PMM, d *syscalls.Dispatcher) func(uint64) {
	return func(arg uint64) {
		cpu := m.CPU(0)
		sched.SetLocalSched(cpu, false)
		sched.SetScheduling(false)

		servers.Init(m, pmm)

		klog.Debugf("kernel", "attempt to load lumen from ramdisk...")

		size := ramdisk.FileSize("lumen")
		if size <= 9 {
			fatal(m, "lumen not present on the ramdisk, halting because there's nothing to do")
		}

		ptr := mem.KernelAlloc(m, int(size))
		if ptr == 0 {
			fatal(m, "failed to allocate memory for lumen, halting because there's nothing to do")
		}
		if ramdisk.Read("lumen", mem.KernelBytes(m, ptr)) != size {
			fatal(m, "failed to read lumen into memory, halting because there's nothing to do")
		}

		pid, err := sched.ExecveMemory(mem.KernelBytes(m, ptr), []string{"lumen"}, nil)
		mem.KernelFree(m, ptr)
		if err != nil {
			fatal(m, "failed to start lumen, halting because there's nothing to do: %v", err)
		}
		sched.SetLumenPid(pid)

		var ps mem.Status
		pmm.ReadStatus(&ps)
		klog.Debugf("kernel", "early boot complete, memory usage: %d / %d pages", ps.UsedPages, ps.UsablePages)

		sched.SetLocalSched(cpu, true)
		sched.SetScheduling(true)

		count := 0
		for !m.Halted() {
			servers.Idle()
			if d.Process(cpu) == 0 {
				m.Idle()
			}
			count++
			if count >= idleThreshold {
				count = 0
				m.Idle()
			}
		}
	}
}

// idleThread drains the syscall queue on its CPU and halts when there is
// nothing to do.
func idleThread(m *platform.Machine, d *syscalls.Dispatcher, cpuId int) func(uint64) {
	return func(arg uint64) {
		cpu := m.CPU(cpuId)
		count := 0
		for !m.Halted() {
			if d.Process(cpu) == 0 {
				m.Idle()
			}
			count++
			if count >= idleThreshold {
				count = 0
				m.Idle()
			}
		}
	}
}
