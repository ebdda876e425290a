package syscalls

import (
	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
)

// Handle is the trap entry for system calls. It saves the trapping thread's
// context, materializes its syscall slot, and classifies the call: IPC,
// read/write and lseek run inline right here, everything else is appended
// to the global FIFO for a kernel worker. When the inline handler finishes
// immediately the thread stays dispatched and resumes with the return value
// in place; otherwise it blocks and the CPU is rescheduled. From the
// simulated thread's point of view this function never returns; control
// comes back to user code only through a context load.
func (d *Dispatcher) Handle(cpu *platform.CPU, frame *platform.Regs) {
	sched.SetLocalSched(cpu, false)
	defer sched.SetLocalSched(cpu, true)

	t := sched.CurrentThread(cpu)
	if t == nil {
		return
	}
	d.m.SaveContext(t.Context, frame)
	req := sched.CreateSyscallContext(t)

	if fastPath(req.Function) {
		s := d.lookup(req.Function)
		if s == nil {
			klog.Warnf("syscall", "undefined fast-path request %d from tid %d, killing thread",
				req.Function, t.Tid)
			sched.TerminateThread(t, -1, false)
			sched.Schedule(cpu)
			return
		}
		ret, unblock := d.Call(s, t, req.Params)
		req.Ret = uint64(ret)
		req.Unblock = unblock
		if unblock {
			d.m.SetContextReturn(t.Context, req.Ret)
			sched.SetState(t, sched.ThreadRunning)
			frame.Rax = req.Ret
			d.m.LoadContext(cpu, t.Context)
			return
		}
		sched.Block(t)
		if ret == -kerr.EAGAIN {
			sched.Enqueue(req) // poll again from the worker loop
		}
	} else {
		sched.Enqueue(req)
		sched.Block(t)
	}
	sched.Schedule(cpu)
}

// Process drains one request from the global FIFO; kernel workers call it
// in a loop. Returns 0 when the queue was empty so the caller can idle the
// CPU.
func (d *Dispatcher) Process(cpu *platform.CPU) int {
	if sched.QueueEmpty() {
		return 0
	}
	req := sched.Dequeue()
	if req == nil {
		return 0
	}
	t := req.Thread
	if t == nil || t.Status != sched.ThreadBlocked {
		// the thread died or was already woken; abandon the request
		req.Busy = false
		return 0
	}

	sched.SetLocalSched(cpu, false)
	defer sched.SetLocalSched(cpu, true)

	s := d.lookup(req.Function)
	if req.Function > MaxSyscall || s == nil {
		klog.Warnf("syscall", "undefined syscall request %d from tid %d, killing thread",
			req.Function, t.Tid)
		sched.TerminateThread(t, -1, false)
		return 1
	}

	sched.SignalHandle(t)
	switch t.Status {
	case sched.ThreadZombie:
		return 1
	case sched.ThreadQueued:
		// rerouted into a signal handler; retry the call afterwards
		sched.Enqueue(req)
		return 1
	case sched.ThreadBlocked:
		d.m.UseContext(cpu, t.Context)
		ret, unblock := d.Call(s, t, req.Params)
		req.Ret = uint64(ret)
		req.Unblock = unblock
		d.m.SetContextReturn(t.Context, req.Ret)
		if !unblock && ret == -kerr.EAGAIN {
			sched.Enqueue(req)
		}
	}

	if t.Status == sched.ThreadBlocked && req.Unblock {
		sched.Unblock(t)
		req.Busy = false
	}
	return 1
}
