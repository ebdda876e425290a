package sched

import (
	"github.com/lumenos/core/platform"
	"github.com/pkg/errors"
)

// ProcessCreate allocates a blank process and returns its PID, zero when
// the ID space is exhausted.
func ProcessCreate() int {
	mu.Lock()
	defer mu.Unlock()
	return processCreateLocked()
}

func processCreateLocked() int {
	pid := allocPidLocked()
	if pid == 0 {
		return 0
	}
	p := &Process{Pid: pid, Cwd: "/"}
	processTable[pid] = p
	return pid
}

// KthreadCreate spawns a kernel thread running fn(arg). All kernel threads
// belong to one designated process; the first call creates it. The new
// thread is enqueued ready to run.
func KthreadCreate(fn func(arg uint64), arg uint64) (int, error) {
	entry := machine.KernelEntry(fn)

	mu.Lock()
	defer mu.Unlock()

	var kp *Process
	if kernelPid != 0 {
		kp = processTable[kernelPid]
	}
	if kp == nil {
		pid := processCreateLocked()
		if pid == 0 {
			return 0, errors.New("out of pids for the kernel process")
		}
		kp = processTable[pid]
		kp.Name = "kernel"
		kernelPid = pid
		Processes++
	}

	tid := allocPidLocked()
	if tid == 0 {
		return 0, errors.New("out of pids for kernel thread")
	}
	t := &Thread{
		Tid:      tid,
		Pid:      kp.Pid,
		Priority: PriorityNormal,
		Status:   ThreadBlocked, // placed on the queue below
		Context:  &platform.Context{},
		handlers: map[int]uint64{},
	}
	if err := machine.CreateContext(t.Context, platform.ContextKernel, entry, arg); err != nil {
		return 0, errors.Wrap(err, "creating kernel context")
	}
	t.Time = Timeslice(t, t.Priority)
	threadTable[tid] = t
	kp.Threads = append(kp.Threads, tid)
	Threads++
	setStateLocked(t, ThreadQueued)
	return tid, nil
}
