package sched

import (
	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
)

// PageFault is the trap entry for memory faults: classify against the
// current thread's address space and break watermark, repair demand-paged
// accesses, and terminate the thread on anything else. A kernel-mode fault
// is returned as fatal for the platform layer to halt on; it never kills a
// thread.
func PageFault(cpu *platform.CPU, addr, status uint64) mem.FaultVerdict {
	t := CurrentThread(cpu)
	if t == nil || status&mem.FaultUser == 0 {
		return mem.FaultFatal
	}
	verdict := mem.PageFault(machine, t.Context.CR3, addr, t.Highest, status)
	if verdict == mem.FaultKillThread {
		klog.Warnf("sched", "tid %d faulted at 0x%x (status 0x%x), killing thread", t.Tid, addr, status)
		TerminateThread(t, -1, false)
		Schedule(cpu)
	}
	return verdict
}
