package sched

import (
	"github.com/lumenos/core/klog"
)

// TerminateThread marks a thread zombie, frees its user pages, and leaves
// the Thread object in the table for the parent to reap. When the whole
// process turns zombie its children are adopted by the router so they are
// reaped eventually.
func TerminateThread(t *Thread, status int, normal bool) {
	mu.Lock()
	defer mu.Unlock()
	terminateLocked(t, status, normal)
}

func terminateLocked(t *Thread, status int, normal bool) {
	if t.Status == ThreadZombie {
		return
	}
	setStateLocked(t, ThreadZombie)
	t.NormalExit = normal
	t.ExitStatus = status

	machine.CleanThread(t.Context)

	p := processTable[t.Pid]
	if p == nil {
		klog.Warnf("sched", "pid %d from tid %d has no process entry", t.Pid, t.Tid)
		return
	}

	p.Zombie = true
	for _, tid := range p.Threads {
		if other := threadTable[tid]; other != nil && other.Status != ThreadZombie {
			p.Zombie = false
			break
		}
	}

	if p.Zombie && len(p.Children) > 0 {
		for _, cpid := range p.Children {
			if child := processTable[cpid]; child != nil {
				child.Orphan = true
				child.Parent = lumenPid
			}
		}
	}
}

// Exit is normal termination of the calling thread.
func Exit(t *Thread, status int) {
	TerminateThread(t, ExitNormal|status&0xff, true)
}

// ThreadCleanup removes a reaped zombie from the tables, the final step of
// waitpid. Its address space was already freed at termination.
func ThreadCleanup(t *Thread) {
	mu.Lock()
	defer mu.Unlock()
	threadCleanupLocked(t)
}

func threadCleanupLocked(t *Thread) {
	delete(threadTable, t.Tid)
	Threads--

	p := processTable[t.Pid]
	if p == nil {
		return
	}
	for i, tid := range p.Threads {
		if tid == t.Tid {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	if len(p.Threads) == 0 {
		if parent := processTable[p.Parent]; parent != nil {
			for i, cpid := range parent.Children {
				if cpid == p.Pid {
					parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
					break
				}
			}
		}
		delete(processTable, p.Pid)
		Processes--
	}
}

// Yield demotes the calling thread to the back of its ready queue.
func Yield(t *Thread) int64 {
	mu.Lock()
	if t.Status == ThreadRunning {
		setStateLocked(t, ThreadQueued)
	}
	mu.Unlock()
	return 0
}
