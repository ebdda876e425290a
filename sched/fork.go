package sched

import (
	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/platform"
)

// Fork clones the calling thread into a new single-threaded process: a deep
// copy of the user half of its address space, a byte copy of its register
// file, the descriptor table with reference counts bumped, and the working
// directory, umask and process group. Returns the child PID to the parent;
// the child's saved return register is set to zero.
func Fork(t *Thread) int64 {
	mu.Lock()
	defer mu.Unlock()

	pid := processCreateLocked()
	if pid == 0 {
		return -kerr.EAGAIN
	}
	p := processTable[pid]
	p.Parent = t.Pid

	child := &Thread{
		Tid:           pid,
		Pid:           pid,
		Priority:      t.Priority,
		Status:        ThreadBlocked, // queued below once the clone is done
		Context:       &platform.Context{},
		SignalContext: &platform.Context{},
		Highest:       t.Highest,
		Pages:         t.Pages,
		SignalMask:    t.SignalMask,
		Trampoline:    t.Trampoline,
		handlers:      cloneHandlers(t.handlers),
	}
	p.Pages = t.Pages

	if err := machine.CloneContext(child.Context, t.Context); err != nil {
		delete(processTable, pid)
		return -kerr.ENOMEM
	}

	parent := processTable[t.Pid]
	if parent != nil {
		for i := 0; i < limits.MaxIODescriptors; i++ {
			if !parent.IO[i].Valid {
				continue
			}
			if parent.IO[i].Flags&OCloFork != 0 {
				continue
			}
			p.IO[i] = parent.IO[i]
			p.IOCount++
			if rc, ok := p.IO[i].Data.(Refcounted); ok {
				rc.Retain()
			}
		}
		p.Cwd = parent.Cwd
		p.Umask = parent.Umask
		p.User = parent.User
		p.Group = parent.Group
		p.Name = parent.Name
		p.Command = parent.Command
		p.Pgrp = parent.Pgrp
		parent.Children = append(parent.Children, pid)
	}

	p.Threads = []int{pid}
	threadTable[pid] = child
	Processes++
	Threads++
	AdjustTimeslice()

	machine.SetContextReturn(child.Context, 0)
	child.Time = Timeslice(child, child.Priority)
	setStateLocked(child, ThreadQueued)
	return int64(pid)
}

func cloneHandlers(h map[int]uint64) map[int]uint64 {
	out := make(map[int]uint64, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
