package sched

import (
	"github.com/lumenos/core/kerr"
)

// waitpid option flags.
const (
	WContinued = 0x01
	WNoHang    = 0x02
	WUntraced  = 0x04
)

// processStatusLocked returns the first unreaped zombie thread status of a
// process: the TID, with the exit status stored through status. Zero means
// nothing is ready yet.
func processStatusLocked(p *Process, status *int) int {
	if p == nil {
		return -kerr.ESRCH
	}
	for _, tid := range p.Threads {
		t := threadTable[tid]
		if t == nil {
			continue
		}
		if !t.Clean && t.Status == ThreadZombie {
			t.Clean = true
			*status = t.ExitStatus
			pid := t.Tid
			threadCleanupLocked(t)
			return pid
		}
	}
	return 0
}

// Waitpid polls exit statuses of children. pid > 0 targets one process;
// pid == -1 scans all children of the caller; pid < -1 scans the children of
// process abs(pid) (process groups are not consulted). Returns 0 when no
// status is available, the reaped PID when one is, or a negative errno.
func Waitpid(t *Thread, pid int, status *int, options int) int64 {
	p := GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH
	}

	mu.Lock()
	defer mu.Unlock()

	if pid > 0 {
		return int64(processStatusLocked(processTable[pid], status))
	}

	if pid < -1 {
		p = processTable[-pid]
		if p == nil {
			return -kerr.ESRCH
		}
	}

	if len(p.Children) == 0 {
		return -kerr.ECHILD
	}
	for _, cpid := range p.Children {
		child := processTable[cpid]
		if child == nil {
			continue
		}
		if got := processStatusLocked(child, status); got != 0 {
			return int64(got)
		}
	}
	return 0
}
