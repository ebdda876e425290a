package sched

import (
	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
)

// Signal numbers with non-default relevance to the kernel core.
const (
	SIGKILL = 9
	SIGTERM = 15
	SIGCONT = 18
	SIGSTOP = 19
	SIGCHLD = 17
)

// Sigset is a bitmask of signal numbers.
type Sigset uint64

func (s *Sigset) Add(signum int) int64 {
	if signum > limits.MaxSignal {
		return -kerr.EINVAL
	}
	*s |= 1 << uint(signum)
	return 0
}

func (s *Sigset) Del(signum int) int64 {
	if signum > limits.MaxSignal {
		return -kerr.EINVAL
	}
	*s &^= 1 << uint(signum)
	return 0
}

func (s Sigset) Member(signum int) bool {
	if signum > limits.MaxSignal {
		return false
	}
	return s&(1<<uint(signum)) != 0
}

// Fill sets every supported signal.
func (s *Sigset) Fill() {
	*s = 0
	for i := 0; i <= limits.MaxSignal; i++ {
		*s |= 1 << uint(i)
	}
}

type pendingSignal struct {
	signum int
	sender int // tid
}

// SignalRegister installs a user handler address for a signal; zero
// restores the default disposition.
func SignalRegister(t *Thread, signum int, handler uint64) int64 {
	if signum <= 0 || signum > limits.MaxSignal {
		return -kerr.EINVAL
	}
	if signum == SIGKILL || signum == SIGSTOP {
		return -kerr.EINVAL
	}
	mu.Lock()
	if handler == 0 {
		delete(t.handlers, signum)
	} else {
		t.handlers[signum] = handler
	}
	mu.Unlock()
	return 0
}

// SignalSend queues a signal for a thread.
func SignalSend(sender int, tid, signum int) int64 {
	if signum <= 0 || signum > limits.MaxSignal {
		return -kerr.EINVAL
	}
	mu.Lock()
	defer mu.Unlock()
	t := threadTable[tid]
	if t == nil || t.Status == ThreadZombie {
		return -kerr.ESRCH
	}
	t.signalQueue = append(t.signalQueue, pendingSignal{signum: signum, sender: sender})
	return 0
}

// SignalHandle delivers the first pending unmasked signal to a thread.
// Called only at syscall boundaries, by the worker before dispatching a
// queued request. Default disposition terminates the thread. A user handler
// reroutes the saved context into the handler; if the thread was blocked on
// a syscall the request is flagged for retry and the thread requeued, so
// the worker re-enqueues the interrupted call for after the handler
// returns.
func SignalHandle(t *Thread) {
	mu.Lock()
	defer mu.Unlock()

	if t.HandlingSignal || t.Status == ThreadZombie {
		return
	}

	idx := -1
	for i, ps := range t.signalQueue {
		if ps.signum == SIGKILL || !t.SignalMask.Member(ps.signum) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	ps := t.signalQueue[idx]
	t.signalQueue = append(t.signalQueue[:idx], t.signalQueue[idx+1:]...)

	handler, ok := t.handlers[ps.signum]
	if !ok || ps.signum == SIGKILL || t.SignalContext == nil {
		terminateLocked(t, ExitSignaled|ps.signum, false)
		return
	}

	// save the interrupted context and enter the handler; the trampoline
	// page brings the thread back through sigreturn
	*t.SignalContext = *t.Context
	t.Context.Regs.Rip = handler
	t.Context.Regs.Rdi = uint64(ps.signum)
	t.Context.Regs.Rsp -= 8
	machine.WriteVirt(t.Context.CR3, t.Context.Regs.Rsp, leU64(t.Trampoline))
	t.HandlingSignal = true

	if t.Status == ThreadBlocked {
		t.Syscall.Retry = true
	}
	t.Time = Timeslice(t, t.Priority)
	setStateLocked(t, ThreadQueued)
}

// Sigreturn restores the context interrupted by a signal handler. If the
// handler cut a syscall short, the request is re-enqueued and the thread
// blocks again until it completes; retried reports that case.
func Sigreturn(t *Thread) (ret int64, retried bool) {
	mu.Lock()
	if !t.HandlingSignal {
		mu.Unlock()
		return -kerr.EINVAL, false
	}
	*t.Context = *t.SignalContext
	t.HandlingSignal = false
	retry := t.Syscall.Retry
	t.Syscall.Retry = false
	mu.Unlock()

	if retry {
		Block(t)
		Enqueue(&t.Syscall)
		return int64(t.Syscall.Ret), true
	}
	return int64(t.Context.Regs.Rax), false
}

// SignalMaskSet replaces the thread's mask and returns the old one.
func SignalMaskSet(t *Thread, mask Sigset) Sigset {
	mu.Lock()
	old := t.SignalMask
	t.SignalMask = mask
	mu.Unlock()
	return old
}

func leU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
