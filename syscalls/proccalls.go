package syscalls

import (
	"encoding/binary"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/ramdisk"
	"github.com/lumenos/core/sched"
)

// Process lifecycle and identity calls. All of these arrive through the
// queue; the worker has already switched into the requester's address
// space.

func (k *Kernel) Exit(t *sched.Thread, code int) (int64, bool) {
	sched.Exit(t, code)
	return 0, false
}

func (k *Kernel) Fork(t *sched.Thread) int64 {
	return sched.Fork(t)
}

func (k *Kernel) Yield(t *sched.Thread) int64 {
	// unblocking the request is the yield: the thread rejoins the back of
	// its ready queue with a fresh timeslice
	return 0
}

func (k *Kernel) Waitpid(t *sched.Thread, pid int, status Obuf, options int) (int64, bool) {
	var st int
	ret := sched.Waitpid(t, pid, &st, options)
	if ret == 0 && options&sched.WNoHang == 0 {
		return -kerr.EAGAIN, false // keep polling until a child exits
	}
	if ret > 0 && status.Addr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(st))
		if err := status.Write(b[:]); err != nil {
			return -kerr.EFAULT, true
		}
	}
	return ret, true
}

// Execrdv starts a new process from an executable on the boot ramdisk and
// returns its PID. The router uses it to bring up its servers before any
// file system exists.
func (k *Kernel) Execrdv(t *sched.Thread, name string, argv Buf) (int64, bool) {
	image := ramdisk.ReadFile(name)
	if image == nil {
		return -kerr.ENOENT, true
	}
	args, err := k.readStrArray(t, argv)
	if err != nil {
		return -kerr.EFAULT, true
	}
	if len(args) == 0 {
		args = []string{name}
	}
	pid, err := sched.ExecveMemory(image, args, nil)
	if err != nil {
		return -kerr.ENOEXEC, true
	}
	return int64(pid), true
}

// Execve spawns from the ramdisk as well; path resolution through the
// mounted file systems belongs to the router, which re-enters through
// Execrdv once it has read the image.
func (k *Kernel) Execve(t *sched.Thread, path string, argv Buf, envp Buf) (int64, bool) {
	return k.Execrdv(t, path, argv)
}

func (k *Kernel) readStrArray(t *sched.Thread, buf Buf) ([]string, error) {
	if buf.Addr == 0 {
		return nil, nil
	}
	var out []string
	addr := buf.Addr
	for len(out) < 256 {
		var b [8]byte
		if err := k.m.ReadVirt(t.Context.CR3, addr, b[:]); err != nil {
			return nil, err
		}
		ptr := binary.LittleEndian.Uint64(b[:])
		if ptr == 0 {
			break
		}
		s, err := k.m.ReadStrVirt(t.Context.CR3, ptr, 4096)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		addr += 8
	}
	return out, nil
}

func (k *Kernel) Getpid(t *sched.Thread) int64 { return int64(t.Pid) }
func (k *Kernel) Gettid(t *sched.Thread) int64 { return int64(t.Tid) }

func (k *Kernel) Getuid(t *sched.Thread) int64 {
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH
	}
	return int64(p.User)
}

func (k *Kernel) Getgid(t *sched.Thread) int64 {
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH
	}
	return int64(p.Group)
}

func (k *Kernel) Msleep(t *sched.Thread, ms int) (int64, bool) {
	if ms <= 0 {
		return 0, true
	}
	sched.Msleep(t, uint64(ms))
	return 0, false // the sleep timer requeues the thread
}

// Sbrk grows or shrinks the data segment by delta bytes, moving the
// thread's highest-address watermark. Growth maps fresh zeroed pages below
// the user limit; shrink unmaps only whole pages.
func (k *Kernel) Sbrk(t *sched.Thread, delta int) int64 {
	brk := t.Highest
	if delta == 0 {
		return int64(brk)
	}
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH
	}

	diff := delta
	if diff < 0 {
		diff = -diff
	}
	pages := (diff + platform.PageSize - 1) / platform.PageSize

	if delta > 0 {
		ptr := mem.VmAllocate(k.m, t.Context.CR3, brk, platform.UserLimit, pages, mem.VmUser|mem.VmWrite)
		if ptr == 0 {
			return -kerr.ENOMEM
		}
		if ptr != brk {
			mem.VmFree(k.m, t.Context.CR3, ptr, pages)
			return -kerr.ENOMEM
		}
		t.Pages += pages
		p.Pages += pages
		t.Highest += uint64(pages) * platform.PageSize
	} else {
		ptr := brk - uint64(pages)*platform.PageSize
		if delta%platform.PageSize != 0 {
			pages--
			ptr += platform.PageSize
		}
		if pages > 0 {
			mem.VmFree(k.m, t.Context.CR3, ptr, pages)
		}
		t.Pages -= pages
		p.Pages -= pages
		t.Highest -= uint64(pages) * platform.PageSize
	}
	return int64(brk)
}

func (k *Kernel) Sigaction(t *sched.Thread, signum int, handler uint64) int64 {
	return sched.SignalRegister(t, signum, handler)
}

func (k *Kernel) Sigreturn(t *sched.Thread) (int64, bool) {
	ret, retried := sched.Sigreturn(t)
	return ret, !retried
}

// sigprocmask how values.
const (
	sigSetmask = 0
	sigBlock   = 1
	sigUnblock = 2
)

func (k *Kernel) Sigprocmask(t *sched.Thread, how int, mask uint64) int64 {
	old := t.SignalMask
	switch how {
	case sigSetmask:
		sched.SignalMaskSet(t, sched.Sigset(mask))
	case sigBlock:
		sched.SignalMaskSet(t, old|sched.Sigset(mask))
	case sigUnblock:
		sched.SignalMaskSet(t, old&^sched.Sigset(mask))
	default:
		return -kerr.EINVAL
	}
	return int64(old)
}

func (k *Kernel) Kill(t *sched.Thread, pid int, signum int) int64 {
	return sched.SignalSend(t.Tid, pid, signum)
}

// Ioperm opens an I/O port range for a driver process. Only the router and
// its immediate children hold that privilege.
func (k *Kernel) Ioperm(t *sched.Thread, from int, count int, enable int) int64 {
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH
	}
	lumen := sched.LumenPid()
	if lumen == 0 || (t.Pid != lumen && p.Parent != lumen) {
		return -kerr.EPERM
	}
	if from < 0 || count <= 0 || from+count > platform.IOPortBitmapSize*8 {
		return -kerr.EINVAL
	}
	t.Context.Ioperm(from, count, enable != 0)
	return 0
}
