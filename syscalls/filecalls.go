package syscalls

import (
	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/servers"
)

// File and mount calls. The kernel has no concept of files; every one of
// these marshals a command to lumen and leaves the thread blocked until the
// reply comes back through the server pump. The read/write pair first
// checks for a socket descriptor, which is served in-kernel.

func (k *Kernel) isSocket(t *sched.Thread, fd Fd) bool {
	p := sched.GetProcess(t.Pid)
	if p == nil || fd < 0 || int(fd) >= limits.MaxIODescriptors {
		return false
	}
	return p.IO[fd].Valid && p.IO[fd].Type == sched.IOSocket
}

func (k *Kernel) Read(t *sched.Thread, fd Fd, buf Obuf, size Len) (int64, bool) {
	if k.isSocket(t, fd) {
		return k.Recv(t, fd, buf, size, 0)
	}
	if size > limits.ServerMaxSize {
		size = limits.ServerMaxSize
	}
	cmd := &servers.RWCommand{Fd: int32(fd), Count: uint64(size)}
	cmd.Command = servers.CmdRead
	if ret := servers.RequestInto(t, 0, cmd, buf.Addr, uint64(size)); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Write(t *sched.Thread, fd Fd, buf Buf, size Len) (int64, bool) {
	if k.isSocket(t, fd) {
		return k.Send(t, fd, buf, size, 0)
	}
	if size > limits.ServerMaxSize {
		return -kerr.EMSGSIZE, true
	}
	data := make([]byte, size)
	if err := buf.Read(data); err != nil {
		return -kerr.EFAULT, true
	}
	cmd := &servers.RWCommand{Fd: int32(fd), Data: data}
	cmd.Command = servers.CmdWrite
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Lseek(t *sched.Thread, fd Fd, offset int, whence int) (int64, bool) {
	if k.isSocket(t, fd) {
		return -kerr.EINVAL, true
	}
	cmd := &servers.LseekCommand{Fd: int32(fd), Offset: int64(offset), Whence: int32(whence)}
	cmd.Command = servers.CmdLseek
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Open(t *sched.Thread, path string, flags int, mode int) (int64, bool) {
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH, true
	}
	cmd := &servers.OpenCommand{
		Path:  servers.PathBytes(path),
		Flags: int32(flags),
		Mode:  uint32(mode) &^ p.Umask,
		Uid:   p.User,
		Gid:   p.Group,
	}
	cmd.Command = servers.CmdOpen
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

// Close tears down a socket in-kernel; file descriptors live in lumen's
// namespace, so there is nothing kernel-side to release for them.
func (k *Kernel) Close(t *sched.Thread, fd Fd) (int64, bool) {
	if k.isSocket(t, fd) {
		return k.CloseSocket(t, fd), true
	}
	cmd := &servers.RWCommand{Fd: int32(fd)}
	cmd.Command = servers.CmdFlush
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Stat(t *sched.Thread, path string, statbuf Obuf, size Len) (int64, bool) {
	cmd := &servers.StatCommand{Path: servers.PathBytes(path)}
	cmd.Command = servers.CmdStat
	if ret := servers.RequestInto(t, 0, cmd, statbuf.Addr, uint64(size)); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Mount(t *sched.Thread, src string, target string, fstype string, flags int) (int64, bool) {
	// mounting policy belongs to lumen, but only its own children may ask
	lumen := sched.LumenPid()
	p := sched.GetProcess(t.Pid)
	if p == nil {
		return -kerr.ESRCH, true
	}
	if lumen == 0 || (t.Pid != lumen && p.Parent != lumen) {
		return -kerr.EPERM, true
	}
	cmd := &servers.MountCommand{
		Source: servers.PathBytes(src),
		Target: servers.PathBytes(target),
		Type:   padTo(fstype, 32),
		Flags:  int32(flags),
	}
	cmd.Command = servers.CmdMount
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Umount(t *sched.Thread, target string, flags int) (int64, bool) {
	cmd := &servers.UmountCommand{Target: servers.PathBytes(target), Flags: int32(flags)}
	cmd.Command = servers.CmdUmount
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Chown(t *sched.Thread, path string, uid int, gid int) (int64, bool) {
	cmd := &servers.ChownCommand{Path: servers.PathBytes(path), Uid: uint32(uid), Gid: uint32(gid)}
	cmd.Command = servers.CmdChown
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func (k *Kernel) Chmod(t *sched.Thread, path string, mode int) (int64, bool) {
	cmd := &servers.ChmodCommand{Path: servers.PathBytes(path), Mode: uint32(mode)}
	cmd.Command = servers.CmdChmod
	if ret := servers.Request(t, 0, cmd); ret < 0 {
		return ret, true
	}
	return 0, false
}

func padTo(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}
