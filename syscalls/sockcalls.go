package syscalls

import (
	"encoding/binary"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/socket"
)

// The IPC fast path: these run inline on the trapping CPU without touching
// the global queue. A blocking condition (empty ring, empty backlog, full
// peer ring) surfaces as EAGAIN with unblock left false, which parks the
// thread and lets the worker loop retry the call until it completes.

func (k *Kernel) nonblocking(t *sched.Thread, fd Fd) bool {
	p := sched.GetProcess(t.Pid)
	if p == nil || fd < 0 || int(fd) >= limits.MaxIODescriptors {
		return true
	}
	return p.IO[fd].Flags&sched.ONonblock != 0
}

// readSockaddr decodes {family u16, path...} from the requester's memory.
func (k *Kernel) readSockaddr(t *sched.Thread, buf Buf, alen Len) (socket.Sockaddr, int64) {
	n := int(alen)
	if n < 2 || n > 2+limits.MaxSockAddr {
		return socket.Sockaddr{}, -kerr.EINVAL
	}
	raw := make([]byte, n)
	if err := buf.Read(raw); err != nil {
		return socket.Sockaddr{}, -kerr.EFAULT
	}
	path := raw[2:]
	for i, c := range path {
		if c == 0 {
			path = path[:i]
			break
		}
	}
	return socket.Sockaddr{
		Family: binary.LittleEndian.Uint16(raw[:2]),
		Path:   string(path),
	}, 0
}

func (k *Kernel) writeSockaddr(addr Obuf, alen Obuf, sa socket.Sockaddr) {
	if addr.Addr == 0 {
		return
	}
	raw := make([]byte, 2+len(sa.Path)+1)
	binary.LittleEndian.PutUint16(raw[:2], sa.Family)
	copy(raw[2:], sa.Path)
	if addr.Write(raw) != nil {
		return
	}
	if alen.Addr != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(len(raw)))
		alen.Write(b[:])
	}
}

func (k *Kernel) Socket(t *sched.Thread, domain, typ, protocol int) int64 {
	return socket.Socket(t, domain, typ, protocol)
}

func (k *Kernel) Bind(t *sched.Thread, fd Fd, addr Buf, alen Len) int64 {
	sa, errno := k.readSockaddr(t, addr, alen)
	if errno != 0 {
		return errno
	}
	return socket.Bind(t, int(fd), sa)
}

func (k *Kernel) Listen(t *sched.Thread, fd Fd, backlog int) int64 {
	return socket.Listen(t, int(fd), backlog)
}

func (k *Kernel) Connect(t *sched.Thread, fd Fd, addr Buf, alen Len) (int64, bool) {
	sa, errno := k.readSockaddr(t, addr, alen)
	if errno != 0 {
		return errno, true
	}
	ret := socket.Connect(t, int(fd), sa)
	if ret == -kerr.EAGAIN && !k.nonblocking(t, fd) {
		return ret, false // wait in the backlog until accepted
	}
	return ret, true
}

func (k *Kernel) Accept(t *sched.Thread, fd Fd, addr Obuf, alen Obuf) (int64, bool) {
	ret, peer := socket.Accept(t, int(fd))
	if ret == -kerr.EWOULDBLOCK && !k.nonblocking(t, fd) {
		return ret, false
	}
	if ret >= 0 {
		k.writeSockaddr(addr, alen, peer)
	}
	return ret, true
}

func (k *Kernel) Send(t *sched.Thread, fd Fd, buf Buf, size Len, flags int) (int64, bool) {
	if size > limits.ServerMaxSize {
		return -kerr.EMSGSIZE, true
	}
	data := make([]byte, size)
	if err := buf.Read(data); err != nil {
		return -kerr.EFAULT, true
	}
	ret := socket.Send(t, int(fd), data, flags)
	if ret == -kerr.EWOULDBLOCK && !k.nonblocking(t, fd) {
		return ret, false
	}
	return ret, true
}

func (k *Kernel) Recv(t *sched.Thread, fd Fd, buf Obuf, size Len, flags int) (int64, bool) {
	if size > limits.ServerMaxSize {
		size = limits.ServerMaxSize
	}
	data := make([]byte, size)
	ret := socket.Recv(t, int(fd), data, flags)
	if ret == -kerr.EWOULDBLOCK && !k.nonblocking(t, fd) {
		return ret, false
	}
	if ret > 0 {
		if err := buf.Write(data[:ret]); err != nil {
			return -kerr.EFAULT, true
		}
	}
	return ret, true
}

func (k *Kernel) CloseSocket(t *sched.Thread, fd Fd) int64 {
	return socket.CloseSocket(t, int(fd))
}
