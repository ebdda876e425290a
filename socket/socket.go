// Package socket implements the kernel's local (Unix-domain) sockets: the
// in-memory message substrate user programs and the kernel itself use to
// reach the user-space servers. Sockets live in a global table capped at
// limits.MaxSockets and are addressed by path; data moves as whole messages
// through bounded per-descriptor rings.
package socket

import (
	"sync"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/sched"
)

// Address families. Only local sockets exist in the kernel.
const (
	AFUnix  = 1
	AFLocal = AFUnix
)

// Socket types. The kernel delivers messages in send order for all three.
const (
	SockStream    = 1
	SockDgram     = 2
	SockSeqpacket = 3

	typeMask = 0xff
)

// Type flags, OR'd into the type argument.
const (
	SockNonblock = 0x100
	SockCloexec  = 0x200
)

// I/O flags.
const (
	MsgPeek    = 0x01
	MsgOob     = 0x02
	MsgWaitall = 0x04
)

// Sockaddr is a decoded local socket address.
type Sockaddr struct {
	Family uint16
	Path   string
}

// Descriptor is the kernel side of one socket. Peer and backlog links are
// global table indices, not pointers; the table owns every descriptor.
type Descriptor struct {
	mu sync.Mutex

	Pid         int
	Address     Sockaddr
	Bound       bool
	Listener    bool
	GlobalIndex int
	Type        int
	Protocol    int

	BacklogMax int
	Backlog    []int

	InboundMax int
	Inbound    [][]byte

	Peer       int // global index, -1 when unconnected
	PeerClosed bool
	Connecting bool

	RefCount int
}

// Retain implements sched.Refcounted so descriptors survive fork.
func (d *Descriptor) Retain() {
	lock.Lock()
	d.RefCount++
	lock.Unlock()
}

var (
	lock       sync.Mutex
	table      map[int]*Descriptor
	nextIndex  int
	count      int
	maxSockets = limits.MaxSockets
)

// Init resets the global socket table.
func Init() {
	lock.Lock()
	table = map[int]*Descriptor{}
	nextIndex = 0
	count = 0
	lock.Unlock()
}

// Lock takes the socket table lock; always after the scheduler lock, never
// before.
func Lock() { lock.Lock() }

// Release drops the socket table lock.
func Release() { lock.Unlock() }

func registerLocked(d *Descriptor) int {
	if count >= maxSockets {
		return -kerr.ENOBUFS
	}
	for {
		if _, used := table[nextIndex]; !used {
			break
		}
		nextIndex = (nextIndex + 1) % maxSockets
	}
	d.GlobalIndex = nextIndex
	table[nextIndex] = d
	nextIndex = (nextIndex + 1) % maxSockets
	count++
	return d.GlobalIndex
}

func unregisterLocked(idx int) *Descriptor {
	d := table[idx]
	if d != nil {
		delete(table, idx)
		count--
	}
	return d
}

// Get returns the descriptor at a global index.
func Get(idx int) *Descriptor {
	lock.Lock()
	defer lock.Unlock()
	return table[idx]
}

// Count returns the number of registered sockets.
func Count() int {
	lock.Lock()
	defer lock.Unlock()
	return count
}

// getLocalSocketLocked finds a bound descriptor by address.
func getLocalSocketLocked(addr Sockaddr) *Descriptor {
	for _, d := range table {
		if d.Bound && d.Address.Family == addr.Family && d.Address.Path == addr.Path {
			return d
		}
	}
	return nil
}

// procFor resolves the process a socket call acts on: the calling thread's,
// or the kernel's own when t is nil.
func procFor(t *sched.Thread) *sched.Process {
	if t != nil {
		return sched.GetProcess(t.Pid)
	}
	return sched.GetProcess(sched.KernelPid())
}

func sockFor(p *sched.Process, fd int) *Descriptor {
	if fd < 0 || fd >= limits.MaxIODescriptors {
		return nil
	}
	slot := &p.IO[fd]
	if !slot.Valid || slot.Type != sched.IOSocket || slot.Data == nil {
		return nil
	}
	d, ok := slot.Data.(*Descriptor)
	if !ok {
		return nil
	}
	return d
}

// Socket opens a local socket and installs it in the first free descriptor
// slot of the calling process. Only AF_UNIX is accepted.
func Socket(t *sched.Thread, domain, typ, protocol int) int64 {
	if domain != AFUnix {
		return -kerr.EAFNOSUPPORT
	}
	kind := typ & typeMask
	if kind != SockStream && kind != SockDgram && kind != SockSeqpacket {
		return -kerr.EINVAL
	}
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	if p.IOCount >= limits.MaxIODescriptors {
		return -kerr.EMFILE
	}

	d := &Descriptor{
		Pid:      p.Pid,
		Address:  Sockaddr{Family: AFUnix},
		Type:     kind,
		Protocol: protocol,
		Peer:     -1,
		RefCount: 1,
	}

	lock.Lock()
	idx := registerLocked(d)
	lock.Unlock()
	if idx < 0 {
		return int64(idx)
	}

	fd, slot := sched.OpenIO(p)
	if slot == nil {
		lock.Lock()
		unregisterLocked(d.GlobalIndex)
		lock.Unlock()
		return -kerr.EMFILE
	}
	slot.Type = sched.IOSocket
	slot.Data = d
	if typ&SockNonblock != 0 {
		slot.Flags |= sched.ONonblock
	}
	if typ&SockCloexec != 0 {
		slot.Flags |= sched.OCloExec
	}
	return int64(fd)
}

// Bind attaches an address to a socket. No two bound sockets may share one.
func Bind(t *sched.Thread, fd int, addr Sockaddr) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}
	if len(addr.Path) == 0 || len(addr.Path) > limits.MaxSockAddr {
		return -kerr.EINVAL
	}
	if addr.Family != AFUnix {
		return -kerr.EAFNOSUPPORT
	}

	lock.Lock()
	defer lock.Unlock()
	if d.Bound {
		return -kerr.EINVAL
	}
	if getLocalSocketLocked(addr) != nil {
		return -kerr.EADDRINUSE
	}
	d.Address = addr
	d.Bound = true
	return 0
}

// Listen marks a bound socket as accepting connections, with a backlog
// capped at the configured default.
func Listen(t *sched.Thread, fd, backlog int) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}

	lock.Lock()
	defer lock.Unlock()
	if backlog <= 0 || backlog > limits.SocketDefaultBacklog {
		backlog = limits.SocketDefaultBacklog
	}
	d.BacklogMax = backlog
	d.Backlog = d.Backlog[:0]
	d.Listener = true
	return 0
}

// Connect queues this socket on the listener bound at addr. The caller
// blocks (at the dispatch layer) until an accept pairs the two; a full
// backlog reports EAGAIN so the dispatcher can retry rather than reject.
func Connect(t *sched.Thread, fd int, addr Sockaddr) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}

	lock.Lock()
	defer lock.Unlock()

	if d.Peer >= 0 {
		return 0 // already paired by a previous accept
	}

	peer := getLocalSocketLocked(addr)
	if peer == nil {
		return -kerr.EADDRNOTAVAIL
	}
	if peer.Address.Family != d.Address.Family {
		return -kerr.EAFNOSUPPORT
	}
	if !peer.Listener || peer.BacklogMax == 0 {
		return -kerr.ECONNREFUSED
	}
	if d.Connecting {
		return -kerr.EAGAIN // still waiting in someone's backlog
	}
	if len(peer.Backlog) >= peer.BacklogMax {
		return -kerr.EAGAIN
	}
	peer.Backlog = append(peer.Backlog, d.GlobalIndex)
	d.Connecting = true
	return -kerr.EAGAIN
}

// Accept takes the first pending connector off the backlog and pairs it
// with a fresh descriptor in the calling process. Empty backlog reports
// EWOULDBLOCK; blocking behavior lives at the dispatch layer.
func Accept(t *sched.Thread, fd int) (int64, Sockaddr) {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH, Sockaddr{}
	}
	listener := sockFor(p, fd)
	if listener == nil {
		return -kerr.ENOTSOCK, Sockaddr{}
	}

	lock.Lock()
	if !listener.Listener || listener.BacklogMax == 0 {
		lock.Unlock()
		return -kerr.EINVAL, Sockaddr{}
	}
	if len(listener.Backlog) == 0 {
		lock.Unlock()
		return -kerr.EWOULDBLOCK, Sockaddr{}
	}

	self := &Descriptor{
		Pid:        p.Pid,
		Address:    listener.Address,
		Bound:      false,
		Type:       listener.Type,
		Protocol:   listener.Protocol,
		InboundMax: limits.SocketIOBacklog,
		Peer:       -1,
		RefCount:   1,
	}
	idx := registerLocked(self)
	if idx < 0 {
		lock.Unlock()
		return int64(idx), Sockaddr{}
	}

	peerIdx := listener.Backlog[0]
	listener.Backlog = listener.Backlog[1:]
	peer := table[peerIdx]
	if peer == nil {
		unregisterLocked(idx)
		lock.Unlock()
		return -kerr.ECONNABORTED, Sockaddr{}
	}
	self.Peer = peerIdx
	peer.Peer = idx
	peer.Connecting = false
	if peer.InboundMax == 0 {
		peer.InboundMax = limits.SocketIOBacklog
	}
	peerAddr := peer.Address
	lock.Unlock()

	nfd, slot := sched.OpenIO(p)
	if slot == nil {
		lock.Lock()
		peer.Peer = -1
		unregisterLocked(idx)
		lock.Unlock()
		return -kerr.EMFILE, Sockaddr{}
	}
	slot.Type = sched.IOSocket
	slot.Flags = p.IO[fd].Flags
	slot.Data = self
	return int64(nfd), peerAddr
}
