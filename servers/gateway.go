package servers

import (
	"sync"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/socket"
)

type pendingRequest struct {
	tid     int
	userBuf uint64 // reply payload target, zero when the status is enough
	userLen uint64
}

var (
	mu sync.Mutex

	machine *platform.Machine
	pmm     *mem.PMM

	kernelSocket int
	lumenSocket  int
	lumenUp      bool

	connections []int
	connAddrs   []socket.Sockaddr

	pending map[uint64]*pendingRequest
	nextId  uint64
)

// Init opens the kernel's well-known server socket: datagram, nonblocking
// (the kernel must never sleep on its own socket), bound at KernelPath and
// listening. Failure to bring it up is fatal.
func Init(m *platform.Machine, p *mem.PMM) {
	mu.Lock()
	machine = m
	pmm = p
	pending = map[uint64]*pendingRequest{}
	nextId = 0
	connections = nil
	connAddrs = nil
	lumenSocket = 0
	lumenUp = false
	mu.Unlock()

	sd := socket.Socket(nil, socket.AFUnix, socket.SockDgram|socket.SockNonblock, 0)
	if sd < 0 {
		klog.Errorf("server", "failed to open kernel socket: error code %d", -sd)
		for {
			m.Halt()
		}
	}
	kernelSocket = int(sd)

	if status := socket.Bind(nil, kernelSocket, socket.Sockaddr{Family: socket.AFUnix, Path: KernelPath}); status != 0 {
		klog.Errorf("server", "failed to bind kernel socket: error code %d", -status)
		for {
			m.Halt()
		}
	}
	if status := socket.Listen(nil, kernelSocket, limits.ServerMaxConnections); status != 0 {
		klog.Errorf("server", "failed to listen on kernel socket: error code %d", -status)
		for {
			m.Halt()
		}
	}
	klog.Debugf("server", "kernel is listening on socket %d: %s", kernelSocket, KernelPath)
}

// KernelSocket returns the kernel's listening descriptor.
func KernelSocket() int {
	mu.Lock()
	defer mu.Unlock()
	return kernelSocket
}

// LumenSocket returns the accepted connection to the router, zero before it
// connects.
func LumenSocket() int {
	mu.Lock()
	defer mu.Unlock()
	if !lumenUp {
		return 0
	}
	return lumenSocket
}

// ServerSocket finds the connected descriptor of a server by its bound
// path, -1 when no such server has connected.
func ServerSocket(path string) int {
	mu.Lock()
	defer mu.Unlock()
	for i, addr := range connAddrs {
		if addr.Path == path {
			return connections[i]
		}
	}
	return -1
}

// Request relays a marshalled command to a server on behalf of a blocked
// thread. sd zero means the router; anything else is a previously accepted
// connection. The thread blocks until Idle matches the reply by id; the
// handler that called Request must leave unblock unset.
func Request(t *sched.Thread, sd int, cmd Command) int64 {
	return RequestInto(t, sd, cmd, 0, 0)
}

// RequestInto is Request for commands whose reply carries payload bytes
// destined for the requester's memory (read, stat).
func RequestInto(t *sched.Thread, sd int, cmd Command, userBuf, userLen uint64) int64 {
	mu.Lock()
	if sd == 0 {
		if !lumenUp {
			mu.Unlock()
			return -kerr.EIO
		}
		sd = lumenSocket
	}
	nextId++
	id := nextId
	hdr := cmd.Hdr()
	hdr.Id = id
	hdr.Requester = uint64(t.Tid)
	hdr.Response = 0
	pending[id] = &pendingRequest{tid: t.Tid, userBuf: userBuf, userLen: userLen}
	mu.Unlock()

	data, err := Pack(cmd)
	if err != nil {
		mu.Lock()
		delete(pending, id)
		mu.Unlock()
		return -kerr.EINVAL
	}

	sched.Block(t)
	if sent := socket.Send(nil, sd, data, 0); sent < 0 {
		mu.Lock()
		delete(pending, id)
		mu.Unlock()
		sched.Unblock(t)
		return sent
	} else if int(sent) != len(data) {
		mu.Lock()
		delete(pending, id)
		mu.Unlock()
		sched.Unblock(t)
		return -kerr.ENOBUFS
	}
	return 0
}
