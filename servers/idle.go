package servers

import (
	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/socket"
)

// Idle is the server pump, run by the kernel worker between queue drains:
// accept new server connections on the kernel socket, then drain every
// connection, dispatching general requests and matching syscall replies to
// their blocked requesters.
func Idle() {
	acceptConnections()
	drainConnections()
}

func acceptConnections() {
	for {
		mu.Lock()
		full := len(connections) >= limits.ServerMaxConnections
		mu.Unlock()
		if full {
			return
		}
		sd, addr := socket.Accept(nil, kernelSocket)
		if sd < 0 {
			return
		}
		mu.Lock()
		connections = append(connections, int(sd))
		connAddrs = append(connAddrs, addr)
		if !lumenUp {
			klog.Debugf("server", "connected to lumen at socket %d", sd)
			lumenUp = true
			lumenSocket = int(sd)
		}
		mu.Unlock()
	}
}

func drainConnections() {
	mu.Lock()
	conns := append([]int(nil), connections...)
	mu.Unlock()

	buf := make([]byte, limits.ServerMaxSize)
	for _, sd := range conns {
		for {
			n := socket.Recv(nil, sd, buf, 0)
			if n <= 0 {
				break
			}
			dispatchMessage(sd, buf[:n])
		}
	}
}

func dispatchMessage(sd int, data []byte) {
	hdr, err := PeekHeader(data)
	if err != nil {
		klog.Warnf("server", "dropping malformed message on socket %d: %v", sd, err)
		return
	}
	switch {
	case hdr.Response == 0 && hdr.Command <= MaxGeneralCommand:
		handleGeneralRequest(sd, &hdr, data)
	case hdr.Response != 0 && hdr.Command >= CmdStat && hdr.Command <= MaxSyscallCommand:
		handleSyscallResponse(&hdr, data)
	default:
		klog.Warnf("server", "unimplemented message command 0x%02X, dropping", hdr.Command)
	}
}

// handleSyscallResponse completes a relayed syscall: the reply's status
// becomes the blocked thread's return value, payload bytes are copied into
// the requester's memory when the request asked for them, and the thread is
// requeued.
func handleSyscallResponse(hdr *MessageHeader, data []byte) {
	mu.Lock()
	entry := pending[hdr.Id]
	delete(pending, hdr.Id)
	mu.Unlock()

	if entry == nil {
		klog.Warnf("server", "response for command 0x%X id %d with no matching request", hdr.Command, hdr.Id)
		return
	}
	t := sched.GetThread(entry.tid)
	if t == nil || t.Status == sched.ThreadZombie {
		return // requester died while the server worked
	}
	if uint64(entry.tid) != hdr.Requester {
		klog.Warnf("server", "response for command 0x%X id %d names tid %d, not %d; terminating thread",
			hdr.Command, hdr.Id, hdr.Requester, entry.tid)
		sched.TerminateThread(t, -1, false)
		return
	}

	if len(data) < HeaderSize+8 {
		klog.Warnf("server", "truncated response for id %d", hdr.Id)
		return
	}
	var resp SyscallResponse
	if err := Unpack(data[:HeaderSize+8], &resp); err != nil {
		klog.Warnf("server", "undecodable response for id %d: %v", hdr.Id, err)
		return
	}

	if entry.userBuf != 0 && resp.Status > 0 {
		payload := data[HeaderSize+8:]
		n := uint64(len(payload))
		if n > entry.userLen {
			n = entry.userLen
		}
		if n > uint64(resp.Status) {
			n = uint64(resp.Status)
		}
		if err := machine.WriteVirt(t.Context.CR3, entry.userBuf, payload[:n]); err != nil {
			klog.Warnf("server", "failed to copy reply payload to tid %d: %v", entry.tid, err)
		}
	}

	req := &t.Syscall
	req.Ret = uint64(resp.Status)
	req.Unblock = true
	machine.SetContextReturn(t.Context, req.Ret)
	req.Busy = false
	sched.Unblock(t)
}
