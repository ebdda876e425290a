package socket

import (
	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/sched"
)

// Send copies buf as one message onto the peer's inbound ring. A full ring
// reports EWOULDBLOCK; the dispatch layer decides whether to retry or fail,
// so the occupancy is never disturbed on the would-block path.
func Send(t *sched.Thread, fd int, buf []byte, flags int) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}

	lock.Lock()
	if d.Peer < 0 {
		lock.Unlock()
		return -kerr.EDESTADDRREQ
	}
	peer := table[d.Peer]
	lock.Unlock()
	if peer == nil {
		return -kerr.ECONNABORTED
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.InboundMax == 0 {
		peer.InboundMax = limits.SocketIOBacklog
	}
	if len(peer.Inbound) >= peer.InboundMax {
		return -kerr.EWOULDBLOCK
	}
	msg := make([]byte, len(buf))
	copy(msg, buf)
	peer.Inbound = append(peer.Inbound, msg)
	return int64(len(buf))
}

// Recv copies up to len(buf) bytes from the inbound ring. Stream sockets
// consume the ring as a byte stream, leaving partial messages at the head;
// datagram and seqpacket sockets pop whole messages and truncate. MSG_PEEK
// copies without consuming; MSG_WAITALL refuses to return short reads until
// the peer is gone.
func Recv(t *sched.Thread, fd int, buf []byte, flags int) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.Inbound) == 0 {
		if d.Peer < 0 && !d.PeerClosed {
			return -kerr.EDESTADDRREQ
		}
		if d.PeerClosed {
			return 0
		}
		return -kerr.EWOULDBLOCK
	}

	if flags&MsgWaitall != 0 && !d.PeerClosed {
		avail := 0
		for _, m := range d.Inbound {
			avail += len(m)
		}
		if avail < len(buf) {
			return -kerr.EWOULDBLOCK
		}
	}

	if flags&MsgPeek != 0 {
		n := copy(buf, d.Inbound[0])
		return int64(n)
	}

	switch d.Type {
	case SockStream:
		got := 0
		for got < len(buf) && len(d.Inbound) > 0 {
			head := d.Inbound[0]
			n := copy(buf[got:], head)
			got += n
			if n == len(head) {
				d.Inbound = d.Inbound[1:]
			} else {
				d.Inbound[0] = head[n:]
			}
			if flags&MsgWaitall == 0 {
				break
			}
		}
		return int64(got)
	default:
		// message-oriented: one message per call, truncated to the buffer;
		// MSG_WAITALL keeps consuming whole messages until the buffer is
		// produced, dropping the truncated tail of each like a plain recv
		got := 0
		for len(d.Inbound) > 0 {
			head := d.Inbound[0]
			d.Inbound = d.Inbound[1:]
			got += copy(buf[got:], head)
			if flags&MsgWaitall == 0 || got >= len(buf) {
				break
			}
		}
		return int64(got)
	}
}

// CloseSocket drops one reference to the descriptor at fd. The last close
// frees the rings, detaches the peer, and unregisters the socket.
func CloseSocket(t *sched.Thread, fd int) int64 {
	p := procFor(t)
	if p == nil {
		return -kerr.ESRCH
	}
	d := sockFor(p, fd)
	if d == nil {
		return -kerr.ENOTSOCK
	}

	sched.CloseIO(p, fd)

	lock.Lock()
	defer lock.Unlock()
	d.RefCount--
	if d.RefCount > 0 {
		return 0
	}
	if d.Peer >= 0 {
		if peer := table[d.Peer]; peer != nil && peer.Peer == d.GlobalIndex {
			peer.Peer = -1
			peer.PeerClosed = true
		}
	}
	d.Inbound = nil
	d.Backlog = nil
	unregisterLocked(d.GlobalIndex)
	return 0
}
