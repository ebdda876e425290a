package socket

import (
	"bytes"
	"testing"

	"github.com/lumenos/core/kerr"
	"github.com/lumenos/core/limits"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
)

func newTestRig(t *testing.T) {
	t.Helper()
	m, err := platform.NewMachine(1, 8<<20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.InitPMM(m, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.InitPaging(); err != nil {
		t.Fatal(err)
	}
	sched.Init(m)
	Init()
}

// testThread fabricates a thread of a fresh process; socket calls only
// need the owning process to resolve.
func testThread(t *testing.T) *sched.Thread {
	t.Helper()
	pid := sched.ProcessCreate()
	if pid == 0 {
		t.Fatal("out of pids")
	}
	return &sched.Thread{Pid: pid, Tid: pid}
}

func addr(path string) Sockaddr {
	return Sockaddr{Family: AFUnix, Path: path}
}

// bind(addr) then connect(addr) from another process produces an accepted
// peer whose peer pointers are symmetric.
func TestConnectAcceptSymmetry(t *testing.T) {
	newTestRig(t)
	server := testThread(t)
	client := testThread(t)

	lfd := Socket(server, AFUnix, SockSeqpacket, 0)
	if lfd < 0 {
		t.Fatalf("socket: %d", lfd)
	}
	if ret := Bind(server, int(lfd), addr("/tmp/srv")); ret != 0 {
		t.Fatalf("bind: %d", ret)
	}
	if ret := Listen(server, int(lfd), 8); ret != 0 {
		t.Fatalf("listen: %d", ret)
	}

	cfd := Socket(client, AFUnix, SockSeqpacket, 0)
	if ret := Connect(client, int(cfd), addr("/tmp/srv")); ret != -kerr.EAGAIN {
		t.Fatalf("connect = %d, want EAGAIN while pending accept", ret)
	}

	afd, peerAddr := Accept(server, int(lfd))
	if afd < 0 {
		t.Fatalf("accept: %d", afd)
	}
	if peerAddr.Family != AFUnix {
		t.Fatal("peer address family lost")
	}

	// connect now observes the pairing
	if ret := Connect(client, int(cfd), addr("/tmp/srv")); ret != 0 {
		t.Fatalf("connect after accept = %d, want 0", ret)
	}

	sp := sched.GetProcess(server.Pid)
	cp := sched.GetProcess(client.Pid)
	acc := sp.IO[afd].Data.(*Descriptor)
	con := cp.IO[cfd].Data.(*Descriptor)
	if acc.Peer != con.GlobalIndex || con.Peer != acc.GlobalIndex {
		t.Fatalf("peer links asymmetric: %d<->%d vs %d<->%d",
			acc.GlobalIndex, acc.Peer, con.GlobalIndex, con.Peer)
	}
}

func TestBindRejectsDuplicateAddress(t *testing.T) {
	newTestRig(t)
	a := testThread(t)
	b := testThread(t)
	fa := Socket(a, AFUnix, SockStream, 0)
	fb := Socket(b, AFUnix, SockStream, 0)
	if ret := Bind(a, int(fa), addr("/tmp/x")); ret != 0 {
		t.Fatal(ret)
	}
	if ret := Bind(b, int(fb), addr("/tmp/x")); ret != -kerr.EADDRINUSE {
		t.Fatalf("duplicate bind = %d, want EADDRINUSE", ret)
	}
}

func TestConnectToNonListenerRefused(t *testing.T) {
	newTestRig(t)
	a := testThread(t)
	b := testThread(t)
	fa := Socket(a, AFUnix, SockStream, 0)
	Bind(a, int(fa), addr("/tmp/passive"))

	fb := Socket(b, AFUnix, SockStream, 0)
	if ret := Connect(b, int(fb), addr("/tmp/passive")); ret != -kerr.ECONNREFUSED {
		t.Fatalf("connect to non-listener = %d, want ECONNREFUSED", ret)
	}
	if ret := Connect(b, int(fb), addr("/tmp/nope")); ret != -kerr.EADDRNOTAVAIL {
		t.Fatalf("connect to unbound = %d, want EADDRNOTAVAIL", ret)
	}
}

func TestBacklogFullReportsRetry(t *testing.T) {
	newTestRig(t)
	server := testThread(t)
	lfd := Socket(server, AFUnix, SockStream, 0)
	Bind(server, int(lfd), addr("/tmp/narrow"))
	Listen(server, int(lfd), 1)

	c1 := testThread(t)
	f1 := Socket(c1, AFUnix, SockStream, 0)
	if ret := Connect(c1, int(f1), addr("/tmp/narrow")); ret != -kerr.EAGAIN {
		t.Fatalf("first connect = %d", ret)
	}

	// second connector finds the backlog full: retryable, not rejected
	c2 := testThread(t)
	f2 := Socket(c2, AFUnix, SockStream, 0)
	if ret := Connect(c2, int(f2), addr("/tmp/narrow")); ret != -kerr.EAGAIN {
		t.Fatalf("second connect = %d, want EAGAIN", ret)
	}
	cp2 := sched.GetProcess(c2.Pid)
	if cp2.IO[f2].Data.(*Descriptor).Connecting {
		t.Fatal("second connector queued into a full backlog")
	}

	// draining the backlog lets the second connector in
	if afd, _ := Accept(server, int(lfd)); afd < 0 {
		t.Fatalf("accept: %d", afd)
	}
	if ret := Connect(c2, int(f2), addr("/tmp/narrow")); ret != -kerr.EAGAIN {
		t.Fatalf("requeued connect = %d", ret)
	}
	if !cp2.IO[f2].Data.(*Descriptor).Connecting {
		t.Fatal("second connector still not in the backlog")
	}
}

func pair(t *testing.T) (a, b *sched.Thread, afd, bfd int) {
	t.Helper()
	a = testThread(t)
	b = testThread(t)
	lfd := Socket(a, AFUnix, SockSeqpacket, 0)
	Bind(a, int(lfd), addr("/tmp/pair"))
	Listen(a, int(lfd), 4)
	f := Socket(b, AFUnix, SockSeqpacket, 0)
	Connect(b, int(f), addr("/tmp/pair"))
	acc, _ := Accept(a, int(lfd))
	if acc < 0 {
		t.Fatalf("accept: %d", acc)
	}
	return a, b, int(acc), int(f)
}

// send followed by recv returns the exact bytes, lengths preserved, in
// send order.
func TestSendRecvRoundTrip(t *testing.T) {
	newTestRig(t)
	a, b, afd, bfd := pair(t)

	msgs := [][]byte{[]byte("first"), []byte("second message"), {0, 1, 2, 255}}
	for _, msg := range msgs {
		if ret := Send(b, bfd, msg, 0); ret != int64(len(msg)) {
			t.Fatalf("send = %d, want %d", ret, len(msg))
		}
	}
	for _, want := range msgs {
		buf := make([]byte, 64)
		n := Recv(a, afd, buf, 0)
		if n != int64(len(want)) || !bytes.Equal(buf[:n], want) {
			t.Fatalf("recv = %d %q, want %q", n, buf[:n], want)
		}
	}
	if n := Recv(a, afd, make([]byte, 8), 0); n != -kerr.EWOULDBLOCK {
		t.Fatalf("empty recv = %d, want EWOULDBLOCK", n)
	}
	_ = a
}

func TestRecvPeekKeepsMessage(t *testing.T) {
	newTestRig(t)
	a, b, afd, bfd := pair(t)
	Send(b, bfd, []byte("peekable"), 0)

	buf := make([]byte, 16)
	if n := Recv(a, afd, buf, MsgPeek); n != 8 {
		t.Fatalf("peek = %d", n)
	}
	if n := Recv(a, afd, buf, 0); n != 8 {
		t.Fatal("message consumed by peek")
	}
}

func TestStreamCoalescingAndWaitall(t *testing.T) {
	newTestRig(t)
	a := testThread(t)
	b := testThread(t)
	lfd := Socket(a, AFUnix, SockStream, 0)
	Bind(a, int(lfd), addr("/tmp/stream"))
	Listen(a, int(lfd), 4)
	f := Socket(b, AFUnix, SockStream, 0)
	Connect(b, int(f), addr("/tmp/stream"))
	acc, _ := Accept(a, int(lfd))

	Send(b, int(f), []byte("hello "), 0)
	Send(b, int(f), []byte("world"), 0)

	// waitall with more than available refuses the short read
	big := make([]byte, 32)
	if n := Recv(a, int(acc), big, MsgWaitall); n != -kerr.EWOULDBLOCK {
		t.Fatalf("waitall short = %d", n)
	}
	// waitall across message boundaries assembles the full buffer
	buf := make([]byte, 11)
	if n := Recv(a, int(acc), buf, MsgWaitall); n != 11 || string(buf) != "hello world" {
		t.Fatalf("waitall = %d %q", n, buf)
	}
}

// MSG_WAITALL on a message-oriented socket accumulates whole messages
// until the buffer is produced, and refuses to pass a short read.
func TestSeqpacketWaitall(t *testing.T) {
	newTestRig(t)
	a, b, afd, bfd := pair(t)

	Send(b, bfd, []byte("abcd"), 0)
	Send(b, bfd, []byte("efgh"), 0)

	// more than available: the gate holds the caller back
	big := make([]byte, 9)
	if n := Recv(a, afd, big, MsgWaitall); n != -kerr.EWOULDBLOCK {
		t.Fatalf("waitall short = %d, want EWOULDBLOCK", n)
	}

	// exactly two messages' worth: both are consumed into one buffer
	buf := make([]byte, 8)
	if n := Recv(a, afd, buf, MsgWaitall); n != 8 || string(buf) != "abcdefgh" {
		t.Fatalf("waitall = %d %q", n, buf)
	}
	if n := Recv(a, afd, buf, 0); n != -kerr.EWOULDBLOCK {
		t.Fatalf("ring not drained: %d", n)
	}

	// without WAITALL a seqpacket recv still pops exactly one message
	Send(b, bfd, []byte("solo"), 0)
	Send(b, bfd, []byte("next"), 0)
	if n := Recv(a, afd, buf, 0); n != 4 || string(buf[:n]) != "solo" {
		t.Fatalf("plain recv = %d %q", n, buf[:n])
	}
}

// A full peer ring refuses the message without disturbing occupancy.
func TestRingFullWouldBlock(t *testing.T) {
	newTestRig(t)
	a, b, afd, bfd := pair(t)
	_ = a

	msg := []byte("x")
	for i := 0; i < limits.SocketIOBacklog; i++ {
		if ret := Send(b, bfd, msg, 0); ret != 1 {
			t.Fatalf("send %d = %d", i, ret)
		}
	}
	ap := sched.GetProcess(a.Pid)
	peer := ap.IO[afd].Data.(*Descriptor)
	if len(peer.Inbound) != limits.SocketIOBacklog {
		t.Fatalf("occupancy %d", len(peer.Inbound))
	}
	if ret := Send(b, bfd, msg, 0); ret != -kerr.EWOULDBLOCK {
		t.Fatalf("overflow send = %d, want EWOULDBLOCK", ret)
	}
	if len(peer.Inbound) != limits.SocketIOBacklog {
		t.Fatal("failed send disturbed the ring")
	}
}

func TestSocketTableCap(t *testing.T) {
	newTestRig(t)
	old := maxSockets
	maxSockets = 3
	defer func() { maxSockets = old }()

	th := testThread(t)
	var fds []int64
	for i := 0; i < 3; i++ {
		fd := Socket(th, AFUnix, SockDgram, 0)
		if fd < 0 {
			t.Fatalf("socket %d failed: %d", i, fd)
		}
		fds = append(fds, fd)
	}
	if fd := Socket(th, AFUnix, SockDgram, 0); fd != -kerr.ENOBUFS {
		t.Fatalf("socket past cap = %d, want ENOBUFS", fd)
	}
	// table still consistent: closing frees a slot for reuse
	if ret := CloseSocket(th, int(fds[0])); ret != 0 {
		t.Fatal(ret)
	}
	if fd := Socket(th, AFUnix, SockDgram, 0); fd < 0 {
		t.Fatalf("socket after close = %d", fd)
	}
}

func TestCloseMarksPeerClosed(t *testing.T) {
	newTestRig(t)
	a, b, afd, bfd := pair(t)
	Send(b, bfd, []byte("bye"), 0)
	CloseSocket(b, bfd)

	buf := make([]byte, 8)
	if n := Recv(a, afd, buf, 0); n != 3 {
		t.Fatalf("drain = %d", n)
	}
	// ring empty and the peer is gone: end of stream, not would-block
	if n := Recv(a, afd, buf, 0); n != 0 {
		t.Fatalf("recv after close = %d, want 0", n)
	}
}

func TestSocketRejectsWrongDomain(t *testing.T) {
	newTestRig(t)
	th := testThread(t)
	if fd := Socket(th, 2 /* AF_INET */, SockStream, 0); fd != -kerr.EAFNOSUPPORT {
		t.Fatalf("inet socket = %d, want EAFNOSUPPORT", fd)
	}
}
