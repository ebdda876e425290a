package servers_test

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/lumenos/core/klog"
	"github.com/lumenos/core/mem"
	"github.com/lumenos/core/platform"
	"github.com/lumenos/core/sched"
	"github.com/lumenos/core/servers"
	"github.com/lumenos/core/socket"
)

const (
	testTextVaddr = 0x40_0000
	testDataVaddr = 0x40_1000
)

func makeTestELF(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	le := binary.LittleEndian

	segment := make([]byte, 0x1000+len(data))
	copy(segment, []byte{0x90, 0x90, 0x0f, 0x05})
	copy(segment[0x1000:], data)

	const (
		ehsize = 64
		phsize = 56
	)
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	binary.Write(&buf, le, uint16(2))
	binary.Write(&buf, le, uint16(62))
	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint64(testTextVaddr))
	binary.Write(&buf, le, uint64(ehsize))
	binary.Write(&buf, le, uint64(0))
	binary.Write(&buf, le, uint32(0))
	binary.Write(&buf, le, uint16(ehsize))
	binary.Write(&buf, le, uint16(phsize))
	binary.Write(&buf, le, uint16(1))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))
	binary.Write(&buf, le, uint16(0))

	binary.Write(&buf, le, uint32(1))
	binary.Write(&buf, le, uint32(7))
	binary.Write(&buf, le, uint64(ehsize+phsize))
	binary.Write(&buf, le, uint64(testTextVaddr))
	binary.Write(&buf, le, uint64(testTextVaddr))
	binary.Write(&buf, le, uint64(len(segment)))
	binary.Write(&buf, le, uint64(len(segment)))
	binary.Write(&buf, le, uint64(0x1000))

	buf.Write(segment)
	return buf.Bytes()
}

func spawnUser(t *testing.T, m *platform.Machine) *sched.Thread {
	t.Helper()
	pid, err := sched.ExecveMemory(makeTestELF(t, make([]byte, 0x1000)), []string{"test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sched.GetThread(pid)
}

// newGatewayRig boots enough kernel to run the server gateway and connects
// a simulated lumen. Returns the machine, lumen's thread, and lumen's
// connected socket descriptor.
func newGatewayRig(t *testing.T) (*platform.Machine, *sched.Thread, int) {
	t.Helper()
	m, err := platform.NewMachine(1, 16<<20)
	if err != nil {
		t.Fatal(err)
	}
	pmm, err := mem.InitPMM(m, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.InitPaging(); err != nil {
		t.Fatal(err)
	}
	sched.Init(m)
	socket.Init()
	if _, err := sched.KthreadCreate(func(uint64) {}, 0); err != nil {
		t.Fatal(err)
	}
	servers.Init(m, pmm)

	lumen := spawnUser(t, m)
	sched.SetLumenPid(lumen.Pid)

	lsock := socket.Socket(lumen, socket.AFUnix, socket.SockSeqpacket, 0)
	if lsock < 0 {
		t.Fatalf("lumen socket: %d", lsock)
	}
	ret := socket.Connect(lumen, int(lsock), socket.Sockaddr{Family: socket.AFUnix, Path: servers.KernelPath})
	if ret != 0 && ret != -11 {
		t.Fatalf("lumen connect: %d", ret)
	}
	servers.Idle() // accept lumen
	if servers.LumenSocket() == 0 {
		t.Fatal("lumen connection not accepted")
	}
	return m, lumen, int(lsock)
}

// A relayed syscall blocks the requester until the reply, whose status
// becomes the thread's return value.
func TestRequestReplyUnblocks(t *testing.T) {
	m, lumen, lsock := newGatewayRig(t)

	requester := spawnUser(t, m)
	sched.SetState(requester, sched.ThreadRunning)

	cmd := &servers.OpenCommand{Path: servers.PathBytes("/tmp/x"), Flags: 0}
	cmd.Command = servers.CmdOpen
	if ret := servers.Request(requester, 0, cmd); ret != 0 {
		t.Fatalf("request: %d", ret)
	}
	if requester.Status != sched.ThreadBlocked {
		t.Fatal("requester not blocked")
	}

	// lumen receives the command
	buf := make([]byte, 4096)
	n := socket.Recv(lumen, lsock, buf, 0)
	if n <= 0 {
		t.Fatalf("lumen recv: %d", n)
	}
	var got servers.OpenCommand
	if err := servers.Unpack(buf[:n], &got); err != nil {
		t.Fatal(err)
	}
	if got.Command != servers.CmdOpen || got.Requester != uint64(requester.Tid) {
		t.Fatalf("relayed header %v", got.MessageHeader)
	}

	// reply with fd 5
	resp := &servers.SyscallResponse{Status: 5}
	resp.MessageHeader = got.MessageHeader
	resp.Response = 1
	data, _ := servers.Pack(resp)
	if ret := socket.Send(lumen, lsock, data, 0); ret < 0 {
		t.Fatalf("lumen reply: %d", ret)
	}

	servers.Idle()
	if requester.Status != sched.ThreadQueued {
		t.Fatalf("requester state %d, want queued", requester.Status)
	}
	if requester.Syscall.Ret != 5 || !requester.Syscall.Unblock {
		t.Fatalf("ret=%d unblock=%v", requester.Syscall.Ret, requester.Syscall.Unblock)
	}
	if requester.Context.Regs.Rax != 5 {
		t.Fatal("return register not written")
	}
}

// Reply payload bytes land in the requester's memory for read-style
// requests.
func TestReplyPayloadCopied(t *testing.T) {
	m, lumen, lsock := newGatewayRig(t)
	requester := spawnUser(t, m)

	cmd := &servers.RWCommand{Fd: 4, Count: 16}
	cmd.Command = servers.CmdRead
	if ret := servers.RequestInto(requester, 0, cmd, testDataVaddr, 16); ret != 0 {
		t.Fatalf("request: %d", ret)
	}

	buf := make([]byte, 4096)
	n := socket.Recv(lumen, lsock, buf, 0)
	hdr, _ := servers.PeekHeader(buf[:n])

	payload := []byte("filecontents!")
	resp := &servers.SyscallResponse{Status: int64(len(payload))}
	resp.MessageHeader = hdr
	resp.Response = 1
	data, _ := servers.Pack(resp)
	socket.Send(lumen, lsock, append(data, payload...), 0)

	servers.Idle()
	got := make([]byte, len(payload))
	if err := m.ReadVirt(requester.Context.CR3, testDataVaddr, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %q", got)
	}
	if int64(requester.Context.Regs.Rax) != int64(len(payload)) {
		t.Fatal("read count not returned")
	}
}

// General requests from anyone but lumen and its children are dropped.
func TestGeneralRequestPolicy(t *testing.T) {
	m, _, _ := newGatewayRig(t)

	stranger := spawnUser(t, m)
	ssock := socket.Socket(stranger, socket.AFUnix, socket.SockSeqpacket, 0)
	socket.Connect(stranger, int(ssock), socket.Sockaddr{Family: socket.AFUnix, Path: servers.KernelPath})
	servers.Idle() // accept the stranger's connection

	req := &servers.MessageHeader{Command: servers.CmdSysinfo, Requester: uint64(stranger.Tid)}
	data, _ := servers.Pack(req)
	socket.Send(stranger, int(ssock), data, 0)
	servers.Idle()

	// dropped: no reply lands on the stranger's socket
	buf := make([]byte, 256)
	if n := socket.Recv(stranger, int(ssock), buf, 0); n > 0 {
		t.Fatalf("stranger got a reply of %d bytes", n)
	}
}

// Sysinfo answers lumen with live kernel figures.
func TestSysinfoReply(t *testing.T) {
	_, lumen, lsock := newGatewayRig(t)

	req := &servers.MessageHeader{Command: servers.CmdSysinfo, Requester: uint64(lumen.Tid)}
	data, _ := servers.Pack(req)
	socket.Send(lumen, lsock, data, 0)
	servers.Idle()

	buf := make([]byte, 4096)
	n := socket.Recv(lumen, lsock, buf, 0)
	if n <= 0 {
		t.Fatalf("no sysinfo reply: %d", n)
	}
	var resp servers.SysinfoResponse
	if err := servers.Unpack(buf[:n], &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != 1 || resp.PageSize != platform.PageSize {
		t.Fatalf("sysinfo reply %+v", resp)
	}
	if resp.Threads < 1 || resp.Processes < 1 {
		t.Fatal("sysinfo reports no processes")
	}
}

// A server's log command lands in the kernel log.
func TestLogCommandRoutes(t *testing.T) {
	_, lumen, lsock := newGatewayRig(t)

	var captured bytes.Buffer
	klog.SetOutput(&captured)

	cmd := &servers.LogCommand{
		Level:  klog.LevelDebug,
		Server: servers.PathBytes("vfs")[:64],
		Text:   servers.PathBytes("mounted /dev/rd0")[:256],
	}
	cmd.Command = servers.CmdLog
	cmd.Requester = uint64(lumen.Tid)
	data, _ := servers.Pack(cmd)
	socket.Send(lumen, lsock, data, 0)
	servers.Idle()

	if !strings.Contains(captured.String(), "mounted /dev/rd0") {
		t.Fatalf("log line missing: %q", captured.String())
	}
}
