// Package servers is the gateway between the kernel and its user-space
// servers: the well-known kernel socket, the framed message protocol, the
// pending-request table that pairs replies with blocked threads, and the
// handlers for requests the kernel itself fulfills.
package servers

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Special socket paths. Neither is a real file.
const (
	KernelPath = "lux:///kernel"
	LumenPath  = "lux:///lumen"
)

// Commands servers direct at the kernel.
const (
	CmdLog           = 0x0000
	CmdSysinfo       = 0x0001
	CmdRand          = 0x0002
	CmdIO            = 0x0003
	CmdProcessIO     = 0x0004
	CmdProcessList   = 0x0005
	CmdProcessStatus = 0x0006
	CmdFramebuffer   = 0x0007

	MaxGeneralCommand = CmdFramebuffer
)

// Commands the kernel relays to lumen to fulfill syscalls.
const (
	CmdStat   = 0x8000
	CmdFlush  = 0x8001
	CmdMount  = 0x8002
	CmdUmount = 0x8003
	CmdOpen   = 0x8004
	CmdRead   = 0x8005
	CmdWrite  = 0x8006
	CmdChown  = 0x8007
	CmdChmod  = 0x8008
	CmdLseek  = 0x8009

	MaxSyscallCommand = CmdLseek
)

// MessageHeader opens every message on a server socket. Length is the full
// message size including the header; Id is echoed in the reply; Requester
// is the TID the request is being made for.
type MessageHeader struct {
	Command   uint16 `struc:"uint16,little"`
	Length    uint16 `struc:"uint16,little"`
	Id        uint64 `struc:"uint64,little"`
	Response  uint8  `struc:"uint8"`
	Requester uint64 `struc:"uint64,little"`
}

// HeaderSize is the packed header length.
const HeaderSize = 2 + 2 + 8 + 1 + 8

// Hdr gives generic code access to an embedded header.
func (h *MessageHeader) Hdr() *MessageHeader { return h }

// Command is any message with a leading header.
type Command interface {
	Hdr() *MessageHeader
}

// SyscallResponse is the prefix every syscall reply shares: the header plus
// the operation's status, which becomes the blocked thread's return value.
type SyscallResponse struct {
	MessageHeader
	Status int64 `struc:"int64,little"`
}

const maxPathBytes = 256

// LogCommand routes a server's log line into the kernel logger.
type LogCommand struct {
	MessageHeader
	Level  int32  `struc:"int32,little"`
	Server []byte `struc:"[64]byte"`
	Text   []byte `struc:"[256]byte"`
}

// SysinfoResponse reports kernel figures back to a server.
type SysinfoResponse struct {
	MessageHeader
	Status      int64  `struc:"int64,little"`
	Uptime      uint64 `struc:"uint64,little"`
	MaxPid      int32  `struc:"int32,little"`
	MaxSockets  int32  `struc:"int32,little"`
	Processes   int32  `struc:"int32,little"`
	Threads     int32  `struc:"int32,little"`
	PageSize    int32  `struc:"int32,little"`
	MemorySize  int32  `struc:"int32,little"` // pages
	MemoryUsage int32  `struc:"int32,little"` // pages
}

// FramebufferResponse grants a server access to the boot framebuffer,
// mapped into its address space at Buffer.
type FramebufferResponse struct {
	MessageHeader
	Status int64  `struc:"int64,little"`
	Buffer uint64 `struc:"uint64,little"`
	W      uint16 `struc:"uint16,little"`
	H      uint16 `struc:"uint16,little"`
	Pitch  uint16 `struc:"uint16,little"`
	Bpp    uint16 `struc:"uint16,little"`
}

// MountCommand asks lumen to mount a file system.
type MountCommand struct {
	MessageHeader
	Source []byte `struc:"[256]byte"`
	Target []byte `struc:"[256]byte"`
	Type   []byte `struc:"[32]byte"`
	Flags  int32  `struc:"int32,little"`
}

// UmountCommand reverses a mount.
type UmountCommand struct {
	MessageHeader
	Target []byte `struc:"[256]byte"`
	Flags  int32  `struc:"int32,little"`
}

// StatCommand asks for file metadata; the reply carries the stat payload
// after the response prefix.
type StatCommand struct {
	MessageHeader
	Path []byte `struc:"[256]byte"`
}

// OpenCommand opens a path on behalf of the requester.
type OpenCommand struct {
	MessageHeader
	Path  []byte `struc:"[256]byte"`
	Flags int32  `struc:"int32,little"`
	Mode  uint32 `struc:"uint32,little"`
	Uid   uint32 `struc:"uint32,little"`
	Gid   uint32 `struc:"uint32,little"`
}

// RWCommand moves file data. Reads carry the requested byte count and an
// empty payload, and get the data back in the reply; writes carry the
// payload out. DataLen tracks the payload and is filled in by the packer.
type RWCommand struct {
	MessageHeader
	Fd       int32  `struc:"int32,little"`
	Position uint64 `struc:"uint64,little"`
	Count    uint64 `struc:"uint64,little"`
	DataLen  uint64 `struc:"uint64,little,sizeof=Data"`
	Data     []byte
}

// LseekCommand repositions a file offset.
type LseekCommand struct {
	MessageHeader
	Fd     int32 `struc:"int32,little"`
	Offset int64 `struc:"int64,little"`
	Whence int32 `struc:"int32,little"`
}

// ChownCommand changes file ownership.
type ChownCommand struct {
	MessageHeader
	Path []byte `struc:"[256]byte"`
	Uid  uint32 `struc:"uint32,little"`
	Gid  uint32 `struc:"uint32,little"`
}

// ChmodCommand changes file permission bits.
type ChmodCommand struct {
	MessageHeader
	Path []byte `struc:"[256]byte"`
	Mode uint32 `struc:"uint32,little"`
}

// PathBytes fits a string into the fixed path field size.
func PathBytes(s string) []byte {
	b := make([]byte, maxPathBytes)
	copy(b, s)
	return b
}

// Pack serializes a command, fixing up the Length field to the final size.
func Pack(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, cmd); err != nil {
		return nil, errors.Wrap(err, "packing server message")
	}
	data := buf.Bytes()
	cmd.Hdr().Length = uint16(len(data))
	binary.LittleEndian.PutUint16(data[2:4], cmd.Hdr().Length)
	return data, nil
}

// Unpack decodes data into a typed message.
func Unpack(data []byte, cmd interface{}) error {
	return errors.Wrap(struc.Unpack(bytes.NewReader(data), cmd), "unpacking server message")
}

// PeekHeader decodes just the leading header.
func PeekHeader(data []byte) (MessageHeader, error) {
	var h MessageHeader
	if len(data) < HeaderSize {
		return h, errors.New("short server message")
	}
	err := struc.Unpack(bytes.NewReader(data[:HeaderSize]), &h)
	return h, err
}
