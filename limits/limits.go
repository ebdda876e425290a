// Package limits holds the compile-time tunables for the kernel. Everything
// here is a hard system-wide cap; none of these are runtime-configurable.
package limits

const (
	// PageSize is the only page size the kernel supports.
	PageSize = 4096

	// MaxPid bounds both process and thread IDs.
	MaxPid = 99999

	// MaxIODescriptors is the per-process descriptor table size.
	MaxIODescriptors = 1024

	// MaxSockets caps the global socket table.
	MaxSockets = 1 << 18 // 262144

	// SocketDefaultBacklog is used when listen() passes zero.
	SocketDefaultBacklog = 1024

	// SocketIOBacklog is the depth of a socket's inbound/outbound rings.
	SocketIOBacklog = 64

	// MaxSockAddr is the longest local socket path, excluding the family.
	MaxSockAddr = 512

	// ThreadStack is the fixed stack size for kernel and user threads.
	ThreadStack = 64 * 1024

	// MaxPath bounds working directories and file names.
	MaxPath = 2048

	// MaxSignal is the highest deliverable signal number.
	MaxSignal = 31

	// ServerMaxConnections caps servers connected to the kernel socket.
	ServerMaxConnections = 512

	// ServerMaxSize is the largest kernel<->server message, header included.
	ServerMaxSize = 0x80000 // 512 KiB

	// SchedTimeslice is the base timeslice in timer ticks.
	SchedTimeslice = 1
)
