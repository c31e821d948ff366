// Package rdma manages the lifecycle of RDMA-capable network devices and the
// completion-event machinery the messaging transport polls for inbound and
// outbound work. Devices are discovered once, through a DeviceList, and each
// Device is explicitly initialized (port binding, protection domain, shared
// receive queue, completion queues, buffer seeding) before it can create
// queue pairs or serve completions.
package rdma

// GID is a 128-bit global identifier used for RoCE/InfiniBand routing.
type GID [16]byte

// RoCEVersion selects the addressing variant a GID table entry must carry
// for exact-match resolution.
type RoCEVersion uint8

const (
	RoCEv1 RoCEVersion = 1
	RoCEv2 RoCEVersion = 2
)

func (v RoCEVersion) String() string {
	switch v {
	case RoCEv1:
		return "RoCE v1"
	case RoCEv2:
		return "RoCE v2"
	default:
		return "unknown"
	}
}

// PortState mirrors the verbs link state enumeration.
type PortState uint8

const (
	PortNop         PortState = 0
	PortDown        PortState = 1
	PortInit        PortState = 2
	PortArmed       PortState = 3
	PortActive      PortState = 4
	PortActiveDefer PortState = 5
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "nop"
	case PortDown:
		return "down"
	case PortInit:
		return "init"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active_defer"
	default:
		return "invalid"
	}
}

// DeviceAttr is the capability snapshot queried from a device context.
type DeviceAttr struct {
	MaxQPWR     int // max outstanding work requests per queue pair
	MaxSRQWR    int // max outstanding work requests on a shared receive queue
	MaxCQE      int // max completion queue entries
	PhysPortCnt uint8
}

// PortAttr is the snapshot queried from one physical port.
type PortAttr struct {
	State     PortState
	LID       uint16
	GIDTblLen int
}

// WorkCompletion status values and opcodes this core cares about. The full
// verbs enumerations are wider; everything else is passed through opaquely.
const (
	WCSuccess uint32 = 0

	WCOpcodeSend uint32 = 0
	WCOpcodeRecv uint32 = 128
)

// WorkCompletion is one completion queue entry.
type WorkCompletion struct {
	WRID      uint64
	Status    uint32
	Opcode    uint32
	VendorErr uint32
	ByteLen   uint32
	QPNum     uint32
	SrcQP     uint32
	Flags     uint32
}

// QPType selects the transport service of a queue pair.
type QPType int

const (
	// QPTypeRC is a reliable-connected queue pair, the transport's default.
	QPTypeRC QPType = iota
	// QPTypeUD is an unreliable-datagram queue pair.
	QPTypeUD
)

// HostVerbs enumerates the RDMA devices visible on the host. Enumeration is
// a one-shot system query; DeviceList is its sole caller.
type HostVerbs interface {
	ListDevices() ([]DeviceHandle, error)
}

// DeviceHandle identifies one enumerated device before its context is open.
type DeviceHandle interface {
	Name() string
	Open() (DeviceContext, error)
}

// DeviceContext is an open handle to one RDMA device. All hardware resource
// creation goes through it so the core can run against a fake in tests.
type DeviceContext interface {
	QueryDevice() (DeviceAttr, error)
	QueryPort(portNum uint8) (PortAttr, error)
	QueryGID(portNum uint8, index int) (GID, error)
	// QueryGIDType reports the RoCE version tag of a GID table entry.
	// Implementations that cannot report per-entry types return
	// ErrGIDTypeNotSupported, which selects default-mode resolution.
	QueryGIDType(portNum uint8, index int) (RoCEVersion, error)

	AllocPD() (ProtectionDomain, error)
	CreateCompChannel() (CompletionChannel, error)
	CreateCompQueue(depth int, cc CompletionChannel) (CompletionQueue, error)
	CreateSRQ(pd ProtectionDomain, maxWR, maxSGE uint32) (SharedReceiveQueue, error)
	CreateQP(attr QPInitAttr) (QueuePairHandle, error)
	RegMR(pd ProtectionDomain, buf []byte) (MemoryRegion, error)

	// SetAsyncNonblock puts the context's asynchronous-event descriptor in
	// non-blocking mode so event drains cannot stall the caller.
	SetAsyncNonblock() error
	Close() error
}

// ProtectionDomain is the opaque capability token under which memory regions
// and queues are created.
type ProtectionDomain interface {
	Close() error
}

// CompletionChannel is a waitable notification object bound to one
// completion queue. Its descriptor is non-blocking: GetCQEvent returns false
// when no event is pending. Events retrieved through GetCQEvent accumulate
// until AckEvents acknowledges the batch; a channel must have no
// unacknowledged events when it is closed.
type CompletionChannel interface {
	FD() int
	GetCQEvent() bool
	AckEvents()
	Close() error
}

// CompletionQueue drains completion entries and re-arms edge-triggered
// notification.
type CompletionQueue interface {
	// PollCQ fills wc with up to len(wc) entries and returns how many.
	PollCQ(wc []WorkCompletion) (int, error)
	RearmNotify() error
	Close() error
}

// SharedReceiveQueue accepts single-SGE receive work requests whose buffers
// are shared across every queue pair of the owning device.
type SharedReceiveQueue interface {
	PostRecv(wrID uint64, addr uintptr, length, lkey uint32) error
	Close() error
}

// MemoryRegion is a hardware-registered buffer region.
type MemoryRegion interface {
	LKey() uint32
	Close() error
}

// QPInitAttr carries everything the verbs layer needs to create a queue
// pair bound to the owning device's shared resources.
type QPInitAttr struct {
	Type      QPType
	PD        ProtectionDomain
	SRQ       SharedReceiveQueue
	SendCQ    CompletionQueue
	RecvCQ    CompletionQueue
	MaxSendWR uint32
	MaxRecvWR uint32
}

// QueuePairHandle is the raw verbs queue pair underneath a QueuePair.
type QueuePairHandle interface {
	QPNum() uint32
	Close() error
}
