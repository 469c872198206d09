package hvs

import "errors"

// ErrAgain is returned by Channel.Send/SendGatherList/Recv when the
// operation could not complete without blocking. It is the Go analogue of
// EAGAIN in the original driver and is the one send/recv failure the core
// treats as retryable rather than fatal.
var ErrAgain = errors.New("hvs: channel would block")

// Channel is the virtual-bus primitive the core consumes. An
// implementation owns the shared-memory ring, inline packet delivery, and
// gather-list (page-range) packet delivery; it is out of scope for this
// core (see spec §1) and is supplied by the attach glue. Package
// simchannel provides a runnable loopback implementation for tests and
// the demo CLI.
type Channel interface {
	// Open establishes the ring, sized ringSize bytes, and arranges for
	// the channel's properties (whatever the host hands back with the
	// open handshake) to be written into props. Called once, by Attach,
	// before any command is sent.
	Open(ringSize int, props []byte) error

	// Send transmits an inline packet carrying p, tagged with requestID.
	// Returns ErrAgain if the ring has no room.
	Send(p []byte, requestID uint64) error

	// SendGatherList transmits p accompanied by a gather list describing
	// a physically scattered data buffer, tagged with requestID.
	SendGatherList(gl GatherList, p []byte, requestID uint64) error

	// Recv pulls one packet into buf, non-blocking. Returns ErrAgain when
	// the ring is empty.
	Recv(buf []byte) (n int, requestID uint64, err error)

	// Interrupts delivers a signal every time the host has placed one or
	// more packets in the ring, standing in for the vmbus interrupt
	// callback spec.md describes as external to this core. The core
	// drains with Recv until ErrAgain on every signal.
	Interrupts() <-chan struct{}
}

// GatherList describes a physically scattered guest buffer the way the
// channel's wire format expects it: the total byte length, the byte
// offset into the first page, and one page frame number per segment.
type GatherList struct {
	TotalLength uint32
	Offset      uint32
	PFN         []uint64
}

// DMADirection says which way data moves relative to host memory, which
// is the bias a real DMA map needs to pick the correct cache
// synchronization operation.
type DMADirection int

const (
	// DMANone means no data transfer accompanies the command.
	DMANone DMADirection = iota
	// DMAToHost means the guest buffer is being read so its bytes can be
	// delivered to host memory (SCSI DATA OUT).
	DMAToHost
	// DMAFromHost means the guest buffer is being written with bytes the
	// host is delivering (SCSI DATA IN).
	DMAFromHost
)

// DMAMap is a single pre-created mapping capable of describing one
// in-flight transfer's buffer as a list of page frame numbers. A CCB owns
// exactly one DMAMap for its lifetime (spec §4.2); Load/SyncAndUnload
// toggle it between idle and in-flight.
type DMAMap interface {
	// Load maps buf for the given direction, returning the page frame
	// numbers, the byte offset into the first page, and the total
	// length. Returns ErrDMANoResources or ErrDMAOutOfSegments if buf
	// cannot be mapped; Submit logs the error and completes the transfer
	// with midlayer.DriverStuffup.
	Load(buf []byte, dir DMADirection) (pfns []uint64, offset uint32, total uint32, err error)

	// SyncAndUnload flushes and releases the mapping established by the
	// most recent Load. It is a no-op if nothing is loaded.
	SyncAndUnload()
}

// DMATag creates DMAMap instances bounded to a maximum segment count,
// standing in for a bus_dma_tag_t.
type DMATag interface {
	CreateMap(maxSegments int) (DMAMap, error)
}

// ErrDMANoResources and ErrDMAOutOfSegments are the two DMAMapFailure
// causes named in spec §7.
var (
	ErrDMANoResources   = errors.New("hvs: dma map: no resources")
	ErrDMAOutOfSegments = errors.New("hvs: dma map: out of scatter segments")
)
