// Package simchannel provides an in-process Channel implementation that
// plays the host side of the protocol well enough to drive the hvs core
// through a full attach and SCSI command cycle without a real
// hypervisor underneath. It is a test and demo fixture, not a reference
// transport: a real Channel would move these bytes over a shared-memory
// ring instead of a Go channel.
package simchannel

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/aahadley/hvs"
	"github.com/aahadley/hvs/dmasim"
	"github.com/aahadley/hvs/scsi"
)

// Wire offsets this package needs to read/write command slots as the
// opposite end of the protocol. They mirror (but do not import, since
// they are unexported) the layout hvs's wire.go encodes; a real host
// implementation lives in an entirely separate codebase and necessarily
// duplicates this knowledge the same way.
const (
	packetSize = 64

	offOp     = 0
	offFlags  = 4
	offStatus = 8

	offVerVersion = 12

	offChpPath    = 14
	offChpTarget  = 15
	offChpMaxXfer = 24

	offSrbIOStatus   = 14
	offSrbSCSIStatus = 15
	offSrbTarget     = 18
	offSrbLun        = 19
	offSrbCdbLen     = 20
	offSrbSenseLen   = 21
	offSrbData       = 28
)

const (
	opStartInit  = 0x07
	opFinishInit = 0x08
	opQueryProto = 0x09
	opQueryProps = 0x0a
	opScsiIO     = 0x03
	opIODone     = 0x01
)

var order = binary.LittleEndian

// Target answers a SCSI command addressed at (target, lun) with
// canned or backing-store-derived data, the same contract
// coreos-go-tcmu's SCSICmd handler exposes to its own target
// implementations.
type Target interface {
	// Handle runs cdb against data (read or write, per cdb's opcode),
	// returning the SCSI status and, on CHECK CONDITION, fixed sense
	// bytes. data is sized to the host's advertised transfer for the
	// command; Handle may read or overwrite it in place.
	Handle(target, lun uint8, cdb []byte, data []byte) (status uint8, sense []byte)
}

// Loopback is a runnable Channel that answers the handshake itself and
// dispatches SCSI commands to a Target.
type Loopback struct {
	mu   sync.Mutex
	in   []queuedPacket // packets ready for Recv, oldest first
	intr chan struct{}

	proto    uint16
	path     uint8
	target   uint8
	maxXfer  uint32
	tgt      Target
	res      *dmasim.Resolver
	opened   bool
}

type queuedPacket struct {
	buf [packetSize]byte
	rid uint64
}

// New builds a Loopback that reports (path, initiator) as the channel's
// own identity and dispatches SCSI I/O to tgt. res must be the same
// Resolver the paired dmasim.Tag was built with, so gather lists this
// Loopback receives resolve back to the submitter's real buffer.
func New(path, initiator uint8, maxXfer uint32, tgt Target, res *dmasim.Resolver) *Loopback {
	return &Loopback{
		intr:    make(chan struct{}, 64),
		path:    path,
		target:  initiator,
		maxXfer: maxXfer,
		tgt:     tgt,
		res:     res,
	}
}

func (l *Loopback) Open(ringSize int, props []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return errors.New("simchannel: already open")
	}
	l.opened = true
	if len(props) >= int(offChpMaxXfer)+4 {
		props[offChpPath] = l.path
		props[offChpTarget] = l.target
		order.PutUint32(props[offChpMaxXfer:], l.maxXfer)
	}
	return nil
}

func (l *Loopback) Interrupts() <-chan struct{} { return l.intr }

func (l *Loopback) Send(p []byte, requestID uint64) error {
	return l.dispatch(p, requestID, nil)
}

func (l *Loopback) SendGatherList(gl hvs.GatherList, p []byte, requestID uint64) error {
	return l.dispatch(p, requestID, &gl)
}

func (l *Loopback) Recv(buf []byte) (int, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.in) == 0 {
		return 0, 0, hvs.ErrAgain
	}
	qp := l.in[0]
	l.in = l.in[1:]
	n := copy(buf, qp.buf[:])
	return n, qp.rid, nil
}

// dispatch computes the host's reply to one command (for SCSI I/O,
// resolving the gather list's PFNs back to the submitter's buffer through
// the shared dmasim Resolver), queues the reply for Recv, and signals an
// interrupt.
func (l *Loopback) dispatch(p []byte, rid uint64, gl *hvs.GatherList) error {
	if len(p) != packetSize {
		return errors.New("simchannel: bad packet length")
	}
	var cmd [packetSize]byte
	copy(cmd[:], p)

	reply := l.handle(cmd, gl)

	l.mu.Lock()
	l.in = append(l.in, queuedPacket{buf: reply, rid: rid})
	l.mu.Unlock()

	select {
	case l.intr <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loopback) handle(cmd [packetSize]byte, gl *hvs.GatherList) [packetSize]byte {
	op := order.Uint32(cmd[offOp:])
	reply := cmd

	switch op {
	case opStartInit, opFinishInit:
		order.PutUint32(reply[offOp:], opIODone)
		order.PutUint32(reply[offStatus:], 0)

	case opQueryProto:
		ver := order.Uint16(cmd[offVerVersion:])
		order.PutUint32(reply[offOp:], opIODone)
		if ver == 0 {
			order.PutUint32(reply[offStatus:], 1)
		} else {
			l.proto = ver
			order.PutUint32(reply[offStatus:], 0)
		}

	case opQueryProps:
		order.PutUint32(reply[offOp:], opIODone)
		order.PutUint32(reply[offStatus:], 0)
		reply[offChpPath] = l.path
		reply[offChpTarget] = l.target
		order.PutUint32(reply[offChpMaxXfer:], l.maxXfer)

	case opScsiIO:
		order.PutUint32(reply[offOp:], opIODone)
		order.PutUint32(reply[offStatus:], 0)
		l.handleSCSI(&reply, gl)

	default:
		order.PutUint32(reply[offOp:], opIODone)
		order.PutUint32(reply[offStatus:], 1)
	}
	return reply
}

func (l *Loopback) handleSCSI(reply *[packetSize]byte, gl *hvs.GatherList) {
	target := reply[offSrbTarget]
	lun := reply[offSrbLun]
	cdbLen := reply[offSrbCdbLen]
	cdb := append([]byte(nil), reply[offSrbData:offSrbData+int(cdbLen)]...)

	segs := l.resolveSegments(gl)
	data := gather(segs)

	status := uint8(scsi.StatusGood)
	var sense []byte
	if l.tgt != nil {
		status, sense = l.tgt.Handle(target, lun, cdb, data)
	}
	scatter(segs, data)

	reply[offSrbSCSIStatus] = status
	if status == scsi.StatusGood {
		return
	}
	senseLen := reply[offSrbSenseLen]
	n := copy(reply[offSrbData:offSrbData+int(senseLen)], sense)
	_ = n
	reply[offSrbIOStatus] |= 0x80 // srbStatusAutosenseValid
}

// resolveSegments translates a gather list's fabricated PFNs back to the
// dmasim Resolver's live backing slices, in order.
func (l *Loopback) resolveSegments(gl *hvs.GatherList) [][]byte {
	if gl == nil || l.res == nil {
		return nil
	}
	segs := make([][]byte, 0, len(gl.PFN))
	for _, pfn := range gl.PFN {
		seg := l.res.ResolvePFN(pfn)
		if seg != nil {
			segs = append(segs, seg)
		}
	}
	return segs
}

// gather copies every segment into one contiguous buffer for Target.Handle.
func gather(segs [][]byte) []byte {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	buf := make([]byte, total)
	pos := 0
	for _, s := range segs {
		pos += copy(buf[pos:], s)
	}
	return buf
}

// scatter copies a (possibly Target-modified) contiguous buffer back out
// to the segments it was gathered from, the write-back half of the
// round trip a real scattered DMA transfer performs implicitly.
func scatter(segs [][]byte, buf []byte) {
	pos := 0
	for _, s := range segs {
		n := copy(s, buf[pos:])
		pos += n
	}
}
