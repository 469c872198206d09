package hvs

import "encoding/binary"

// packetSize is the fixed size of every command slot exchanged over the
// channel (spec §3, §6). All command variants are encoded into a buffer
// of exactly this size; unused tail bytes are left zero.
const packetSize = 64

// wireOrder is the byte order used to encode/decode every wire field.
// The hypervisor this protocol targets is little-endian on every guest
// architecture it supports, so this is fixed rather than made
// configurable.
var wireOrder = binary.LittleEndian

// Opcodes sent by the guest.
const (
	opStartInit   = 0x07
	opFinishInit  = 0x08
	opQueryProto  = 0x09
	opQueryProps  = 0x0a
	opScsiIO      = 0x03
)

// Opcodes received from the host.
const (
	opIODone    = 0x01
	opDevGone   = 0x02
	opEnumerate = 0x0b
)

// flagRequestCompletion is the header flags bit that asks the channel
// layer to notify the sender when the corresponding reply has been
// delivered to the ring. The core sets it on every command it sends.
const flagRequestCompletion = 0x1

// initSentinel is the reserved request id used by every handshake
// command (spec §3). Its low 32 bits are nonzero, while every normal
// CCB-indexed id has zero low 32 bits, so the two sets of ids are
// disjoint by construction and splitRequestID rejects the sentinel.
const initSentinel = 0x1984

// Negotiated protocol versions, preferred-first order (spec §3, §6).
var protocolVersions = []uint16{
	ProtoWin10,
	ProtoWin81,
	ProtoWin8,
	ProtoWin7,
	ProtoWin6,
}

const (
	ProtoWin6  = 0x200
	ProtoWin7  = 0x402
	ProtoWin8  = 0x501
	ProtoWin81 = 0x600
	ProtoWin10 = 0x602
)

// SRB data-direction codes (spec §3).
const (
	srbDirWrite = 0
	srbDirRead  = 1
	srbDirNone  = 2
)

// SRB I/O status bits (spec §6).
const (
	srbStatusPending        = 0x00
	srbStatusSuccess        = 0x01
	srbStatusAborted        = 0x02
	srbStatusError          = 0x04
	srbStatusInvalidLun     = 0x20
	srbStatusQueueFrozen    = 0x40
	srbStatusAutosenseValid = 0x80
)

// Extended SRB flags bits (spec §3).
const (
	srbFlagsDataIn         = 0x40
	srbFlagsDataOut        = 0x80
	srbFlagsNoDataTransfer = 0x00
)

const (
	maxSRBData        = 20
	senseDataLenWin7  = 18
	senseDataLen      = 20
	cmdIOSize         = 48 // header + base SRB, no extension
	cmdXIOSize        = 64 // header + SRB + Win8 extension
)

// Fixed byte offsets within the 64-byte packet slot. Every command
// variant shares the 12-byte header at offset 0; the remaining layout is
// a tagged view over the same buffer (spec §4.1, §9).
const (
	offOp     = 0
	offFlags  = 4
	offStatus = 8

	offVerVersion  = 12
	offVerRevision = 14

	offChpProto    = 12
	offChpPath     = 14
	offChpTarget   = 15
	offChpMaxChan  = 16
	offChpPort     = 18
	offChpFlags    = 20
	offChpMaxXfer  = 24
	offChpChanID   = 28

	offSrbReqLen     = 12
	offSrbIOStatus   = 14
	offSrbSCSIStatus = 15
	offSrbInitiator  = 16
	offSrbBus        = 17
	offSrbTarget     = 18
	offSrbLun        = 19
	offSrbCdbLen     = 20
	offSrbSenseLen   = 21
	offSrbDirection  = 22
	offSrbReserved   = 23
	offSrbDataLen    = 24
	offSrbData       = 28 // 20 bytes, ends at 48

	offXioReserved  = 48
	offXioQueueTag  = 50
	offXioQueueAct  = 51
	offXioSrbFlags  = 52
	offXioTimeout   = 56
	offXioSortKey   = 60
)

func init() {
	// The offsets above describe exactly packetSize bytes; if a future
	// edit grows a field past the slot, fail loudly at package load
	// rather than silently truncating wire data. Go has no
	// compile-time static_assert over these offsets, so this is the
	// nearest honest equivalent.
	if offXioSortKey+4 != packetSize {
		panic("hvs: extended SRB layout does not fill the 64-byte command slot")
	}
	if offSrbData+maxSRBData != cmdIOSize {
		panic("hvs: base SRB layout size mismatch")
	}
}

// packet is one 64-byte command slot.
type packet [packetSize]byte

func (p *packet) op() uint32     { return wireOrder.Uint32(p[offOp:]) }
func (p *packet) flags() uint32  { return wireOrder.Uint32(p[offFlags:]) }
func (p *packet) status() uint32 { return wireOrder.Uint32(p[offStatus:]) }

func (p *packet) setOp(v uint32)     { wireOrder.PutUint32(p[offOp:], v) }
func (p *packet) setFlags(v uint32)  { wireOrder.PutUint32(p[offFlags:], v) }

// newVersionCmd builds a QueryProto command slot offering version ver.
func newVersionCmd(ver uint16) packet {
	var p packet
	p.setOp(opQueryProto)
	p.setFlags(flagRequestCompletion)
	wireOrder.PutUint16(p[offVerVersion:], ver)
	return p
}

func (p *packet) version() uint16 { return wireOrder.Uint16(p[offVerVersion:]) }

// newInitCmd builds a bare StartInit/FinishInit/QueryProps command slot.
func newInitCmd(op uint32) packet {
	var p packet
	p.setOp(op)
	p.setFlags(flagRequestCompletion)
	return p
}

// channelProps is the decoded QueryProps reply payload (spec §3).
type channelProps struct {
	proto    uint16
	path     uint8
	target   uint8
	maxChan  uint16
	port     uint16
	chFlags  uint32
	maxXfer  uint32
	chanID   uint64
}

func (p *packet) channelProps() channelProps {
	return channelProps{
		proto:   wireOrder.Uint16(p[offChpProto:]),
		path:    p[offChpPath],
		target:  p[offChpTarget],
		maxChan: wireOrder.Uint16(p[offChpMaxChan:]),
		port:    wireOrder.Uint16(p[offChpPort:]),
		chFlags: wireOrder.Uint32(p[offChpFlags:]),
		maxXfer: wireOrder.Uint32(p[offChpMaxXfer:]),
		chanID:  wireOrder.Uint64(p[offChpChanID:]),
	}
}

// srbView provides field accessors over the SRB-shaped portion of a
// packet, valid whether or not the extended (Win8+) tail is present.
type srbView struct{ p *packet }

func (p *packet) srb() srbView { return srbView{p} }

func (s srbView) setReqLen(v uint16)     { wireOrder.PutUint16(s.p[offSrbReqLen:], v) }
func (s srbView) setIOStatus(v uint8)    { s.p[offSrbIOStatus] = v }
func (s srbView) setSCSIStatus(v uint8)  { s.p[offSrbSCSIStatus] = v }
func (s srbView) setInitiator(v uint8)   { s.p[offSrbInitiator] = v }
func (s srbView) setBus(v uint8)         { s.p[offSrbBus] = v }
func (s srbView) setTarget(v uint8)      { s.p[offSrbTarget] = v }
func (s srbView) setLun(v uint8)         { s.p[offSrbLun] = v }
func (s srbView) setCdbLen(v uint8)      { s.p[offSrbCdbLen] = v }
func (s srbView) setSenseLen(v uint8)    { s.p[offSrbSenseLen] = v }
func (s srbView) setDirection(v uint8)   { s.p[offSrbDirection] = v }
func (s srbView) setDataLen(v uint32)    { wireOrder.PutUint32(s.p[offSrbDataLen:], v) }
func (s srbView) data() []byte           { return s.p[offSrbData : offSrbData+maxSRBData] }

func (s srbView) reqLen() uint16    { return wireOrder.Uint16(s.p[offSrbReqLen:]) }
func (s srbView) ioStatus() uint8   { return s.p[offSrbIOStatus] }
func (s srbView) scsiStatus() uint8 { return s.p[offSrbSCSIStatus] }
func (s srbView) cdbLen() uint8     { return s.p[offSrbCdbLen] }
func (s srbView) senseLen() uint8   { return s.p[offSrbSenseLen] }
func (s srbView) dataLen() uint32   { return wireOrder.Uint32(s.p[offSrbDataLen:]) }

func (s srbView) setXioSRBFlags(v uint32) { wireOrder.PutUint32(s.p[offXioSrbFlags:], v) }

// newSRBCmd builds a ScsiIO command slot, sized either as the base or
// the Win8-extended variant depending on extended.
func newSRBCmd(extended bool) packet {
	var p packet
	p.setOp(opScsiIO)
	p.setFlags(flagRequestCompletion)
	if extended {
		p.srb().setReqLen(cmdXIOSize)
		p.srb().setSenseLen(senseDataLen)
	} else {
		p.srb().setReqLen(cmdIOSize)
		p.srb().setSenseLen(senseDataLenWin7)
	}
	return p
}

// requestID packs a CCB index into the high 32 bits of a request id, the
// layout spec §3 mandates for all normal I/O.
func requestID(ccbIndex uint32) uint64 {
	return uint64(ccbIndex) << 32
}

// splitRequestID reports whether id is well-formed (low 32 bits zero)
// and the CCB index carried in the high 32 bits (invariant I1).
func splitRequestID(id uint64) (ccbIndex uint32, ok bool) {
	if id&0xffffffff != 0 {
		return 0, false
	}
	return uint32(id >> 32), true
}
