// Package midlayer models the guest SCSI framework the driver core plugs
// into: the per-request descriptor (Transfer), completion status codes,
// and the adapter-facing hookups spec.md's "Midlayer (consumed/produced)"
// section describes. It deliberately knows nothing about the wire
// protocol — that lives in package hvs.
package midlayer

// Flags carried on a Transfer, mirroring the scsi_xfer flags the core
// reads (spec §4.4).
type Flags uint32

const (
	// DataIn means the host will write data into Transfer.Data.
	DataIn Flags = 1 << iota
	// DataOut means Transfer.Data is to be sent to the host.
	DataOut
	// Polled means Submit must not return until the transfer completes
	// or times out, driving completion by hand rather than waiting for
	// an interrupt.
	Polled
	// NoSleep means the polled wait must not call a sleeping primitive
	// (busy-delay instead), e.g. because the caller holds a spinlock.
	NoSleep
)

// Status is the completion code the core surfaces to the midlayer,
// named after the XS_* constants of the original BSD SCSI midlayer.
type Status int

const (
	NoError Status = iota
	Sense          // autosense was collected; inspect Transfer.SenseData
	DriverStuffup  // a resource or channel error prevented submission
	Timeout        // polled submission did not complete within budget
	SelTimeout     // the SRB I/O status was not Success
	Busy
)

// SenseDataLen is sized for the extended (Win8+) sense length; Win7 and
// earlier only fill the first 18 bytes of it.
const SenseDataLen = 20

// Transfer is the midlayer's descriptor for one pending SCSI operation,
// the "xs" of spec.md.
type Transfer struct {
	CDB     []byte
	Data    []byte
	Flags   Flags
	Target  uint8
	LUN     uint8

	// SenseData and Resid are filled in by the core on completion.
	SenseData [SenseDataLen]byte
	Resid     uint32

	// IO is the CCB the core attached to this transfer at submission
	// time. It is opaque to the midlayer, exactly as xs->io is opaque
	// to the generic SCSI stack in the original driver.
	IO interface{}
}

// DataLen reports the length of the transfer's data buffer.
func (t *Transfer) DataLen() uint32 { return uint32(len(t.Data)) }

// Pool is the free-command-block pool interface the core's CCB pool
// implements (spec §4.2, §6).
type Pool interface {
	Acquire() interface{}
	Release(ccb interface{})
}

// CompletionSink receives (transfer, status) pairs from the core's
// completion path (spec §6, "Midlayer (consumed)").
type CompletionSink interface {
	Done(xs *Transfer, status Status)
}

// Adapter is a minimal stand-in for the generic SCSI adapter structure a
// real midlayer would register: bus width/id live here because spec §6
// names them as midlayer-consumed values, even though this core does not
// implement bus scanning itself.
type Adapter struct {
	// BusWidth and TargetID mirror adapter_buswidth/adapter_target: 64
	// for the SCSI path this core implements, 1 for the (unused) IDE
	// path spec.md documents as a non-goal.
	BusWidth int
	TargetID int
	Openings int
}
