// Package scsi holds the small set of SCSI opcode, status, and sense
// constants the driver core needs to interpret CDBs and synthesize sense
// data. It does not attempt to be a complete SCSI command set the way a
// target-side emulator would.
package scsi

// Opcodes the core recognizes directly (for LBA/CDB-length bookkeeping
// and the INQUIRY fixup trigger). Most CDBs simply pass through to the
// host uninterpreted.
const (
	TestUnitReady = 0x00
	Inquiry       = 0x12
	ModeSense     = 0x1a
	Read6         = 0x08
	Write6        = 0x0a
	Read10        = 0x28
	Write10       = 0x2a
)

// SAM status codes, from SAM-3.
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
	StatusBusy           = 0x08
	StatusReservationConflict = 0x18
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
)

// Additional sense codes (ASC), upper byte only where ASCQ is unused.
const (
	AscInvalidFieldInCdb = 0x24
	AscLogicalUnitNotSupported = 0x25
	AscInvalidCommandOperationCode = 0x20
)

// Fixed sense descriptor layout bits used when the core fabricates
// autosense for errors it detects before ever talking to the host
// (e.g. an oversize CDB).
const (
	SenseErrorCodeFixedCurrent = 0x70
	SenseValidBit              = 0x80
)

// INQUIRY standard-data layout offsets and values the fixup logic reads
// and rewrites. These match SPC's peripheral-qualifier/device-type byte,
// VERSION byte, and RESPONSE DATA FORMAT nibble.
const (
	InquiryDeviceTypeMask   = 0x1f
	InquiryQualifierMask    = 0xe0
	InquiryDeviceTypeNone   = 0x1f // "no device type" peripheral device type
	InquiryQualifierBadLU   = 0x60 // "logical unit not capable of..." value that marks the LU as bad
	InquiryHeaderLen        = 5    // header bytes up to and including additional_length
	InquiryShortAllocLength = 31   // SID_SCSI2_ALEN: extra bytes expected for an SPC-2 standard INQUIRY reply
	InquirySPC3             = 0x05
	InquiryResponseFormat2  = 0x02
	InquiryVersionANSIMask  = 0x07 // ANSI-approved version bits within the VERSION byte
	InquirySPC2             = 0x02 // SPC(version) result for an SPC-2 claim
)
