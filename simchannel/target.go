package simchannel

import (
	"encoding/binary"

	"github.com/aahadley/hvs/scsi"
)

// MemDisk is a minimal Target backed by a flat byte slice, grounded on
// coreos-go-tcmu's scsi_handler.go SCSICmd.Read/Write block-addressing:
// it interprets the handful of opcodes the hvs core cares about
// (TEST UNIT READY, INQUIRY, READ10, WRITE10) directly against one
// in-memory block device, with everything else answering
// ILLEGAL REQUEST/INVALID COMMAND OPERATION CODE.
type MemDisk struct {
	BlockSize uint32
	Blocks    []byte

	// Buggy, when set, makes Inquiry respond the way spec §4.5.2's
	// fixup targets: a "no device" qualifier pair, or an
	// SPC-2/short-allocation-length "Msft" vendor string.
	Buggy BuggyMode
}

type BuggyMode int

const (
	NotBuggy BuggyMode = iota
	BuggyNoDeviceQualifier
	BuggyShortMsftInquiry
)

func (d *MemDisk) Handle(target, lun uint8, cdb, data []byte) (uint8, []byte) {
	if len(cdb) == 0 {
		return illegalRequest(scsi.AscInvalidCommandOperationCode)
	}

	switch cdb[0] {
	case scsi.TestUnitReady:
		return scsi.StatusGood, nil

	case scsi.Inquiry:
		d.inquiry(data)
		return scsi.StatusGood, nil

	case scsi.Read10:
		lba, xferLen := cdbBlockAddr(cdb)
		off := int(lba) * int(d.BlockSize)
		n := int(xferLen) * int(d.BlockSize)
		if off < 0 || off+n > len(d.Blocks) {
			return illegalRequest(scsi.AscInvalidFieldInCdb)
		}
		copy(data, d.Blocks[off:off+n])
		return scsi.StatusGood, nil

	case scsi.Write10:
		lba, xferLen := cdbBlockAddr(cdb)
		off := int(lba) * int(d.BlockSize)
		n := int(xferLen) * int(d.BlockSize)
		if off < 0 || off+n > len(d.Blocks) {
			return illegalRequest(scsi.AscInvalidFieldInCdb)
		}
		copy(d.Blocks[off:off+n], data)
		return scsi.StatusGood, nil

	default:
		return illegalRequest(scsi.AscInvalidCommandOperationCode)
	}
}

func (d *MemDisk) inquiry(data []byte) {
	if len(data) < 36 {
		return
	}
	for i := range data {
		data[i] = 0
	}
	switch d.Buggy {
	case BuggyNoDeviceQualifier:
		data[0] = scsi.InquiryQualifierBadLU | scsi.InquiryDeviceTypeNone
	default:
		data[0] = 0x00 // direct-access block device, LU present
	}
	data[2] = 0x04 // version byte, overridden below for the short-Msft case
	data[3] = 0x02 // response data format
	data[4] = byte(len(data) - 5)
	copy(data[8:16], []byte("Msft    "))
	copy(data[16:32], []byte("Virtual HD              "))
	copy(data[32:36], []byte("1.0 "))
	if d.Buggy == BuggyShortMsftInquiry {
		data[2] = scsi.InquirySPC2
	}
}

func illegalRequest(asc byte) (uint8, []byte) {
	sense := make([]byte, 20)
	sense[0] = scsi.SenseErrorCodeFixedCurrent | scsi.SenseValidBit
	sense[2] = scsi.SenseIllegalRequest
	sense[12] = asc
	return scsi.StatusCheckCondition, sense
}

func cdbBlockAddr(cdb []byte) (lba uint32, xferLen uint16) {
	if len(cdb) < 10 {
		return 0, 0
	}
	return binary.BigEndian.Uint32(cdb[2:6]), binary.BigEndian.Uint16(cdb[7:9])
}
