package hvs

import (
	"bytes"
	"testing"

	"github.com/aahadley/hvs/scsi"
)

// baseInquiryReply is a well-formed 36-byte standard INQUIRY reply: LU
// present, version byte 0x04 (not InquirySPC2), response format 2,
// additional_length = 31 (so
// resplen works out to the full 36 bytes), vendor "Msft".
func baseInquiryReply() []byte {
	data := make([]byte, 36)
	data[0] = 0x00
	data[2] = 0x04
	data[3] = 0x02
	data[4] = 31
	copy(data[8:16], []byte("Msft    "))
	return data
}

func TestFixupInquiryUpgradesNoVersionClaimOnWin8(t *testing.T) {
	data := baseInquiryReply()
	data[0] = scsi.InquiryDeviceTypeNone
	data[2] = 0
	data[3] = 0

	fixupInquiry(ProtoWin8, len(data), data)

	if data[2] != scsi.InquirySPC3 {
		t.Fatalf("version = %#x, want InquirySPC3", data[2])
	}
	if data[3] != scsi.InquiryResponseFormat2 {
		t.Fatalf("response_format = %#x, want InquiryResponseFormat2", data[3])
	}
	if data[0] != scsi.InquiryDeviceTypeNone {
		t.Fatalf("device-type/qualifier byte must not be touched, got %#x", data[0])
	}
}

func TestFixupInquiryUpgradesNoVersionClaimOnWin7AndWin81(t *testing.T) {
	for _, proto := range []uint16{ProtoWin7, ProtoWin81} {
		data := baseInquiryReply()
		data[0] = scsi.InquiryQualifierBadLU
		data[2] = 0x04
		data[3] = 0 // response_format missing is enough on its own

		fixupInquiry(proto, len(data), data)

		if data[2] != scsi.InquirySPC3 {
			t.Fatalf("proto %#x: version = %#x, want InquirySPC3", proto, data[2])
		}
		if data[3] != scsi.InquiryResponseFormat2 {
			t.Fatalf("proto %#x: response_format = %#x, want InquiryResponseFormat2", proto, data[3])
		}
	}
}

func TestFixupInquiryLeavesValidInquiryAlone(t *testing.T) {
	data := baseInquiryReply()
	orig := bytes.Clone(data)

	fixupInquiry(ProtoWin8, len(data), data)

	if !bytes.Equal(data, orig) {
		t.Fatalf("a valid, already-versioned reply must not be touched, got %#x", data)
	}
}

func TestFixupInquiryNoVersionClaimDoesNotApplyOutsideBuggyProtos(t *testing.T) {
	data := baseInquiryReply()
	data[0] = scsi.InquiryDeviceTypeNone
	data[2] = 0
	data[3] = 0

	fixupInquiry(ProtoWin10, len(data), data)

	if data[2] != 0 || data[3] != 0 {
		t.Fatal("the no-version-claim fixup must not apply outside Win7/Win8/Win8.1")
	}
}

func TestFixupInquirySkipsBranchOneWhenReportedLengthTooShort(t *testing.T) {
	data := baseInquiryReply()
	data[0] = scsi.InquiryDeviceTypeNone
	data[2] = 0
	data[3] = 0

	fixupInquiry(ProtoWin8, 4, data) // host only reported writing 4 bytes

	if data[2] != 0 || data[3] != 0 {
		t.Fatal("the fixup must not apply when the reported length can't carry version/format")
	}
}

func TestFixupInquiryMsftSPC2UpgradeOnWin81(t *testing.T) {
	data := baseInquiryReply()
	data[2] = scsi.InquirySPC2
	data[3] = 0x13 // arbitrary flags, must survive untouched

	fixupInquiry(ProtoWin81, len(data), data)

	if data[2] != scsi.InquirySPC3 {
		t.Fatalf("version = %#x, want InquirySPC3", data[2])
	}
	if data[3] != 0x13 {
		t.Fatalf("response_format must be left untouched, got %#x", data[3])
	}
}

func TestFixupInquiryMsftUpgradeRequiresSPC2(t *testing.T) {
	data := baseInquiryReply()
	data[2] = 0x04 // SPC (not SPC-2) after masking

	fixupInquiry(ProtoWin81, len(data), data)

	if data[2] != 0x04 {
		t.Fatal("the Msft upgrade must require an SPC-2 version claim")
	}
}

func TestFixupInquiryLeavesNonMsftVendorAlone(t *testing.T) {
	data := baseInquiryReply()
	data[2] = scsi.InquirySPC2
	copy(data[8:16], []byte("OTHERVND"))

	fixupInquiry(ProtoWin81, len(data), data)

	if data[2] != scsi.InquirySPC2 {
		t.Fatal("a non-Msft vendor string must not be upgraded")
	}
}

func TestFixupInquiryShortReplyIsANoOp(t *testing.T) {
	data := make([]byte, 3)
	orig := bytes.Clone(data)

	fixupInquiry(ProtoWin8, len(data), data)

	if !bytes.Equal(data, orig) {
		t.Fatal("a too-short reply must not be touched")
	}
}
