package hvs

import (
	"bytes"

	"github.com/aahadley/hvs/scsi"
)

// fixupInquiry implements spec §4.5.2's two-branch INQUIRY correction
// for hosts that reply with a layout or version/format claim real SCSI
// initiators reject outright. srbDataLen is the length the host actually
// reported writing (srb.data_length), not the buffer the caller offered.
// It mutates data in place and is a no-op if the reply is too short to
// carry the fields it inspects, or if neither branch applies.
func fixupInquiry(proto uint16, srbDataLen int, data []byte) {
	if len(data) < scsi.InquiryHeaderLen || srbDataLen < scsi.InquiryHeaderLen {
		return
	}

	resplen := 0
	if srbDataLen >= 5 {
		resplen = int(data[4]) + 5 // additional_length lives at offset 4
	}
	datalen := resplen
	if srbDataLen < datalen {
		datalen = srbDataLen
	}

	devType := data[0] & scsi.InquiryDeviceTypeMask
	qualifier := data[0] & scsi.InquiryQualifierMask
	invalid := devType == scsi.InquiryDeviceTypeNone || qualifier == scsi.InquiryQualifierBadLU

	// Some Windows 7/8/8.1 hosts report an INQUIRY that marks the LU
	// absent or bad and lacks a version or a response-format claim (either
	// one missing is enough) for a device that does exist; a
	// guest SCSI stack would otherwise drop the LUN entirely. Stamp the
	// reply as SPC-3 so it passes the midlayer's probe. The device-type
	// and qualifier byte is never touched.
	protoBuggy := proto == ProtoWin7 || proto == ProtoWin8 || proto == ProtoWin81
	if protoBuggy && invalid && datalen >= 4 && len(data) >= 4 && (data[2] == 0 || data[3] == 0) {
		data[2] = scsi.InquirySPC3
		data[3] = scsi.InquiryResponseFormat2
		return
	}

	if datalen < scsi.InquiryHeaderLen+scsi.InquiryShortAllocLength || len(data) < scsi.InquiryHeaderLen+scsi.InquiryShortAllocLength {
		return
	}

	// Some Windows 8/8.1 hosts under-claim SPC-2 on a vendor string that
	// is unmistakably "Msft"; real targets of this kind are known to
	// actually speak SPC-3, enough to advertise UNMAP, so bump the
	// version alone. response_format is left untouched here.
	if (proto == ProtoWin8 || proto == ProtoWin81) && data[2]&scsi.InquiryVersionANSIMask == scsi.InquirySPC2 {
		vendor := bytes.TrimRight(data[8:16], " \x00")
		if bytes.Equal(vendor, []byte("Msft")) {
			data[2] = scsi.InquirySPC3
		}
	}
}
