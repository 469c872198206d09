package hvs

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/aahadley/hvs/midlayer"
	"github.com/aahadley/hvs/scsi"
)

func newCompleteTestSoftc(t *testing.T) (*Softc, *recordingSink) {
	t.Helper()
	pool, err := newCCBPool(&fakeDMATag{}, defaultMaxTransfer)
	if err != nil {
		t.Fatalf("newCCBPool: %v", err)
	}
	sk := &recordingSink{}
	sc := &Softc{
		pool:    pool,
		coarse:  &sync.Mutex{},
		sink:    sk,
		metrics: newDriverMetrics(t.Name()),
		log:     logrus.NewEntry(logrus.New()),
		proto:   ProtoWin81,
	}
	return sc, sk
}

func TestCompleteIOChecksConditionCopiesSense(t *testing.T) {
	sc, sk := newCompleteTestSoftc(t)
	ccb := sc.pool.acquire()
	xs := &midlayer.Transfer{CDB: []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}}
	ccb.xfer = xs

	var p packet
	p.setOp(opIODone)
	srb := p.srb()
	srb.setSCSIStatus(scsi.StatusCheckCondition)
	srb.setIOStatus(srbStatusSuccess | srbStatusAutosenseValid)
	srb.setSenseLen(14)
	sense := srb.data()
	sense[0] = scsi.SenseErrorCodeFixedCurrent | scsi.SenseValidBit
	sense[2] = scsi.SenseNotReady

	sc.completeIO(&p, ccb.RequestID())

	if len(sk.calls) != 1 || sk.calls[0] != midlayer.Sense {
		t.Fatalf("sink calls = %v, want one Sense", sk.calls)
	}
	if xs.SenseData[2] != scsi.SenseNotReady {
		t.Fatalf("sense key = %#x, want SenseNotReady", xs.SenseData[2])
	}
}

func TestCompleteIORunsInquiryFixup(t *testing.T) {
	sc, sk := newCompleteTestSoftc(t)
	sc.proto = ProtoWin8
	ccb := sc.pool.acquire()
	xs := &midlayer.Transfer{
		CDB:  []byte{scsi.Inquiry, 0, 0, 0, 36, 0},
		Data: make([]byte, 36),
	}
	xs.Data[0] = scsi.InquiryQualifierBadLU | scsi.InquiryDeviceTypeNone
	ccb.xfer = xs

	var p packet
	p.setOp(opIODone)
	srb := p.srb()
	srb.setSCSIStatus(scsi.StatusGood)
	srb.setIOStatus(srbStatusSuccess)
	srb.setDataLen(36)

	sc.completeIO(&p, ccb.RequestID())

	if len(sk.calls) != 1 || sk.calls[0] != midlayer.NoError {
		t.Fatalf("sink calls = %v, want one NoError", sk.calls)
	}
	if xs.Data[2] != scsi.InquirySPC3 {
		t.Fatalf("inquiry fixup did not stamp version: %#x", xs.Data[2])
	}
	if xs.Data[3] != scsi.InquiryResponseFormat2 {
		t.Fatalf("inquiry fixup did not stamp response_format: %#x", xs.Data[3])
	}
	if xs.Data[0] != scsi.InquiryQualifierBadLU|scsi.InquiryDeviceTypeNone {
		t.Fatalf("inquiry fixup must not touch the device-type/qualifier byte: %#x", xs.Data[0])
	}
}

func TestCompleteIOUnknownRequestIDIsIgnored(t *testing.T) {
	sc, sk := newCompleteTestSoftc(t)
	var p packet
	p.setOp(opIODone)

	sc.completeIO(&p, requestID(uint32(MaxCCB+5)))

	if len(sk.calls) != 0 {
		t.Fatalf("sink calls = %v, want none for an unresolvable request id", sk.calls)
	}
}

func TestCompleteIODropsAbandonedLateReply(t *testing.T) {
	sc, sk := newCompleteTestSoftc(t)
	ccb := sc.pool.acquire()
	xs := &midlayer.Transfer{CDB: []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0}}
	ccb.xfer = xs
	ccb.abandoned = true
	freeBefore := len(sc.pool.free)

	var p packet
	p.setOp(opIODone)
	srb := p.srb()
	srb.setSCSIStatus(scsi.StatusGood)
	srb.setIOStatus(srbStatusSuccess)

	sc.completeIO(&p, ccb.RequestID())

	if len(sk.calls) != 0 {
		t.Fatalf("sink calls = %v, want none: the timeout already reported completion", sk.calls)
	}
	if len(sc.pool.free) != freeBefore+1 {
		t.Fatal("the late reply should release the ccb back to the pool")
	}
}
