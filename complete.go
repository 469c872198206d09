package hvs

import (
	"github.com/prometheus/common/log"

	"github.com/aahadley/hvs/midlayer"
	"github.com/aahadley/hvs/scsi"
)

// interruptLoop drains the channel every time it signals and exits when
// the driver is torn down or the channel closes its interrupt source
// (spec §5: the interrupt thread context).
func (sc *Softc) interruptLoop() {
	for {
		select {
		case <-sc.stopCh:
			return
		case _, ok := <-sc.ch.Interrupts():
			if !ok {
				return
			}
			sc.channelISR()
		}
	}
}

// channelISR drains every packet currently available on the channel,
// routing each to the handshake reply slot or to completeIO/the
// enumeration queue, implementing spec §4.5's dispatch table. A reply
// of the wrong length is a protocol error: log it and stop draining,
// matching the original's unconditional return on a framing mismatch.
func (sc *Softc) channelISR() {
	for {
		var buf packet
		n, rid, err := sc.ch.Recv(buf[:])
		if err != nil {
			if err != ErrAgain {
				log.Errorf("failed to receive a packet: %v", err)
			}
			return
		}
		if n != packetSize {
			sc.metrics.protoErrors.WithLabelValues("framing").Inc()
			log.Errorf("received %d bytes, expected %d", n, packetSize)
			return
		}

		if rid == initSentinel {
			sc.reply.deliver(&buf)
			continue
		}

		switch buf.op() {
		case opIODone:
			sc.completeIO(&buf, rid)
		case opEnumerate:
			sc.scheduleEnum()
		default:
			log.Debugf("operation %#x is not implemented", buf.op())
		}
	}
}

// completeIO implements spec §4.5.1: it resolves the request id back to
// a CCB, reconciles the transfer's residual and autosense, translates
// SCSI/SRB status into a midlayer.Status, and — for a successful
// INQUIRY — runs the reply through fixupInquiry before handing the
// transfer back to the midlayer.
func (sc *Softc) completeIO(p *packet, rid uint64) {
	idx, ok := splitRequestID(rid)
	ccb := sc.pool.ccbByIndex(idx)
	if !ok || ccb == nil {
		sc.metrics.protoErrors.WithLabelValues("bad_request_id").Inc()
		log.Errorf("invalid response %#x", rid)
		return
	}

	if ccb.abandoned {
		// The polled wait already reported XS_TIMEOUT to the midlayer;
		// this late reply only recovers the CCB so it doesn't leak
		// forever (spec §5, §9 documented limitation).
		log.Warnf("dropping late reply for abandoned ccb %d (request %#x)", idx, rid)
		if ccb.xfer != nil && ccb.xfer.DataLen() > 0 {
			ccb.dmap.SyncAndUnload()
		}
		ccb.xfer = nil
		ccb.abandoned = false
		sc.pool.release(ccb)
		sc.metrics.ccbsInFlight.Dec()
		return
	}

	xs := ccb.xfer
	if xs == nil {
		log.Errorf("ccb %d has no in-flight transfer for response %#x", idx, rid)
		return
	}

	if xs.DataLen() > 0 {
		ccb.dmap.SyncAndUnload()
	}

	srb := p.srb()

	reported := srb.dataLen()
	if reported > xs.DataLen() {
		log.Warnf("transfer length %d too large: %d", reported, xs.DataLen())
	} else {
		xs.Resid = xs.DataLen() - reported
	}

	if srb.scsiStatus() == scsi.StatusCheckCondition && srb.ioStatus()&srbStatusAutosenseValid != 0 {
		n := int(srb.senseLen())
		if n > len(xs.SenseData) {
			n = len(xs.SenseData)
		}
		if n > len(srb.data()) {
			n = len(srb.data())
		}
		copy(xs.SenseData[:n], srb.data()[:n])
	}

	if srb.scsiStatus() != scsi.StatusGood {
		sc.finishIO(ccb, xs, midlayer.Sense)
		return
	}

	masked := srb.ioStatus() &^ (srbStatusAutosenseValid | srbStatusQueueFrozen)
	if masked != srbStatusSuccess {
		sc.finishIO(ccb, xs, midlayer.SelTimeout)
		return
	}

	if len(xs.CDB) > 0 && xs.CDB[0] == scsi.Inquiry {
		fixupInquiry(sc.proto, int(reported), xs.Data)
	}

	sc.finishIO(ccb, xs, midlayer.NoError)
}

// scheduleEnum coalesces bus-rescan requests into a single pending slot:
// a flood of Enumerate packets collapses to at most one queued rescan,
// matching the original's single-task enumeration queue (spec §5).
func (sc *Softc) scheduleEnum() {
	if sc.enumFn == nil {
		return
	}
	select {
	case sc.enumCh <- struct{}{}:
	default:
	}
}

func (sc *Softc) enumWorker() {
	for {
		select {
		case <-sc.stopCh:
			return
		case <-sc.enumCh:
			sc.enumFn()
		}
	}
}
