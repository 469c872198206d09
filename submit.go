package hvs

import (
	"time"

	"github.com/prometheus/common/log"

	"github.com/aahadley/hvs/midlayer"
	"github.com/aahadley/hvs/scsi"
)

// maxCDBLen is the longest CDB Submit accepts; a longer one fails with
// synthesized sense (spec §4.4 step 1). The SRB's inline area is only
// maxSRBData bytes, so at most that many CDB bytes are copied into the
// command slot.
const maxCDBLen = 64

// tickInterval stands in for the original's "sleep one scheduler tick"
// (tsleep(..., 1)); Go has no tick-granularity sleep primitive, so a
// small fixed duration is used instead (spec §5 suspension points).
const tickInterval = 10 * time.Millisecond

// busyDelay is the NoSleep alternative to tickInterval in the polled
// wait loop (spec §4.4 step 9).
const busyDelay = 100 * time.Microsecond

// Submit translates a midlayer transfer into a wire command and hands it
// to the channel, implementing the ten-step algorithm of spec §4.4. io
// must be the CCB the caller obtained from this driver's Pool.
func (sc *Softc) Submit(xs *midlayer.Transfer, io interface{}) midlayer.Status {
	ccb, ok := io.(*CCB)
	if !ok || ccb == nil {
		panic("hvs: Submit requires a CCB acquired from this driver's Pool")
	}

	sc.metrics.ccbsInFlight.Inc()

	if len(xs.CDB) > maxCDBLen {
		log.Errorf("CDB is too big: %d", len(xs.CDB))
		synthesizeOversizeCDBSense(xs)
		// finishIO takes the coarse lock itself, so drop the caller's hold
		// around it.
		sc.coarse.Unlock()
		status := sc.finishIO(ccb, xs, midlayer.Sense)
		sc.coarse.Lock()
		return status
	}

	// Drop the coarse lock across the network path (spec §5).
	sc.coarse.Unlock()

	cmd := newSRBCmd(sc.flags.useExtendedIO)
	srb := cmd.srb()
	srb.setInitiator(sc.initiator)
	srb.setBus(sc.bus)
	srb.setTarget(xs.Target)
	srb.setLun(xs.LUN)
	srb.setCdbLen(uint8(len(xs.CDB)))
	copy(srb.data(), xs.CDB)
	srb.setDataLen(xs.DataLen())

	var dir DMADirection
	switch {
	case xs.Flags&midlayer.DataIn != 0:
		srb.setDirection(srbDirRead)
		dir = DMAFromHost
		if sc.flags.useExtendedIO {
			srb.setXioSRBFlags(srbFlagsDataIn)
		}
	case xs.Flags&midlayer.DataOut != 0:
		srb.setDirection(srbDirWrite)
		dir = DMAToHost
		if sc.flags.useExtendedIO {
			srb.setXioSRBFlags(srbFlagsDataOut)
		}
	default:
		srb.setDirection(srbDirNone)
		dir = DMANone
		if sc.flags.useExtendedIO {
			srb.setXioSRBFlags(srbFlagsNoDataTransfer)
		}
	}

	rid := ccb.RequestID()

	var gl GatherList
	if xs.DataLen() > 0 {
		pfns, offset, total, err := ccb.dmap.Load(xs.Data, dir)
		if err != nil {
			log.Errorf("failed to load %d bytes (%v)", xs.DataLen(), err)
			status := sc.finishIO(ccb, xs, midlayer.DriverStuffup)
			sc.coarse.Lock()
			return status
		}
		gl = GatherList{TotalLength: total, Offset: offset, PFN: pfns}
		ccb.nsge = len(pfns)
	}

	ccb.xfer = xs
	// finishIO closes and then clears ccb.doneCh, so the polled wait
	// keeps its own reference.
	done := make(chan struct{})
	ccb.doneCh = done
	xs.IO = ccb

	var sendErr error
	if xs.DataLen() > 0 {
		sendErr = sc.ch.SendGatherList(gl, cmd[:], rid)
		if sendErr != nil {
			ccb.dmap.SyncAndUnload()
		}
	} else {
		sendErr = sc.ch.Send(cmd[:], rid)
	}
	if sendErr != nil {
		log.Errorf("failed to submit operation %#x: %v", cmd.op(), sendErr)
		ccb.xfer = nil
		status := sc.finishIO(ccb, xs, midlayer.DriverStuffup)
		sc.coarse.Lock()
		return status
	}

	if xs.Flags&midlayer.Polled != 0 {
		status := sc.pollForCompletion(xs, ccb, done, cmd.op())
		sc.coarse.Lock()
		return status
	}

	// Reacquire the coarse lock and return (spec §4.4 step 10); the
	// actual completion arrives later, asynchronously, via the channel
	// interrupt path.
	sc.coarse.Lock()
	return midlayer.NoError
}

// pollForCompletion alternately drives the interrupt handler by hand and
// sleeps, the legitimate busy/sleep pattern spec §9 describes: the only
// alternative would be reentering the interrupt handler from a genuinely
// separate context, which a synchronous caller doesn't have.
func (sc *Softc) pollForCompletion(xs *midlayer.Transfer, ccb *CCB, done <-chan struct{}, op uint32) midlayer.Status {
	for i := 0; i < sc.pollBudget; i++ {
		select {
		case <-done:
			return midlayer.NoError
		default:
		}

		sc.channelISR()

		select {
		case <-done:
			return midlayer.NoError
		default:
		}

		if xs.Flags&midlayer.NoSleep != 0 {
			for start := time.Now(); time.Since(start) < busyDelay; {
			}
		} else {
			time.Sleep(tickInterval)
		}
	}

	log.Warnf("operation %#x datalen %d timed out", op, xs.DataLen())
	ccb.abandoned = true
	sc.coarse.Lock()
	sc.sink.Done(xs, midlayer.Timeout)
	sc.coarse.Unlock()
	sc.metrics.completions.WithLabelValues("timeout").Inc()
	// The CCB is intentionally not released here: the outstanding
	// request is not retracted from the host, so the CCB remains
	// associated with it until a (possibly never-arriving) late reply
	// lands in completeIO's abandoned-CCB branch (spec §5, §9).
	return midlayer.Timeout
}

// finishIO delivers (xs, status) to the midlayer under the coarse lock
// and returns the CCB to the free queue, the one point every completed
// (non-leaked) submission passes through exactly once (invariant I2).
func (sc *Softc) finishIO(ccb *CCB, xs *midlayer.Transfer, status midlayer.Status) midlayer.Status {
	sc.coarse.Lock()
	sc.sink.Done(xs, status)
	sc.coarse.Unlock()
	if ccb.doneCh != nil {
		close(ccb.doneCh)
		ccb.doneCh = nil
	}
	sc.pool.release(ccb)
	sc.metrics.ccbsInFlight.Dec()
	sc.metrics.completions.WithLabelValues(outcomeLabel(status)).Inc()
	return status
}

func outcomeLabel(status midlayer.Status) string {
	switch status {
	case midlayer.NoError:
		return "ok"
	case midlayer.Sense:
		return "sense"
	case midlayer.DriverStuffup:
		return "driver_stuffup"
	case midlayer.Timeout:
		return "timeout"
	case midlayer.SelTimeout:
		return "sel_timeout"
	case midlayer.Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// synthesizeOversizeCDBSense fabricates the CHECK CONDITION autosense
// spec §4.4 step 1 mandates for a CDB the command slot can't carry,
// without ever touching the channel.
func synthesizeOversizeCDBSense(xs *midlayer.Transfer) {
	var sense [midlayer.SenseDataLen]byte
	sense[0] = scsi.SenseErrorCodeFixedCurrent | scsi.SenseValidBit
	sense[2] = scsi.SenseIllegalRequest
	sense[12] = scsi.AscInvalidFieldInCdb
	xs.SenseData = sense
}
