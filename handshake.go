package hvs

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/log"
)

// handshakeTimeout bounds how long the attach thread waits for a reply
// to any single init-sequence command (spec §4.3, §4.6). A var, not a
// const, so tests can shrink it rather than wait out the real timeout.
var handshakeTimeout = 5 * time.Second

// sendRetries is the number of times sendInit retries a Send that
// returns ErrAgain before giving up (spec §4.6).
const sendRetries = 10

// connect runs the four-step init handshake: BeginInit, a VersionProbe
// over the supported protocol list newest-first, QueryProps, and
// FinishInit (spec §4.3). It updates sc.proto and sc.props on success.
func (sc *Softc) connect() error {
	start := time.Now()
	defer func() { sc.metrics.handshake.Observe(time.Since(start).Seconds()) }()

	beginCmd := newInitCmd(opStartInit)
	reply, err := sc.sendInit("handshake: begin init", &beginCmd)
	if err != nil {
		return err
	}
	if reply.op() != opIODone || reply.status() != 0 {
		return driverErr(ProtocolReject, "handshake: begin init", fmt.Errorf("status %#x", reply.status()))
	}

	var negotiated uint16
	for _, v := range protocolVersions {
		probe := newVersionCmd(v)
		reply, err := sc.sendInit("handshake: query protocol", &probe)
		if err != nil {
			return err
		}
		if reply.op() != opIODone {
			return driverErr(ProtocolReject, "handshake: query protocol", fmt.Errorf("unexpected opcode %#x", reply.op()))
		}
		if reply.status() == 0 {
			negotiated = v
			break
		}
		log.Debugf("host rejected protocol version %#x", v)
	}
	if negotiated == 0 {
		return driverErr(ProtocolReject, "handshake: query protocol", errors.New("no acceptable protocol version"))
	}
	sc.proto = negotiated

	propsCmd := newInitCmd(opQueryProps)
	reply, err = sc.sendInit("handshake: query props", &propsCmd)
	if err != nil {
		return err
	}
	if reply.op() != opIODone || reply.status() != 0 {
		return driverErr(ProtocolReject, "handshake: query props", fmt.Errorf("status %#x", reply.status()))
	}
	sc.props = reply.channelProps()
	sc.bus = sc.props.path
	sc.initiator = sc.props.target

	finishCmd := newInitCmd(opFinishInit)
	reply, err = sc.sendInit("handshake: finish init", &finishCmd)
	if err != nil {
		return err
	}
	if reply.op() != opIODone || reply.status() != 0 {
		return driverErr(ProtocolReject, "handshake: finish init", fmt.Errorf("status %#x", reply.status()))
	}

	return nil
}

// sendInit sends cmd tagged with the handshake sentinel request id,
// retrying on ErrAgain up to sendRetries times, then waits up to
// handshakeTimeout for the matching reply (spec §4.6). It is only ever
// called from the attach thread, before any CCB traffic exists, so the
// sentinel request id cannot collide with a CCB index (invariant I4).
func (sc *Softc) sendInit(op string, cmd *packet) (packet, error) {
	var err error
	for i := 0; i < sendRetries; i++ {
		err = sc.ch.Send(cmd[:], initSentinel)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAgain) {
			return packet{}, driverErr(ChannelFailure, op, err)
		}
		time.Sleep(tickInterval)
	}
	if err != nil {
		return packet{}, driverErr(ChannelFailure, op, err)
	}

	reply, ok := sc.reply.wait(handshakeTimeout)
	if !ok {
		log.Warnf("%s: timed out waiting for reply", op)
		return packet{}, driverErr(ChannelFailure, op, errors.New("timed out waiting for reply"))
	}
	return reply, nil
}
