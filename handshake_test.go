package hvs

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeChannel struct {
	reply *replySlot

	mu        sync.Mutex
	onSend    func(cmd packet) (packet, bool) // bool: whether to deliver a reply at all
	sendErr   error
	sendCount int

	recvErr error
}

func (f *fakeChannel) Open(ringSize int, props []byte) error { return nil }

func (f *fakeChannel) Send(p []byte, requestID uint64) error {
	f.mu.Lock()
	f.sendCount++
	err := f.sendErr
	f.sendErr = nil
	f.mu.Unlock()
	if err != nil {
		return err
	}

	var cmd packet
	copy(cmd[:], p)
	reply, deliver := f.onSend(cmd)
	if deliver {
		f.reply.deliver(&reply)
	}
	return nil
}

func (f *fakeChannel) SendGatherList(gl GatherList, p []byte, requestID uint64) error {
	return f.Send(p, requestID)
}

func (f *fakeChannel) Recv(buf []byte) (int, uint64, error) {
	if f.recvErr != nil {
		return 0, 0, f.recvErr
	}
	return 0, 0, ErrAgain
}

func (f *fakeChannel) Interrupts() <-chan struct{} { return nil }

func newTestSoftc(ch *fakeChannel) *Softc {
	return &Softc{
		ch:      ch,
		reply:   newReplySlot(),
		coarse:  &sync.Mutex{},
		metrics: newDriverMetrics("test"),
		log:     logrus.NewEntry(logrus.New()),
	}
}

func okReply(cmd packet) packet {
	reply := cmd
	reply.setOp(opIODone)
	wireOrder.PutUint32(reply[offStatus:], 0)
	return reply
}

func TestConnectHappyPath(t *testing.T) {
	ch := &fakeChannel{}
	sc := newTestSoftc(ch)
	ch.reply = sc.reply

	ch.onSend = func(cmd packet) (packet, bool) {
		switch cmd.op() {
		case opStartInit, opFinishInit:
			return okReply(cmd), true
		case opQueryProto:
			reply := cmd
			reply.setOp(opIODone)
			if cmd.version() == ProtoWin10 {
				wireOrder.PutUint32(reply[offStatus:], 0)
			} else {
				wireOrder.PutUint32(reply[offStatus:], 1)
			}
			return reply, true
		case opQueryProps:
			reply := okReply(cmd)
			reply[offChpPath] = 2
			reply[offChpTarget] = 5
			wireOrder.PutUint32(reply[offChpMaxXfer:], 1<<16)
			return reply, true
		}
		return packet{}, false
	}

	if err := sc.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sc.proto != ProtoWin10 {
		t.Fatalf("proto = %#x, want ProtoWin10", sc.proto)
	}
	if sc.bus != 2 || sc.initiator != 5 {
		t.Fatalf("bus/initiator = %d/%d, want 2/5", sc.bus, sc.initiator)
	}
}

func TestConnectVersionFallback(t *testing.T) {
	ch := &fakeChannel{}
	sc := newTestSoftc(ch)
	ch.reply = sc.reply

	ch.onSend = func(cmd packet) (packet, bool) {
		switch cmd.op() {
		case opStartInit, opFinishInit:
			return okReply(cmd), true
		case opQueryProto:
			reply := cmd
			reply.setOp(opIODone)
			if cmd.version() == ProtoWin8 {
				wireOrder.PutUint32(reply[offStatus:], 0)
			} else {
				wireOrder.PutUint32(reply[offStatus:], 1)
			}
			return reply, true
		case opQueryProps:
			return okReply(cmd), true
		}
		return packet{}, false
	}

	if err := sc.connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sc.proto != ProtoWin8 {
		t.Fatalf("proto = %#x, want ProtoWin8 after falling back", sc.proto)
	}
}

func TestConnectNoAcceptableVersion(t *testing.T) {
	ch := &fakeChannel{}
	sc := newTestSoftc(ch)
	ch.reply = sc.reply

	ch.onSend = func(cmd packet) (packet, bool) {
		switch cmd.op() {
		case opStartInit:
			return okReply(cmd), true
		case opQueryProto:
			reply := cmd
			reply.setOp(opIODone)
			wireOrder.PutUint32(reply[offStatus:], 1)
			return reply, true
		}
		return packet{}, false
	}

	err := sc.connect()
	if err == nil {
		t.Fatal("expected an error when no version is accepted")
	}
	derr, ok := err.(*DriverError)
	if !ok || derr.Kind != ProtocolReject {
		t.Fatalf("got %v, want a ProtocolReject DriverError", err)
	}
}

func TestSendInitRetriesOnAgain(t *testing.T) {
	ch := &fakeChannel{sendErr: ErrAgain}
	sc := newTestSoftc(ch)
	ch.reply = sc.reply
	ch.onSend = func(cmd packet) (packet, bool) { return okReply(cmd), true }

	cmd := newInitCmd(opStartInit)
	reply, err := sc.sendInit("test", &cmd)
	if err != nil {
		t.Fatalf("sendInit: %v", err)
	}
	if reply.op() != opIODone {
		t.Fatalf("op() = %#x, want opIODone", reply.op())
	}
	if ch.sendCount != 2 {
		t.Fatalf("sendCount = %d, want 2 (one EAGAIN retry)", ch.sendCount)
	}
}

func TestSendInitTimesOut(t *testing.T) {
	orig := handshakeTimeout
	handshakeTimeout = 20 * time.Millisecond
	defer func() { handshakeTimeout = orig }()

	ch := &fakeChannel{}
	sc := newTestSoftc(ch)
	ch.reply = sc.reply
	ch.onSend = func(cmd packet) (packet, bool) { return packet{}, false }

	cmd := newInitCmd(opStartInit)
	_, err := sc.sendInit("test", &cmd)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	derr, ok := err.(*DriverError)
	if !ok || derr.Kind != ChannelFailure {
		t.Fatalf("got %v, want a ChannelFailure DriverError", err)
	}
}
