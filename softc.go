package hvs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/aahadley/hvs/midlayer"
)

// chpWireLen is the byte length Channel.Open's props buffer is sized to;
// the properties it carries are informational only (the authoritative
// copy arrives later, over the wire, via the QueryProps handshake step).
const chpWireLen = 24

// softcFlags are feature bits negotiated during the handshake.
type softcFlags struct {
	useExtendedIO bool // protocol >= ProtoWin8: send the Win8 SRB extension
}

// replySlot hands a single in-flight handshake reply from the interrupt
// path back to the attach thread waiting on it. A buffered channel of
// capacity 1 plus select/time.After stands in for a condition variable
// with a timed wait, which Go's sync.Cond does not offer directly (spec
// §5, §9).
type replySlot struct {
	mu   sync.Mutex
	pkt  packet
	wake chan struct{}
}

func newReplySlot() *replySlot { return &replySlot{wake: make(chan struct{}, 1)} }

func (r *replySlot) deliver(p *packet) {
	r.mu.Lock()
	r.pkt = *p
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *replySlot) wait(timeout time.Duration) (packet, bool) {
	select {
	case <-r.wake:
		r.mu.Lock()
		p := r.pkt
		r.mu.Unlock()
		return p, true
	case <-time.After(timeout):
		return packet{}, false
	}
}

// Softc is the attached driver instance: the negotiated protocol state,
// the CCB pool, and the goroutines draining the channel's interrupt
// source and enumeration requests (spec §4.3, §5).
type Softc struct {
	id string // xid correlation id, attached to the logrus lifecycle log lines and every metric

	ch   Channel
	dtag DMATag
	sink midlayer.CompletionSink

	proto uint16
	flags softcFlags
	props channelProps

	reply *replySlot
	pool  *ccbPool

	bus       uint8
	initiator uint8

	// coarse is the lock the submission path drops across the network
	// path and the completion path briefly reacquires before calling
	// back into the midlayer (spec §5).
	coarse *sync.Mutex

	enumFn func()
	enumCh chan struct{}
	stopCh chan struct{}

	pollBudget int

	metrics *driverMetrics
	log     *logrus.Entry
}

// Collectors exposes this attach's Prometheus instruments, for the
// embedding application to register with its own registry.
func (sc *Softc) Collectors() []prometheus.Collector {
	return sc.metrics.Collectors()
}

// Pool returns the CCB pool as a midlayer.Pool, the handle a midlayer
// adapter needs to acquire/release CCBs around Submit calls.
func (sc *Softc) Pool() midlayer.Pool { return sc.pool }

// Attach performs the init handshake and wires up the CCB pool,
// implementing spec §4.3. enumFn is invoked (from its own goroutine,
// never concurrently with itself) whenever the host signals a bus
// rescan; it may be nil if the embedding application has no bus to
// rescan.
func Attach(ch Channel, dtag DMATag, sink midlayer.CompletionSink, adapter *midlayer.Adapter, enumFn func(), opts ...Option) (*Softc, error) {
	cfg := defaultAttachConfig()
	for _, o := range opts {
		o(&cfg)
	}

	id := xid.New().String()
	l := logrus.WithField("attach_id", id)

	sc := &Softc{
		id:         id,
		ch:         ch,
		dtag:       dtag,
		sink:       sink,
		reply:      newReplySlot(),
		coarse:     cfg.coarseLock,
		enumFn:     enumFn,
		enumCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		pollBudget: cfg.pollBudget,
		metrics:    newDriverMetrics(id),
		log:        l,
	}
	if sc.coarse == nil {
		sc.coarse = &sync.Mutex{}
	}

	propsBuf := make([]byte, chpWireLen)
	if err := ch.Open(cfg.ringSize, propsBuf); err != nil {
		return nil, driverErr(ChannelFailure, "attach: open channel", err)
	}
	l.Debugf("channel opened, ring size %d bytes", cfg.ringSize)

	// The interrupt thread starts before the handshake: a reply to the
	// first init command arrives on the same channel path as every
	// later completion, and connect's sendInit waits on the reply slot
	// that only this goroutine fills.
	go sc.interruptLoop()

	if err := sc.connect(); err != nil {
		close(sc.stopCh)
		return nil, err
	}
	l.Infof("negotiated protocol %#x", sc.proto)

	if sc.proto >= ProtoWin8 {
		sc.flags.useExtendedIO = true
	}

	maxTransfer := cfg.maxTransfer
	if sc.props.maxXfer != 0 && int(sc.props.maxXfer) < maxTransfer {
		maxTransfer = int(sc.props.maxXfer)
	}
	pool, err := newCCBPool(dtag, maxTransfer)
	if err != nil {
		close(sc.stopCh)
		return nil, err
	}
	sc.pool = pool

	if adapter != nil {
		adapter.BusWidth = 64
		adapter.TargetID = int(sc.initiator)
		adapter.Openings = MaxCCB
	}

	go sc.enumWorker()

	return sc, nil
}

// Close stops the background goroutines and releases the CCB pool's DMA
// resources. It does not attempt a protocol-level teardown handshake,
// which spec §1 places out of scope.
func (sc *Softc) Close() {
	close(sc.stopCh)
	sc.pool.close()
}
