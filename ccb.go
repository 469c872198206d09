package hvs

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/aahadley/hvs/midlayer"
)

// MaxCCB is the bounded size of the CCB pool: the maximum number of SCSI
// transfers this driver ever has in flight at once (spec §4.2).
const MaxCCB = 128

// pageSize is discovered once at package load, the way the original
// driver's PAGE_SIZE is a kernel constant. golang.org/x/sys/unix is the
// only dependency standing between this and a hardcoded 4096, and using
// it keeps the driver correct on guest architectures with a larger page.
var pageSize = unix.Getpagesize()

// maxSge computes the maximum number of scatter/gather segments a
// transfer of up to maxTransfer bytes could require: one entry per page
// it might touch, plus one for a buffer that starts mid-page (spec
// §4.2: "MaxSge = ceil(MaxTransfer / PageSize) + 1").
func maxSge(maxTransfer int) int {
	return (maxTransfer+pageSize-1)/pageSize + 1
}

// CCB is the per-request bookkeeping record: a pre-created DMA map, a
// pre-allocated gather-list buffer, and the request id that pairs host
// replies back to this slot (spec §3).
type CCB struct {
	xfer      *midlayer.Transfer
	dmap      DMAMap
	requestID uint64
	gather    []uint64 // scratch PFN buffer, reused across submissions
	nsge      int
	abandoned bool          // set when a polled wait times out without a reply
	doneCh    chan struct{} // signaled by finishIO; polled waits select on it
}

// RequestID returns the 64-bit request id this CCB uses for every
// submission, assigned once at pool creation (spec §3).
func (c *CCB) RequestID() uint64 { return c.requestID }

// ccbPool is the bounded array of CCBs plus its mutex-guarded free queue
// (spec §4.2). The free queue is a LIFO slice used as a stack, matching
// the teacher's and the original's "push/pop at the head" semantics in
// O(1) without a linked list.
type ccbPool struct {
	ccbs []CCB

	mu   sync.Mutex
	free []*CCB
}

// newCCBPool allocates the array, creates one DMA map per slot sized for
// maxSge(maxTransfer) segments and a gather buffer with room for
// maxSge(maxTransfer)+1 entries, and pushes every CCB onto the free
// queue (spec §4.2). Teardown is symmetric via close.
func newCCBPool(tag DMATag, maxTransfer int) (*ccbPool, error) {
	sge := maxSge(maxTransfer)
	pool := &ccbPool{
		ccbs: make([]CCB, MaxCCB),
		free: make([]*CCB, 0, MaxCCB),
	}
	for i := range pool.ccbs {
		dmap, err := tag.CreateMap(sge)
		if err != nil {
			pool.close()
			return nil, driverErr(DMAMapFailure, "alloc ccbs", err)
		}
		pool.ccbs[i].dmap = dmap
		pool.ccbs[i].requestID = requestID(uint32(i))
		pool.ccbs[i].gather = make([]uint64, 0, sge+1)
		pool.free = append(pool.free, &pool.ccbs[i])
	}
	return pool, nil
}

// close releases every CCB's DMA resources. It does not need its own
// lock: it only ever runs during attach failure unwind or explicit
// driver teardown, both of which happen before/after any concurrent
// submission traffic exists.
func (p *ccbPool) close() {
	for i := range p.ccbs {
		if p.ccbs[i].dmap != nil {
			p.ccbs[i].dmap.SyncAndUnload()
		}
	}
}

// acquire returns the head of the free queue, or nil if the pool is
// exhausted. Constant time; the midlayer is expected to handle
// backpressure via its openings count rather than this ever blocking
// (spec §4.2).
func (p *ccbPool) acquire() *CCB {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	ccb := p.free[n-1]
	p.free = p.free[:n-1]
	return ccb
}

// release clears the transfer back-pointer and pushes the CCB back onto
// the head of the free queue (spec §4.2, invariant I2: exactly once per
// submission).
func (p *ccbPool) release(ccb *CCB) {
	ccb.xfer = nil
	ccb.abandoned = false
	p.mu.Lock()
	p.free = append(p.free, ccb)
	p.mu.Unlock()
}

// Acquire implements midlayer.Pool.
func (p *ccbPool) Acquire() interface{} {
	ccb := p.acquire()
	if ccb == nil {
		return nil
	}
	return ccb
}

// Release implements midlayer.Pool.
func (p *ccbPool) Release(io interface{}) {
	ccb, ok := io.(*CCB)
	if !ok || ccb == nil {
		return
	}
	p.release(ccb)
}

var _ midlayer.Pool = (*ccbPool)(nil)

// ccbByIndex returns the CCB for a validated index, or nil if the index
// is out of range (invariant I1).
func (p *ccbPool) ccbByIndex(i uint32) *CCB {
	if int(i) >= len(p.ccbs) {
		return nil
	}
	return &p.ccbs[i]
}
