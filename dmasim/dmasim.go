// Package dmasim is a runnable DMATag/DMAMap fixture for tests and the
// demo CLI: it fabricates page frame numbers for a Go byte slice instead
// of programming real IOMMU/bounce-buffer hardware, the same relationship
// coreos-go-tcmu's struct_access.go and scsi_handler.go have to a real
// mmap'd ring (splitting an arbitrary buffer into page-aligned vectors
// and copying through them).
package dmasim

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/aahadley/hvs"
)

var pageSize = uint64(unix.Getpagesize())

// Tag is a DMATag whose maps hand out PFNs registered in a shared
// Resolver, so a Loopback channel on the other end of a submission can
// translate a gather list back into the same backing bytes instead of
// transporting opaque page numbers nobody can resolve.
type Tag struct {
	res *Resolver
}

// NewTag builds a Tag backed by a fresh Resolver. Share the returned
// Resolver with the Channel fixture that will see this Tag's gather
// lists.
func NewTag() (*Tag, *Resolver) {
	r := &Resolver{pages: make(map[uint64][]byte)}
	return &Tag{res: r}, r
}

func (t *Tag) CreateMap(maxSegments int) (hvs.DMAMap, error) {
	return &dmaMap{tag: t, maxSegments: maxSegments}, nil
}

// Resolver is the shared table of fabricated PFN to backing-byte-slice.
// It is safe for concurrent use since a submission thread loads while an
// interrupt-thread-driven Loopback may resolve concurrently.
type Resolver struct {
	mu     sync.Mutex
	next   uint64
	pages  map[uint64][]byte
}

// ResolvePFN returns the page-sized (or shorter, for the final page)
// byte slice a fabricated PFN refers to, or nil if it is unknown.
func (r *Resolver) ResolvePFN(pfn uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[pfn]
}

func (r *Resolver) alloc(n int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	pfn := r.next
	_ = n
	return pfn
}

type dmaMap struct {
	tag         *Tag
	maxSegments int

	loaded bool
	pfns   []uint64
}

// Load splits buf into page-aligned segments, the way a real IOMMU-backed
// map would describe a scattered guest buffer, registering each segment
// in the shared Resolver under a freshly fabricated PFN.
func (m *dmaMap) Load(buf []byte, dir hvs.DMADirection) ([]uint64, uint32, uint32, error) {
	if m.loaded {
		m.unload()
	}
	if len(buf) == 0 {
		return nil, 0, 0, nil
	}

	offset := uint32(0)
	var pfns []uint64
	pos := 0
	first := true
	for pos < len(buf) {
		segLen := int(pageSize)
		if first {
			segLen = int(pageSize) - int(offset)
		}
		if pos+segLen > len(buf) {
			segLen = len(buf) - pos
		}
		seg := buf[pos : pos+segLen]
		pfn := m.tag.res.alloc(len(seg))
		m.tag.res.mu.Lock()
		m.tag.res.pages[pfn] = seg
		m.tag.res.mu.Unlock()
		pfns = append(pfns, pfn)
		pos += segLen
		first = false

		if len(pfns) > m.maxSegments {
			m.unload()
			return nil, 0, 0, hvs.ErrDMAOutOfSegments
		}
	}

	m.loaded = true
	m.pfns = pfns
	return pfns, offset, uint32(len(buf)), nil
}

func (m *dmaMap) SyncAndUnload() { m.unload() }

func (m *dmaMap) unload() {
	if !m.loaded {
		return
	}
	m.tag.res.mu.Lock()
	for _, pfn := range m.pfns {
		delete(m.tag.res.pages, pfn)
	}
	m.tag.res.mu.Unlock()
	m.pfns = nil
	m.loaded = false
}
