package hvs

import "testing"

type fakeDMAMap struct {
	unloaded bool
}

func (m *fakeDMAMap) Load(buf []byte, dir DMADirection) ([]uint64, uint32, uint32, error) {
	return []uint64{1}, 0, uint32(len(buf)), nil
}

func (m *fakeDMAMap) SyncAndUnload() { m.unloaded = true }

type fakeDMATag struct {
	fail bool
	maps []*fakeDMAMap
}

func (t *fakeDMATag) CreateMap(maxSegments int) (DMAMap, error) {
	if t.fail {
		return nil, ErrDMANoResources
	}
	m := &fakeDMAMap{}
	t.maps = append(t.maps, m)
	return m, nil
}

func TestNewCCBPoolPopulatesFreeQueue(t *testing.T) {
	tag := &fakeDMATag{}
	pool, err := newCCBPool(tag, defaultMaxTransfer)
	if err != nil {
		t.Fatalf("newCCBPool: %v", err)
	}
	if len(pool.ccbs) != MaxCCB {
		t.Fatalf("got %d ccbs, want %d", len(pool.ccbs), MaxCCB)
	}
	if len(pool.free) != MaxCCB {
		t.Fatalf("got %d free, want %d", len(pool.free), MaxCCB)
	}

	seen := make(map[uint64]bool)
	for i := range pool.ccbs {
		id := pool.ccbs[i].RequestID()
		if seen[id] {
			t.Fatalf("duplicate request id %#x", id)
		}
		seen[id] = true
		idx, ok := splitRequestID(id)
		if !ok || int(idx) != i {
			t.Fatalf("ccb %d has request id %#x, want index %d", i, id, i)
		}
	}
}

func TestNewCCBPoolPropagatesTagFailure(t *testing.T) {
	tag := &fakeDMATag{fail: true}
	_, err := newCCBPool(tag, defaultMaxTransfer)
	if err == nil {
		t.Fatal("expected an error")
	}
	var derr *DriverError
	if !asDriverError(err, &derr) {
		t.Fatalf("error %v is not a *DriverError", err)
	}
	if derr.Kind != DMAMapFailure {
		t.Fatalf("kind = %v, want DMAMapFailure", derr.Kind)
	}
}

func TestCCBPoolAcquireReleaseIsLIFO(t *testing.T) {
	tag := &fakeDMATag{}
	pool, err := newCCBPool(tag, defaultMaxTransfer)
	if err != nil {
		t.Fatalf("newCCBPool: %v", err)
	}

	a := pool.acquire()
	b := pool.acquire()
	if a == b {
		t.Fatal("acquire returned the same CCB twice")
	}

	pool.release(b)
	c := pool.acquire()
	if c != b {
		t.Fatal("expected LIFO reuse of the most recently released CCB")
	}

	if a.xfer != nil {
		t.Fatal("acquire should not set xfer")
	}
}

func TestCCBPoolExhaustion(t *testing.T) {
	tag := &fakeDMATag{}
	pool, err := newCCBPool(tag, defaultMaxTransfer)
	if err != nil {
		t.Fatalf("newCCBPool: %v", err)
	}
	for i := 0; i < MaxCCB; i++ {
		if pool.acquire() == nil {
			t.Fatalf("pool exhausted early at %d", i)
		}
	}
	if pool.acquire() != nil {
		t.Fatal("expected nil once the pool is exhausted")
	}
}

func TestCCBByIndexBounds(t *testing.T) {
	tag := &fakeDMATag{}
	pool, err := newCCBPool(tag, defaultMaxTransfer)
	if err != nil {
		t.Fatalf("newCCBPool: %v", err)
	}
	if pool.ccbByIndex(0) == nil {
		t.Fatal("index 0 should resolve")
	}
	if pool.ccbByIndex(uint32(MaxCCB)) != nil {
		t.Fatal("out-of-range index should return nil")
	}
}

func asDriverError(err error, target **DriverError) bool {
	de, ok := err.(*DriverError)
	if !ok {
		return false
	}
	*target = de
	return true
}
