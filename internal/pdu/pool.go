package pdu

import "sync"

// DefaultReliableCapacity is the minimum arena size spec.md requires
// for PDUs on the reliable (ARQ) service.
const DefaultReliableCapacity = 2200

// DefaultBroadcastCapacity is the minimum arena size for broadcast
// (Non-ARQ) PDUs, sized to the SIS broadcast MTU.
const DefaultBroadcastCapacity = 4096

// highWaterMark caps how many PDUs a worker-local free list holds
// before releases overflow to the shared global list.
const highWaterMark = 64

// globalBatch is how many PDUs a worker pulls from the global list on
// a local-list miss.
const globalBatch = 16

// Pool is the two-tier PDU allocator: each worker holds a free list it
// can pop/push without locking; on miss it pulls a batch from the
// shared global list under a short mutex, and on overflow past the
// high-water mark it pushes the excess back to the global list.
type Pool struct {
	capacity int

	mu     sync.Mutex
	global []*PDU
}

// NewPool creates a pool whose PDUs have the given arena capacity.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// Capacity returns the arena size PDUs from this pool are allocated with.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Worker returns a new worker-local cache bound to this pool. Each
// event-loop worker owns exactly one.
func (p *Pool) Worker() *WorkerCache {
	return &WorkerCache{pool: p}
}

func (p *Pool) refill(local *[]*PDU) {
	p.mu.Lock()
	n := globalBatch
	if len(p.global) < n {
		n = len(p.global)
	}
	if n > 0 {
		*local = append(*local, p.global[len(p.global)-n:]...)
		p.global = p.global[:len(p.global)-n]
	}
	p.mu.Unlock()
}

func (p *Pool) drain(surplus []*PDU) {
	p.mu.Lock()
	p.global = append(p.global, surplus...)
	p.mu.Unlock()
}

func (p *Pool) newArena() *PDU {
	pd := &PDU{arena: make([]byte, p.capacity), pool: p}
	pd.reset()
	return pd
}

// put returns a PDU directly to the global list; every PDU.Release
// goes through it.
func (p *Pool) put(pd *PDU) {
	p.mu.Lock()
	p.global = append(p.global, pd)
	p.mu.Unlock()
}

// WorkerCache is a single event-loop worker's lock-free PDU cache.
type WorkerCache struct {
	pool  *Pool
	local []*PDU
}

// Get pulls a PDU from the local cache, refilling from the pool's
// global list on miss, falling back to a fresh allocation if the
// global list is also empty. The returned PDU has cursors reset per
// spec.md §4.3: M=AP=Scan=0, Lim=capacity, NeedLen=1.
func (w *WorkerCache) Get() *PDU {
	if len(w.local) == 0 {
		w.pool.refill(&w.local)
	}
	if len(w.local) == 0 {
		return w.pool.newArena()
	}
	pd := w.local[len(w.local)-1]
	w.local = w.local[:len(w.local)-1]
	pd.reset()
	pd.pool = w.pool
	return pd
}

// Recycle returns pd to this worker's local free list, pushing the
// excess past the high-water mark back to the global list. PDU.Release
// does not come here: it always returns the PDU to the global list
// through Pool.put.
func (w *WorkerCache) Recycle(pd *PDU) {
	pd.pool = nil
	w.local = append(w.local, pd)
	if len(w.local) > highWaterMark {
		overflow := len(w.local) - highWaterMark
		w.pool.drain(w.local[:overflow])
		w.local = w.local[overflow:]
	}
}
