package spanz

import (
	"sync/atomic"
)

// IDPool hands out span ids and recycles released ones.
// Id 0 is never issued; it denotes "no parent".
type IDPool struct {
	free chan uint64
	next atomic.Uint64
}

// NewIDPool creates a pool that keeps up to capacity released ids for reuse.
func NewIDPool(capacity int) *IDPool {
	return &IDPool{
		free: make(chan uint64, capacity),
	}
}

// Get returns a recycled id if one is available, otherwise a fresh one.
func (p *IDPool) Get() uint64 {
	select {
	case id := <-p.free:
		return id
	default:
		// Pool empty, mint a new id.
		return p.next.Add(1)
	}
}

// Put makes id available for reuse. Ids beyond the pool capacity are discarded.
func (p *IDPool) Put(id uint64) {
	if id == 0 {
		return
	}
	select {
	case p.free <- id:
	default:
	}
}

// Issued returns the number of distinct ids minted so far.
func (p *IDPool) Issued() uint64 {
	return p.next.Load()
}
