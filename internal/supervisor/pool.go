package supervisor

import "sync"

// Pool is the admission-slot counter: one slot per simultaneously
// running project, held for the project's entire running lifetime.
// It is owned by the Supervisor and never shared as global state.
type Pool struct {
	maxSlots  int
	available int
	mu        sync.Mutex
}

// NewPool creates a pool with the given capacity
func NewPool(maxSlots int) *Pool {
	if maxSlots <= 0 {
		maxSlots = 1
	}
	return &Pool{maxSlots: maxSlots, available: maxSlots}
}

// Acquire tries to claim a slot. Returns true if successful.
func (p *Pool) Acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available <= 0 {
		return false
	}
	p.available--
	return true
}

// Release returns a slot to the pool
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available < p.maxSlots {
		p.available++
	}
}

// Available returns the number of free slots
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxSlots returns the pool capacity
func (p *Pool) MaxSlots() int {
	return p.maxSlots
}
