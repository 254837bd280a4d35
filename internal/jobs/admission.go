package jobs

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is the admission ceiling used when none is configured.
const DefaultMaxConcurrent = 3

// Admission caps the number of jobs running at once. A slot is taken when a
// submission is accepted and given back when its worker exits.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int
	held     atomic.Int64
}

func NewAdmission(maxConcurrent int) *Admission {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Admission{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: maxConcurrent,
	}
}

// TryAdmit takes a slot without waiting.
func (a *Admission) TryAdmit() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.held.Add(1)
	return true
}

// Release returns a slot taken by TryAdmit.
func (a *Admission) Release() {
	a.held.Add(-1)
	a.sem.Release(1)
}

// InFlight reports the number of held slots.
func (a *Admission) InFlight() int {
	return int(a.held.Load())
}

func (a *Admission) Capacity() int {
	return a.capacity
}
