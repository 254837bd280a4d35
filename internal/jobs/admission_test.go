package jobs

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_CeilingAndRelease(t *testing.T) {
	a := NewAdmission(3)
	for i := 0; i < 3; i++ {
		require.True(t, a.TryAdmit())
	}
	assert.False(t, a.TryAdmit())
	assert.Equal(t, 3, a.InFlight())

	a.Release()
	assert.Equal(t, 2, a.InFlight())
	assert.True(t, a.TryAdmit())
}

func TestAdmission_DefaultsWhenUnset(t *testing.T) {
	a := NewAdmission(0)
	assert.Equal(t, DefaultMaxConcurrent, a.Capacity())
}

func TestAdmission_ConcurrentAdmitsNeverExceedCeiling(t *testing.T) {
	a := NewAdmission(3)
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if a.TryAdmit() {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(3), admitted.Load())
}
