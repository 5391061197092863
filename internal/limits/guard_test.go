package limits

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardStudyCeiling(t *testing.T) {
	g := NewGuard(2, 0, false)

	assert.True(t, g.ReserveStudy())
	assert.True(t, g.ReserveStudy())
	assert.False(t, g.ReserveStudy())
	assert.True(t, g.StudiesExhausted())
	assert.Equal(t, int64(2), g.StudiesAttempted())
}

func TestGuardUnlimited(t *testing.T) {
	g := NewGuard(0, 0, false)

	for i := 0; i < 100; i++ {
		assert.True(t, g.ReserveStudy())
		assert.True(t, g.ReserveImage())
	}
	assert.False(t, g.StudiesExhausted())
	assert.False(t, g.ImagesExhausted())
}

func TestGuardImageCeilingConcurrent(t *testing.T) {
	const ceiling = 50
	g := NewGuard(0, ceiling, false)

	var wg sync.WaitGroup
	var admitted atomic.Int64

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if g.ReserveImage() {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), admitted.Load())
	assert.Equal(t, int64(ceiling), g.ImagesStored())
	assert.True(t, g.ImagesExhausted())
}

func TestGuardReleaseImage(t *testing.T) {
	g := NewGuard(0, 1, false)

	assert.True(t, g.ReserveImage())
	assert.False(t, g.ReserveImage())

	g.ReleaseImage()
	assert.False(t, g.ImagesExhausted())
	assert.True(t, g.ReserveImage())
}

func TestGuardDryRun(t *testing.T) {
	assert.True(t, NewGuard(0, 0, true).IsDryRun())
	assert.False(t, NewGuard(0, 0, false).IsDryRun())
}
