package sketch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeverUndercounts(t *testing.T) {
	s := New(512, 4)

	const k = 37
	for i := 0; i < k; i++ {
		s.Add("hot-key")
	}
	// Background noise from other keys can only inflate the estimate.
	for i := 0; i < 1000; i++ {
		s.Add(fmt.Sprintf("noise-%d", i))
	}

	est := s.Estimate("hot-key")
	assert.GreaterOrEqual(t, est, uint64(k), "count-min must never undercount")
}

func TestEstimateWithinBound(t *testing.T) {
	s := New(2048, 4)

	const k = 100
	for i := 0; i < k; i++ {
		s.Add("target")
	}
	for i := 0; i < 5000; i++ {
		s.Add(fmt.Sprintf("other-%d", i%500))
	}

	// e/width * N, generously doubled: the bound holds with high
	// probability, not certainty, and the test must not flake.
	n := float64(s.Adds())
	bound := uint64(2 * 2.72 / 2048 * n)
	est := s.Estimate("target")
	require.GreaterOrEqual(t, est, uint64(k))
	assert.LessOrEqual(t, est, uint64(k)+bound+1)
}

func TestUnseenKeyLow(t *testing.T) {
	s := New(1024, 4)
	for i := 0; i < 100; i++ {
		s.Add("seen")
	}
	assert.LessOrEqual(t, s.Estimate("never-seen"), uint64(2))
}

func TestHalve(t *testing.T) {
	s := New(256, 4)
	for i := 0; i < 40; i++ {
		s.Add("aged")
	}
	before := s.Estimate("aged")
	s.Halve()
	after := s.Estimate("aged")
	assert.Equal(t, before/2, after)
	assert.Equal(t, uint64(20), s.Adds())
}

func TestConcurrentAdds(t *testing.T) {
	s := New(1024, 4)

	const workers, per = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.Add("contended")
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, s.Estimate("contended"), uint64(workers*per))
}
