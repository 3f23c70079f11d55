package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorUniqueAndIncreasing(t *testing.T) {
	g := NewGenerator(7)
	var last int64
	for i := 0; i < 10000; i++ {
		id := g.Next()
		require.Greater(t, id, last)
		last = id
	}
}

func TestGeneratorConcurrent(t *testing.T) {
	g := NewGenerator(3)
	const workers, per = 8, 2000
	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*per)
}

func TestTimeRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator(1)
	g.now = func() time.Time { return fixed }
	assert.True(t, Time(g.Next()).Equal(fixed))
}

func TestNodeIDFromName(t *testing.T) {
	a := NodeIDFromName("gateway-01")
	assert.Equal(t, a, NodeIDFromName("gateway-01"))
	assert.GreaterOrEqual(t, a, int64(0))
	assert.LessOrEqual(t, a, int64(maxNode))
}
