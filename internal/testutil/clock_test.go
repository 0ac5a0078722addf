package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepClockAdvances(t *testing.T) {
	c := NewStepClock(1000, 10)
	assert.Equal(t, int64(1000), c.Peek())
	assert.Equal(t, int64(1010), c.NowMs())
	assert.Equal(t, int64(1020), c.NowMs())
	assert.Equal(t, int64(1020), c.Peek())

	c.Reset(0)
	assert.Equal(t, int64(10), c.NowMs())
}

func TestStepClockConcurrent(t *testing.T) {
	c := NewStepClock(0, 1)
	const workers, calls = 20, 50

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				v := c.NowMs()
				mu.Lock()
				assert.False(t, seen[v], "duplicate reading %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*calls)
}

func TestFixturesAreConsistent(t *testing.T) {
	items := map[string]bool{}
	for _, def := range MixedItems() {
		items[def.ID] = true
	}
	for _, part := range MixedMap().Parts {
		for _, sec := range part.Sections {
			for _, ref := range sec.Items {
				assert.True(t, items[ref.ID], "item %s has a definition", ref.ID)
			}
		}
	}
	assert.Len(t, BranchingItems(), 3)
}
