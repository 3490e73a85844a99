package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorPhaseAndDrain(t *testing.T) {
	c := NewCollector(nil)
	end := c.Phase("Swap")
	c.Log("attaching")
	c.Error("boom")
	end()

	evs := c.Drain()
	require.Len(t, evs, 4)
	assert.Equal(t, TypeBegin, evs[0].Type)
	assert.Equal(t, "Swap", evs[0].Text)
	assert.Equal(t, TypeLog, evs[1].Type)
	assert.Equal(t, TypeError, evs[2].Type)
	assert.Equal(t, TypeEnd, evs[3].Type)
	assert.NotZero(t, evs[0].PID)

	assert.Empty(t, c.Drain(), "drain must empty the buffer")
}

func TestCollectorAddKeepsForeignEvents(t *testing.T) {
	c := NewCollector(nil)
	c.Add(Event{Type: TypeLog, Text: "from agent", PID: 4242, TimestampNs: 7})
	c.Add()

	evs := c.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, 4242, evs[0].PID)
	assert.Equal(t, int64(7), evs[0].TimestampNs)
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Log("x")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, c.Len())
}
