package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_RecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpExtract, 10*time.Millisecond)
	c.RecordTiming(OpExtract, 30*time.Millisecond)

	snap := c.Snapshot()
	op := snap.Operations[OpExtract]
	require.NotNil(t, op)
	assert.Equal(t, int64(2), op.Count)
	assert.Equal(t, int64(40), op.TotalTimeMs)
	assert.Equal(t, 20.0, op.AvgTimeMs)
	assert.Equal(t, int64(10), op.MinTimeMs)
	assert.Equal(t, int64(30), op.MaxTimeMs)
}

func TestCollector_FailureOnly(t *testing.T) {
	c := NewCollector()
	c.RecordFailure(OpJobRun)

	op := c.Snapshot().Operations[OpJobRun]
	require.NotNil(t, op)
	assert.Equal(t, int64(1), op.Failures)
	assert.Zero(t, op.Count)
	assert.Zero(t, op.MinTimeMs)
}

func TestCollector_Operations(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(DispatchOp("text"), time.Millisecond)
	c.RecordTiming(DispatchOp("images"), time.Millisecond)
	c.RecordTiming(OpBatch, time.Millisecond)

	assert.Equal(t, []string{"batch", "dispatch_images", "dispatch_text"}, c.Operations())
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpPipeline, time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), c.Snapshot().Operations[OpPipeline].Count)
}
