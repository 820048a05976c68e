package placement

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindDisarmsRollback(t *testing.T) {
	var timedOut int32
	table := New(50*time.Millisecond, func(string) { atomic.AddInt32(&timedOut, 1) })

	table.Reserve("req-1")
	assert.True(t, table.Bind("req-1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&timedOut))
	assert.False(t, table.Pending("req-1"))
}

func TestUnboundReservationRollsBack(t *testing.T) {
	var rolledBack atomic.Value
	table := New(30*time.Millisecond, func(id string) { rolledBack.Store(id) })

	table.Reserve("req-2")
	require.Eventually(t, func() bool {
		v, ok := rolledBack.Load().(string)
		return ok && v == "req-2"
	}, time.Second, 5*time.Millisecond)
	assert.False(t, table.Pending("req-2"))
}

func TestCancelSkipsRollbackCallback(t *testing.T) {
	var timedOut int32
	table := New(30*time.Millisecond, func(string) { atomic.AddInt32(&timedOut, 1) })

	table.Reserve("req-3")
	assert.True(t, table.Cancel("req-3"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&timedOut))
}
