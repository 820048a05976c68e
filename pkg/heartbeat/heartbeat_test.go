package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverFiresTimeoutAfterMissedPings(t *testing.T) {
	var lostCount int32
	var lostPeer atomic.Value

	d := NewDriver("local", Config{Interval: 20 * time.Millisecond}, func(peer string) {
		atomic.AddInt32(&lostCount, 1)
		lostPeer.Store(peer)
	})
	d.Start()
	defer d.Stop()

	d.Ping("agent-1")
	require.True(t, d.Tracked("agent-1"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&lostCount) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "agent-1", lostPeer.Load())

	// The timeout fires exactly once, not once per sweep.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&lostCount))
}

func TestDriverPingClearsLostState(t *testing.T) {
	var lostCount int32
	d := NewDriver("domain", Config{Interval: 20 * time.Millisecond}, func(string) {
		atomic.AddInt32(&lostCount, 1)
	})
	d.Start()
	defer d.Stop()

	d.Ping("ds-1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&lostCount) == 1 }, time.Second, 5*time.Millisecond)

	d.Ping("ds-1")
	assert.False(t, d.isLost("ds-1"))
}

func TestObserverReportsFailureAfterTimeout(t *testing.T) {
	var failed int32
	pingErr := assertErr{}
	o := NewObserver("agent", Config{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond},
		func(ctx context.Context) error { return pingErr },
		func() { atomic.AddInt32(&failed, 1) },
	)
	o.Start()
	defer o.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&failed) >= 1
	}, time.Second, 5*time.Millisecond)
}

type assertErr struct{}

func (assertErr) Error() string { return "ping failed" }
