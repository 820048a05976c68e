package funcagent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls int32
}

func (f *countingFetcher) Fetch(ctx context.Context, spec types.FunctionSpec) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	time.Sleep(10 * time.Millisecond)
	return "/cache/" + spec.FunctionID, nil
}

type noopLauncher struct{}

func (noopLauncher) Launch(ctx context.Context, instanceID string, spec types.FunctionSpec, codePath string) error {
	return nil
}
func (noopLauncher) Kill(ctx context.Context, instanceID string) error { return nil }

func TestDeployInstanceRejectsDuplicate(t *testing.T) {
	a := New("unit-1", &countingFetcher{}, noopLauncher{}, 0)
	defer a.Close()

	inst := types.Instance{ID: "i-1", Function: types.FunctionSpec{FunctionID: "fn-a"}}
	require.NoError(t, a.DeployInstance(context.Background(), inst))

	err := a.DeployInstance(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, errs.InstanceDuplicated, errs.KindOf(err))
}

func TestConcurrentDeployCoalescesFetch(t *testing.T) {
	fetcher := &countingFetcher{}
	a := New("unit-1", fetcher, noopLauncher{}, 0)
	defer a.Close()

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func(n int) {
			inst := types.Instance{
				ID:       "i-" + string(rune('a'+n)),
				Function: types.FunctionSpec{FunctionID: "fn-shared"},
			}
			_ = a.DeployInstance(context.Background(), inst)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))
}

func TestKillInstanceIsIdempotent(t *testing.T) {
	a := New("unit-1", &countingFetcher{}, noopLauncher{}, 0)
	defer a.Close()

	require.NoError(t, a.KillInstance(context.Background(), "never-deployed"))

	inst := types.Instance{ID: "i-1", Function: types.FunctionSpec{FunctionID: "fn-a"}}
	require.NoError(t, a.DeployInstance(context.Background(), inst))
	require.NoError(t, a.KillInstance(context.Background(), "i-1"))
	assert.False(t, a.Deployed("i-1"))
	require.NoError(t, a.KillInstance(context.Background(), "i-1"))
}

func TestHealthCheckFailureInvokesOnUnhealthy(t *testing.T) {
	a := New("unit-1", &countingFetcher{}, noopLauncher{}, 0)
	defer a.Close()

	unhealthy := make(chan string, 1)
	a.OnUnhealthy(func(instanceID string) { unhealthy <- instanceID })

	inst := types.Instance{
		ID: "i-1",
		Function: types.FunctionSpec{
			FunctionID: "fn-a",
			HealthCheck: &types.HealthCheckSpec{
				Type:     "tcp",
				Target:   "127.0.0.1:1",
				Interval: 10 * time.Millisecond,
				Timeout:  10 * time.Millisecond,
				Retries:  1,
			},
		},
	}
	require.NoError(t, a.DeployInstance(context.Background(), inst))

	select {
	case id := <-unhealthy:
		assert.Equal(t, "i-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy callback")
	}
}

func TestKillInstanceStopsHealthMonitor(t *testing.T) {
	a := New("unit-1", &countingFetcher{}, noopLauncher{}, 0)
	defer a.Close()

	var called int32
	a.OnUnhealthy(func(instanceID string) { atomic.AddInt32(&called, 1) })

	inst := types.Instance{
		ID: "i-1",
		Function: types.FunctionSpec{
			FunctionID: "fn-a",
			HealthCheck: &types.HealthCheckSpec{
				Type:     "tcp",
				Target:   "127.0.0.1:1",
				Interval: 10 * time.Millisecond,
				Timeout:  10 * time.Millisecond,
				Retries:  1,
			},
		},
	}
	require.NoError(t, a.DeployInstance(context.Background(), inst))
	require.NoError(t, a.KillInstance(context.Background(), "i-1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}
