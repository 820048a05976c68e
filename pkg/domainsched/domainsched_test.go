package domainsched

import (
	"context"
	"testing"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/funcagent"
	"github.com/cuemby/yuanrong/pkg/localsched"
	"github.com/cuemby/yuanrong/pkg/resourceview"
	"github.com/cuemby/yuanrong/pkg/transport"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, spec types.FunctionSpec) (string, error) {
	return "/code/" + spec.FunctionID, nil
}

type fakeLauncher struct{}

func (fakeLauncher) Launch(ctx context.Context, instanceID string, spec types.FunctionSpec, codePath string) error {
	return nil
}
func (fakeLauncher) Kill(ctx context.Context, instanceID string) error { return nil }

func setupDomain(t *testing.T) (*Scheduler, *localsched.Scheduler) {
	t.Helper()
	tr := transport.NewLocal()
	ds := New("dom-1", tr)
	t.Cleanup(ds.Close)

	ls := localsched.New("ls-1", nil)
	agent := funcagent.New("unit-1", fakeFetcher{}, fakeLauncher{}, 0)
	t.Cleanup(agent.Close)
	ls.AddUnit("unit-1", map[string]resourceview.Value{"cpu": resourceview.Scalar(4)}, nil, agent)

	tr.Register("ls:ls-1", ls.Handler())
	ds.RegisterChild("ls-1")
	ds.ReportSnapshot("ls-1", ls.View().Snapshot())
	return ds, ls
}

func TestDomainSchedulerReserveBindAcrossTransport(t *testing.T) {
	ds, ls := setupDomain(t)
	ctx := context.Background()

	unit, err := ds.Schedule(ctx, "req-1", types.ResourceRequest{"cpu": 2}, types.PlacementConstraint{})
	require.NoError(t, err)
	assert.Equal(t, "ls-1/unit-1", unit)

	require.NoError(t, ds.Bind(ctx, "req-1", types.Instance{ID: "i-1"}))
	bound, ok := ls.Instance("i-1")
	require.True(t, ok)
	assert.Equal(t, types.InstanceBound, bound.State)

	require.NoError(t, ds.UnBind(ctx, "i-1"))
	_, ok = ls.Instance("i-1")
	assert.False(t, ok)
}

func TestDomainSchedulerForwardsWhenExhausted(t *testing.T) {
	ds, _ := setupDomain(t)
	ctx := context.Background()

	var forwarded bool
	ds.SetForward(func(ctx context.Context, requestID string, req types.ResourceRequest) (string, string, error) {
		forwarded = true
		return "", "", errs.New(errs.ResourceNotEnough, "no domain has capacity")
	})

	// Request more than the single unit's capacity so every local
	// candidate fails and Schedule falls through to the forward hook.
	_, err := ds.Schedule(ctx, "req-2", types.ResourceRequest{"cpu": 100}, types.PlacementConstraint{})
	require.Error(t, err)
	assert.True(t, forwarded)
}
