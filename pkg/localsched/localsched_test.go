package localsched

import (
	"context"
	"testing"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/funcagent"
	"github.com/cuemby/yuanrong/pkg/resourceview"
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

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New("ls-1", nil)
	agent := funcagent.New("unit-1", fakeFetcher{}, fakeLauncher{}, 0)
	t.Cleanup(agent.Close)
	s.AddUnit("unit-1", map[string]resourceview.Value{"cpu": resourceview.Scalar(4)}, nil, agent)
	return s
}

func TestReserveBindFlow(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	req := types.ResourceRequest{"cpu": 2}

	require.NoError(t, s.Reserve(ctx, "req-1", "unit-1", req))
	inst := types.Instance{ID: "i-1", Function: types.FunctionSpec{FunctionID: "fn-a"}}
	require.NoError(t, s.Bind(ctx, "req-1", inst))

	bound, ok := s.Instance("i-1")
	require.True(t, ok)
	assert.Equal(t, types.InstanceBound, bound.State)

	require.NoError(t, s.UnBind(ctx, "i-1"))
	_, ok = s.Instance("i-1")
	assert.False(t, ok)
}

func TestBindWithoutReservationFails(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Bind(context.Background(), "missing", types.Instance{ID: "i-1"})
	require.Error(t, err)
	assert.Equal(t, errs.ParamInvalid, errs.KindOf(err))
}

func TestEvictAgentClearsBoundInstances(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Reserve(ctx, "req-1", "unit-1", types.ResourceRequest{"cpu": 1}))
	require.NoError(t, s.Bind(ctx, "req-1", types.Instance{ID: "i-1"}))

	evicted := s.EvictAgent("unit-1")
	assert.Equal(t, []string{"i-1"}, evicted)
	_, ok := s.Instance("i-1")
	assert.False(t, ok)
}

func TestKillGroupTearsDownAllMembers(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, "req-1", "unit-1", types.ResourceRequest{"cpu": 1}))
	require.NoError(t, s.Bind(ctx, "req-1", types.Instance{ID: "i-1", GroupID: "g-1"}))
	require.NoError(t, s.Reserve(ctx, "req-2", "unit-1", types.ResourceRequest{"cpu": 1}))
	require.NoError(t, s.Bind(ctx, "req-2", types.Instance{ID: "i-2", GroupID: "g-1"}))

	require.NoError(t, s.KillGroup(ctx, "g-1"))
	_, ok1 := s.Instance("i-1")
	_, ok2 := s.Instance("i-2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}
