package resourceview

import (
	"testing"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capOf(cpu, mem float64) map[string]Value {
	return map[string]Value{"cpu": Scalar(cpu), "memory": Scalar(mem)}
}

func TestReserveBindUnbindLifecycle(t *testing.T) {
	v := New()
	v.AddUnit("unit-1", capOf(4, 8192), nil)

	req := types.ResourceRequest{"cpu": 2, "memory": 1024}
	require.NoError(t, v.Reserve("unit-1", req))

	u, _ := v.Unit("unit-1")
	assert.Equal(t, Scalar(2), u.Reserved["cpu"])

	require.NoError(t, v.Bind("unit-1", req))
	u, _ = v.Unit("unit-1")
	assert.Equal(t, Scalar(0), u.Reserved["cpu"])
	assert.Equal(t, Scalar(2), u.Allocated["cpu"])

	require.NoError(t, v.Unbind("unit-1", req))
	u, _ = v.Unit("unit-1")
	assert.Equal(t, Scalar(0), u.Allocated["cpu"])
}

func TestReserveFailsWhenOverCapacity(t *testing.T) {
	v := New()
	v.AddUnit("unit-1", capOf(2, 2048), nil)

	err := v.Reserve("unit-1", types.ResourceRequest{"cpu": 4})
	require.Error(t, err)
	assert.Equal(t, errs.ResourceNotEnough, errs.KindOf(err))
}

func TestCandidatesExcludesUnhealthyAndFullUnits(t *testing.T) {
	v := New()
	v.AddUnit("u1", capOf(4, 4096), nil)
	v.AddUnit("u2", capOf(1, 1024), nil)
	require.NoError(t, v.UpdateUnitStatus("u2", UnitBroken))

	req := types.ResourceRequest{"cpu": 2, "memory": 2048}
	got := v.Candidates(req)
	assert.Equal(t, []string{"u1"}, got)
}

func TestUnreserveReturnsCapacity(t *testing.T) {
	v := New()
	v.AddUnit("u1", capOf(2, 2048), nil)
	req := types.ResourceRequest{"cpu": 2, "memory": 2048}
	require.NoError(t, v.Reserve("u1", req))

	// No capacity left for a second reservation.
	assert.Error(t, v.Reserve("u1", types.ResourceRequest{"cpu": 1}))

	require.NoError(t, v.Unreserve("u1", req))
	assert.NoError(t, v.Reserve("u1", req))
}

func TestMergeNamespacesChildUnitsByChildID(t *testing.T) {
	parent := New()
	child := New()
	child.AddUnit("host-a", capOf(4, 4096), nil)

	parent.Merge("ls-1", child.Snapshot())
	assert.Equal(t, 1, parent.Len())
	_, ok := parent.Unit("ls-1/host-a")
	assert.True(t, ok)
}

func TestOnChangeFiresOnMutation(t *testing.T) {
	v := New()
	var seen []string
	v.OnChange(func(unitID string) { seen = append(seen, unitID) })

	v.AddUnit("u1", capOf(1, 1024), nil)
	require.NoError(t, v.Reserve("u1", types.ResourceRequest{"cpu": 1}))

	assert.Equal(t, []string{"u1", "u1"}, seen)
}
