package bundlemgr

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlacer struct {
	mu         sync.Mutex
	reserved   map[string]bool
	bound      map[string]string // instanceID -> requestID
	unreserved []string
	unbound    []string
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{reserved: make(map[string]bool), bound: make(map[string]string)}
}

func (p *fakePlacer) Reserve(ctx context.Context, requestID, unitID string, req types.ResourceRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved[requestID] = true
	return nil
}

func (p *fakePlacer) Bind(ctx context.Context, requestID string, instance types.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[instance.ID] = requestID
	return nil
}

func (p *fakePlacer) UnReserve(ctx context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, requestID)
	p.unreserved = append(p.unreserved, requestID)
	return nil
}

func (p *fakePlacer) UnBind(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bound, instanceID)
	p.unbound = append(p.unbound, instanceID)
	return nil
}

func openTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReserveBindUnbindLifecycle(t *testing.T) {
	store := openTestStore(t)
	placer := newFakePlacer()
	m := New(store, placer, nil)

	b, err := m.ReserveBundle(context.Background(), "unit-1", types.ResourceRequest{"cpu": 1}, "")
	require.NoError(t, err)
	assert.Equal(t, types.BundleReserved, b.Status)

	require.NoError(t, m.BindBundle(context.Background(), b.ID, types.Instance{ID: "i-1"}))
	got, ok := m.Bundle(b.ID)
	require.True(t, ok)
	assert.Equal(t, types.BundleBound, got.Status)
	assert.Equal(t, "i-1", got.InstanceID)

	require.NoError(t, m.UnBindBundle(context.Background(), b.ID))
	got, ok = m.Bundle(b.ID)
	require.True(t, ok)
	assert.Equal(t, types.BundleReserved, got.Status)
	assert.Empty(t, got.InstanceID)
	assert.Contains(t, placer.unbound, "i-1")
}

func TestRemoveBundleCascadesToChildren(t *testing.T) {
	store := openTestStore(t)
	placer := newFakePlacer()
	m := New(store, placer, nil)

	parent, err := m.ReserveBundle(context.Background(), "unit-1", types.ResourceRequest{"cpu": 2}, "")
	require.NoError(t, err)
	child, err := m.ReserveBundle(context.Background(), "unit-1", types.ResourceRequest{"cpu": 1}, parent.ID)
	require.NoError(t, err)

	require.NoError(t, m.RemoveBundle(context.Background(), parent.ID))

	_, ok := m.Bundle(parent.ID)
	assert.False(t, ok)
	_, ok = m.Bundle(child.ID)
	assert.False(t, ok)
	assert.Contains(t, placer.unreserved, child.ID)
	assert.Contains(t, placer.unreserved, parent.ID)
}

func TestOnAgentBrokenRemovesTopLevelBundlesForUnit(t *testing.T) {
	store := openTestStore(t)
	placer := newFakePlacer()
	m := New(store, placer, nil)

	b1, err := m.ReserveBundle(context.Background(), "unit-1", types.ResourceRequest{"cpu": 1}, "")
	require.NoError(t, err)
	b2, err := m.ReserveBundle(context.Background(), "unit-2", types.ResourceRequest{"cpu": 1}, "")
	require.NoError(t, err)

	removed := m.OnAgentBroken(context.Background(), "unit-1")
	assert.Equal(t, []string{b1.ID}, removed)

	_, ok := m.Bundle(b1.ID)
	assert.False(t, ok)
	_, ok = m.Bundle(b2.ID)
	assert.True(t, ok)
}

func TestLoadHydratesFromPersistedState(t *testing.T) {
	store := openTestStore(t)
	placer := newFakePlacer()
	m := New(store, placer, nil)

	b, err := m.ReserveBundle(context.Background(), "unit-1", types.ResourceRequest{"cpu": 1}, "")
	require.NoError(t, err)

	m2 := New(store, placer, nil)
	require.NoError(t, m2.Load())
	got, ok := m2.Bundle(b.ID)
	require.True(t, ok)
	assert.Equal(t, b.UnitID, got.UnitID)
}
