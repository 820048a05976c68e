package globalsched

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/yuanrong/pkg/domainsched"
	"github.com/cuemby/yuanrong/pkg/funcagent"
	"github.com/cuemby/yuanrong/pkg/localsched"
	"github.com/cuemby/yuanrong/pkg/metastore"
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

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func bootstrapped(t *testing.T) *Scheduler {
	t.Helper()
	tr := transport.NewLocal()
	s := New(Config{NodeID: "gs-1", BindAddr: freeAddr(t), DataDir: t.TempDir()}, tr)
	require.NoError(t, s.Bootstrap())
	t.Cleanup(s.Close)

	require.Eventually(t, s.IsLeader, 2*time.Second, 10*time.Millisecond)
	return s
}

func TestBootstrapBecomesLeader(t *testing.T) {
	s := bootstrapped(t)
	assert.True(t, s.IsLeader())
}

func TestRegisterDomainReplicatesToTopology(t *testing.T) {
	s := bootstrapped(t)
	require.NoError(t, s.RegisterDomain("dom-1", "ds:dom-1"))

	node, ok := s.Domain("dom-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeHealthy, node.State)
	assert.True(t, s.driver.Tracked("dom-1"))
}

func TestOnDomainLostMarksBrokenAndActivatesStandby(t *testing.T) {
	s := bootstrapped(t)
	require.NoError(t, s.RegisterDomain("dom-1", "ds:dom-1"))
	s.MarkStandby("dom-2")

	s.onDomainLost("dom-1")

	node, ok := s.Domain("dom-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeHealthy, node.State) // replacement re-activated the slot healthy
	s.mu.Lock()
	replaced := s.replaced["dom-1"]
	s.mu.Unlock()
	assert.True(t, replaced)
}

func TestForwardReservesAgainstAggregatedCandidate(t *testing.T) {
	tr := transport.NewLocal()
	s := New(Config{NodeID: "gs-1", BindAddr: freeAddr(t), DataDir: t.TempDir()}, tr)
	require.NoError(t, s.Bootstrap())
	t.Cleanup(s.Close)
	require.Eventually(t, s.IsLeader, 2*time.Second, 10*time.Millisecond)

	ds := domainsched.New("dom-1", tr)
	t.Cleanup(ds.Close)
	tr.Register("ds:dom-1", ds.Handler())

	ls := localsched.New("ls-1", nil)
	agent := funcagent.New("unit-1", fakeFetcher{}, fakeLauncher{}, 0)
	t.Cleanup(agent.Close)
	ls.AddUnit("unit-1", map[string]resourceview.Value{"cpu": resourceview.Scalar(4)}, nil, agent)
	tr.Register("ls:ls-1", ls.Handler())
	ds.RegisterChild("ls-1")
	ds.ReportSnapshot("ls-1", ls.View().Snapshot())

	s.ReportSnapshot("dom-1", ds.View().Snapshot())

	unitID, domain, err := s.Forward(context.Background(), "req-1", types.ResourceRequest{"cpu": 2})
	require.NoError(t, err)
	assert.Equal(t, "dom-1", domain)
	assert.Equal(t, "ls-1/unit-1", unitID)
}

func TestRegisterDomainPersistsTopologyAndRecovers(t *testing.T) {
	store, err := metastore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	s := bootstrapped(t)
	s.SetStore(store)
	require.NoError(t, s.RegisterDomain("dom-1", "ds:dom-1"))

	require.Eventually(t, func() bool {
		resp, err := store.Range(metastore.RangeRequest{Key: topologyKey})
		return err == nil && len(resp.Kvs) == 1
	}, time.Second, 10*time.Millisecond)

	s2 := New(Config{NodeID: "gs-2", BindAddr: freeAddr(t), DataDir: t.TempDir()}, transport.NewLocal())
	require.NoError(t, s2.Bootstrap())
	t.Cleanup(s2.Close)
	require.Eventually(t, s2.IsLeader, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s2.RecoverTopology(store))
	node, ok := s2.Domain("dom-1")
	require.True(t, ok)
	assert.Equal(t, "ds:dom-1", node.Address)
}
