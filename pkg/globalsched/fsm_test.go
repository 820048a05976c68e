package globalsched

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyCmd(t *testing.T, f *FSM, op string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	resp := f.Apply(&raft.Log{Data: raw})
	if err, ok := resp.(error); ok {
		require.NoError(t, err)
	}
}

func TestFSMRegisterAndMarkState(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, opRegisterDomain, types.TopologyNode{
		Name: "dom-1", Address: "ds:dom-1", Layer: types.LayerDomain, State: types.NodeHealthy, UpdatedAt: time.Now(),
	})

	node, ok := f.store.get("dom-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeHealthy, node.State)

	applyCmd(t, f, opMarkState, markStateCmd{Name: "dom-1", State: types.NodeBroken})
	node, ok = f.store.get("dom-1")
	require.True(t, ok)
	assert.Equal(t, types.NodeBroken, node.State)
}

func TestFSMRemoveDomain(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, opRegisterDomain, types.TopologyNode{Name: "dom-1"})
	applyCmd(t, f, opRemoveDomain, "dom-1")
	_, ok := f.store.get("dom-1")
	assert.False(t, ok)
}

type bufSink struct {
	buf    []byte
	closed bool
}

func (s *bufSink) Write(p []byte) (int, error) { s.buf = append(s.buf, p...); return len(p), nil }
func (s *bufSink) Close() error                { s.closed = true; return nil }
func (s *bufSink) ID() string                  { return "snap-1" }
func (s *bufSink) Cancel() error               { return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	f := NewFSM()
	applyCmd(t, f, opRegisterDomain, types.TopologyNode{Name: "dom-1", State: types.NodeHealthy})
	applyCmd(t, f, opRegisterDomain, types.TopologyNode{Name: "dom-2", State: types.NodeHealthy})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &bufSink{}
	require.NoError(t, snap.Persist(sink))
	assert.True(t, sink.closed)

	f2 := NewFSM()
	require.NoError(t, f2.Restore(io.NopCloser(bytes.NewReader(sink.buf))))
	_, ok := f2.store.get("dom-1")
	assert.True(t, ok)
	_, ok = f2.store.get("dom-2")
	assert.True(t, ok)
}
