package globalsched

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/hashicorp/raft"
)

// topologyStore is the in-memory replicated record of every domain scheduler
// the global scheduler has ever registered, kept consistent across raft
// peers by fsm.Apply and persisted via Snapshot/Restore.
type topologyStore struct {
	mu    sync.RWMutex
	nodes map[string]*types.TopologyNode
}

func newTopologyStore() *topologyStore {
	return &topologyStore{nodes: make(map[string]*types.TopologyNode)}
}

func (t *topologyStore) put(n *types.TopologyNode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.Name] = n
}

func (t *topologyStore) delete(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, name)
}

func (t *topologyStore) get(name string) (types.TopologyNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[name]
	if !ok {
		return types.TopologyNode{}, false
	}
	return *n, true
}

func (t *topologyStore) list() []*types.TopologyNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.TopologyNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// Command is one replicated topology mutation.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterDomain = "register_domain"
	opMarkState      = "mark_state"
	opRemoveDomain   = "remove_domain"
)

// FSM implements raft.FSM over the domain-scheduler topology.
type FSM struct {
	store *topologyStore
}

// NewFSM builds an FSM backed by an empty topology store.
func NewFSM() *FSM {
	return &FSM{store: newTopologyStore()}
}

type markStateCmd struct {
	Name  string          `json:"name"`
	State types.NodeState `json:"state"`
}

// Apply applies one committed raft log entry to the topology store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("globalsched: unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opRegisterDomain:
		var node types.TopologyNode
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		f.store.put(&node)
		return nil

	case opMarkState:
		var m markStateCmd
		if err := json.Unmarshal(cmd.Data, &m); err != nil {
			return err
		}
		node, ok := f.store.get(m.Name)
		if !ok {
			return fmt.Errorf("globalsched: unknown domain %q", m.Name)
		}
		node.State = m.State
		f.store.put(&node)
		return nil

	case opRemoveDomain:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		f.store.delete(name)
		return nil

	default:
		return fmt.Errorf("globalsched: unknown command %q", cmd.Op)
	}
}

// Snapshot captures the topology for raft's periodic log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &topologySnapshot{nodes: f.store.list()}, nil
}

// Restore replaces the topology wholesale from a prior snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var nodes []*types.TopologyNode
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("globalsched: decode snapshot: %w", err)
	}
	f.store.mu.Lock()
	f.store.nodes = make(map[string]*types.TopologyNode, len(nodes))
	for _, n := range nodes {
		f.store.nodes[n.Name] = n
	}
	f.store.mu.Unlock()
	return nil
}

type topologySnapshot struct {
	nodes []*types.TopologyNode
}

func (s *topologySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *topologySnapshot) Release() {}
