// Package globalsched implements the global scheduler (GS): the root of the
// scheduler hierarchy. It owns the replicated topology of domain schedulers
// (raft over the teacher's hashicorp/raft + raft-boltdb stack), tracks their
// liveness, activates a standby domain scheduler into a BROKEN slot via a
// FIFO replacement queue, and serves as the escalation target a domain
// scheduler calls once it has exhausted every local candidate.
package globalsched

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/yuanrong/pkg/domainsched"
	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/heartbeat"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/resourceview"
	"github.com/cuemby/yuanrong/pkg/transport"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// topologyKey is the MS key the leading global scheduler persists its
// replicated topology tree under, for crash recovery.
const topologyKey = "/yr/scheduler/topology"

// topologyPersister coalesces topology writes: if a put is already in
// flight when another change arrives, that change just marks the
// persister dirty instead of queuing its own put; the in-flight put's
// completion notices the dirty flag and issues exactly one follow-up put
// carrying whatever the topology looks like by then.
type topologyPersister struct {
	mu      sync.Mutex
	writing bool
	dirty   bool

	store  *metastore.Store
	logger zerolog.Logger
	listFn func() []*types.TopologyNode
}

func newTopologyPersister(logger zerolog.Logger, listFn func() []*types.TopologyNode) *topologyPersister {
	return &topologyPersister{logger: logger, listFn: listFn}
}

func (p *topologyPersister) setStore(store *metastore.Store) {
	p.mu.Lock()
	p.store = store
	p.mu.Unlock()
}

// touch records that the topology changed and kicks off a write if none is
// already in flight.
func (p *topologyPersister) touch() {
	p.mu.Lock()
	if p.store == nil {
		p.mu.Unlock()
		return
	}
	if p.writing {
		p.dirty = true
		p.mu.Unlock()
		return
	}
	p.writing = true
	p.mu.Unlock()
	go p.writeLoop()
}

func (p *topologyPersister) writeLoop() {
	for {
		data, err := json.Marshal(p.listFn())
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to marshal topology for persistence")
		} else if _, err := p.store.Put(metastore.PutRequest{Key: topologyKey, Value: data}); err != nil {
			p.logger.Error().Err(err).Msg("failed to persist topology")
		}

		p.mu.Lock()
		if !p.dirty {
			p.writing = false
			p.mu.Unlock()
			return
		}
		p.dirty = false
		p.mu.Unlock()
	}
}

// Config controls how a global scheduler node joins (or bootstraps) its
// raft cluster.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Scheduler is one global scheduler node. Only the raft leader accepts
// Forward calls; followers return an error directing callers to the
// current leader.
type Scheduler struct {
	cfg       Config
	transport transport.Transport
	logger    zerolog.Logger

	raft *raft.Raft
	fsm  *FSM

	mu       sync.Mutex
	view     *resourceview.View
	replaced map[string]bool // domain names currently serving as a BROKEN slot's replacement

	replacementMu sync.Mutex
	standby       []string // FIFO queue of idle domain schedulers available to activate

	driver   *heartbeat.Driver
	topology *topologyPersister
}

// New builds a global scheduler node; call Bootstrap or Join before serving.
func New(cfg Config, t transport.Transport) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		transport: t,
		logger:    log.WithNode(cfg.NodeID),
		fsm:       NewFSM(),
		view:      resourceview.New(),
		replaced:  make(map[string]bool),
	}
	s.driver = heartbeat.NewDriver("global", heartbeat.Config{}, s.onDomainLost)
	s.driver.Start()
	s.topology = newTopologyPersister(s.logger, s.Domains)
	return s
}

// SetStore attaches the metadata store this scheduler persists its
// replicated topology into on every change, and recovers it from on
// startup. A nil store (the default) disables persistence.
func (s *Scheduler) SetStore(store *metastore.Store) {
	s.topology.setStore(store)
}

// RecoverTopology reads the last persisted topology from MS and re-applies
// every node into the raft FSM, for use right after Bootstrap/Join on a
// fresh process so a leader election doesn't start from an empty tree.
// Only the leader performs the recovery apply; a follower that calls this
// before leadership is established gets an error it should ignore.
func (s *Scheduler) RecoverTopology(store *metastore.Store) error {
	resp, err := store.Range(metastore.RangeRequest{Key: topologyKey})
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	var nodes []*types.TopologyNode
	if err := json.Unmarshal(resp.Kvs[0].Value, &nodes); err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "decode persisted topology")
	}
	for _, node := range nodes {
		if err := s.apply(opRegisterDomain, *node); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the liveness sweep and shuts down raft.
func (s *Scheduler) Close() {
	s.driver.Stop()
	if s.raft != nil {
		_ = s.raft.Shutdown().Error()
	}
}

func raftTuning() *raft.Config {
	c := raft.DefaultConfig()
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (s *Scheduler) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("globalsched: create data dir: %w", err)
	}

	config := raftTuning()
	config.LocalID = raft.ServerID(s.cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", s.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: resolve bind address: %w", err)
	}
	rtr, err := raft.NewTCPTransport(s.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: tcp transport: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(s.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: stable store: %w", err)
	}

	r, err := raft.NewRaft(config, s.fsm, logStore, stableStore, snapStore, rtr)
	if err != nil {
		return nil, nil, fmt.Errorf("globalsched: new raft: %w", err)
	}
	return r, rtr, nil
}

// Bootstrap initializes a new single-node raft cluster rooted at this node.
func (s *Scheduler) Bootstrap() error {
	r, rtr, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r

	cfg := raft.Configuration{Servers: []raft.Server{
		{ID: raft.ServerID(s.cfg.NodeID), Address: rtr.LocalAddr()},
	}}
	if err := s.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("globalsched: bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts raft on this node expecting the cluster's current leader to
// add it as a voter via AddVoter; it does not itself contact the leader.
func (s *Scheduler) Join() error {
	r, _, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r
	return nil
}

// AddVoter admits nodeID (reachable at address) as a voting member of the
// raft cluster. Only the leader can do this.
func (s *Scheduler) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return errs.New(errs.ParamInvalid, "not the leader, current leader is %s", s.LeaderAddr())
	}
	return s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (s *Scheduler) IsLeader() bool {
	return s.raft != nil && s.raft.State() == raft.Leader
}

// LeaderAddr returns the current raft leader's address, or "" if unknown.
func (s *Scheduler) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// RaftStats reports the last applied log index and the current voter count,
// for periodic export to the metrics collector.
func (s *Scheduler) RaftStats() (appliedIndex uint64, peers int) {
	if s.raft == nil {
		return 0, 0
	}
	appliedIndex = s.raft.AppliedIndex()
	if cfgFuture := s.raft.GetConfiguration(); cfgFuture.Error() == nil {
		peers = len(cfgFuture.Configuration().Servers)
	}
	return appliedIndex, peers
}

func (s *Scheduler) apply(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.ParamInvalid, err, "marshal %s command", op)
	}
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return errs.Wrap(errs.ParamInvalid, err, "marshal %s envelope", op)
	}
	future := s.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "apply %s", op)
	}
	if resp := future.Response(); resp != nil {
		if rerr, ok := resp.(error); ok && rerr != nil {
			return errs.Wrap(errs.InnerSystemError, rerr, "apply %s", op)
		}
	}
	return nil
}

// RegisterDomain replicates a new domain scheduler into the topology and
// starts tracking its liveness. address is where the global scheduler's
// transport reaches it (e.g. "ds:<name>").
func (s *Scheduler) RegisterDomain(name, address string) error {
	node := types.TopologyNode{
		Name:      name,
		Address:   address,
		Layer:     types.LayerDomain,
		State:     types.NodeHealthy,
		UpdatedAt: time.Now(),
	}
	if err := s.apply(opRegisterDomain, node); err != nil {
		return err
	}
	s.driver.Ping(name)
	s.topology.touch()
	return nil
}

// MarkStandby adds an already-registered, currently idle domain scheduler
// to the replacement queue, eligible to be activated into a BROKEN slot.
func (s *Scheduler) MarkStandby(name string) {
	s.replacementMu.Lock()
	defer s.replacementMu.Unlock()
	s.standby = append(s.standby, name)
}

// Domain returns a registered domain scheduler's current topology record.
func (s *Scheduler) Domain(name string) (types.TopologyNode, bool) {
	return s.fsm.store.get(name)
}

// Domains lists every domain scheduler known to the topology.
func (s *Scheduler) Domains() []*types.TopologyNode {
	return s.fsm.store.list()
}

// ReportSnapshot merges a domain scheduler's aggregated resource-unit
// snapshot into the global view and refreshes its liveness.
func (s *Scheduler) ReportSnapshot(domainName string, snapshot map[string]resourceview.ResourceUnit) {
	s.view.Merge(domainName, snapshot)
	s.driver.Ping(domainName)
}

func (s *Scheduler) onDomainLost(domainName string) {
	s.logger.Warn().Str("domain", domainName).Msg("domain scheduler heartbeat lost, marking broken and queuing replacement")
	if err := s.apply(opMarkState, markStateCmd{Name: domainName, State: types.NodeBroken}); err != nil {
		s.logger.Error().Err(err).Str("domain", domainName).Msg("failed to replicate broken state")
	} else {
		s.topology.touch()
	}
	for id := range s.view.Snapshot() {
		if strings.HasPrefix(id, domainName+"/") {
			_ = s.view.UpdateUnitStatus(id, resourceview.UnitBroken)
		}
	}
	s.ActivateReplacement(domainName)
}

// ActivateReplacement pops the next standby domain scheduler off the FIFO
// replacement queue and substitutes it into brokenName's slot, preserving
// brokenName's address so children reconnecting to it still route
// correctly. It is a no-op if no standby is available.
func (s *Scheduler) ActivateReplacement(brokenName string) {
	s.replacementMu.Lock()
	if len(s.standby) == 0 {
		s.replacementMu.Unlock()
		return
	}
	replacement := s.standby[0]
	s.standby = s.standby[1:]
	s.replacementMu.Unlock()

	broken, ok := s.fsm.store.get(brokenName)
	if !ok {
		return
	}
	s.mu.Lock()
	s.replaced[brokenName] = true
	s.mu.Unlock()

	node := types.TopologyNode{
		Name:      brokenName,
		Address:   broken.Address,
		Layer:     types.LayerDomain,
		State:     types.NodeHealthy,
		UpdatedAt: time.Now(),
	}
	if err := s.apply(opRegisterDomain, node); err != nil {
		s.logger.Error().Err(err).Str("broken", brokenName).Str("replacement", replacement).Msg("failed to activate replacement")
		return
	}
	s.driver.Ping(brokenName)
	s.topology.touch()
	s.logger.Info().Str("broken", brokenName).Str("replacement", replacement).Msg("activated standby domain scheduler into broken slot")
}

// Forward implements domainsched.ForwardFunc: it tries every remaining
// candidate in the global aggregated view once a calling domain has
// exhausted its own, reserving directly against the winning domain
// scheduler over the same transport the domain schedulers share.
//
// The returned childAddress names the domain scheduler that accepted the
// reservation, not a local scheduler reachable from the caller's own
// transport registry; routing a later Bind/UnReserve for a forwarded
// placement back through this domain is a known gap, tracked in DESIGN.md.
func (s *Scheduler) Forward(ctx context.Context, requestID string, req types.ResourceRequest) (string, string, error) {
	if !s.IsLeader() {
		return "", "", errs.New(errs.ParamInvalid, "not the leader, current leader is %s", s.LeaderAddr())
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulingLatency, "global")

	for _, namespaced := range s.view.Candidates(req) {
		i := strings.IndexByte(namespaced, '/')
		if i < 0 {
			continue
		}
		domain, unitID := namespaced[:i], namespaced[i+1:]
		_, err := s.transport.Call(ctx, "ds:"+domain, domainsched.MethodReserve, domainsched.ReserveRequest{
			RequestID: requestID,
			UnitID:    unitID,
			Request:   req,
		})
		if err != nil {
			s.logger.Debug().Str("unit", namespaced).Err(err).Msg("global candidate reservation failed, trying next")
			continue
		}
		metrics.InstancesScheduled.WithLabelValues("global").Inc()
		return unitID, domain, nil
	}
	metrics.InstancesFailed.WithLabelValues("global", "exhausted").Inc()
	return "", "", errs.New(errs.ResourceNotEnough, "no domain could satisfy request %s", requestID)
}
