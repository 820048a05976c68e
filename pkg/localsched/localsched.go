// Package localsched implements the local scheduler (LS): the leaf of the
// scheduler hierarchy, owning the resource view for the function agents on
// its host and executing the reserve/bind/unreserve/unbind protocol a
// domain scheduler drives against it.
package localsched

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/yuanrong/pkg/domainsched"
	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/events"
	"github.com/cuemby/yuanrong/pkg/funcagent"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/placement"
	"github.com/cuemby/yuanrong/pkg/resourceview"
	"github.com/cuemby/yuanrong/pkg/scheduler"
	"github.com/cuemby/yuanrong/pkg/transport"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/rs/zerolog"
)

// instanceKey and instanceRouteKey are the MS keys a local scheduler owns:
// the instance placement record (reserved through released) and, once
// bound, the route record a caller uses to find which unit an instance
// landed on without replaying the whole reserve/bind exchange.
func instanceKey(requestID string) string      { return "/sn/instance/" + requestID }
func instanceRouteKey(instanceID string) string { return "/sn/instance-route/" + instanceID }

// instanceRecord is the persisted shape of a local scheduler's own view of
// one placement, independent of the full types.Instance (which the caller,
// not the local scheduler, owns the authoritative copy of).
type instanceRecord struct {
	State   types.InstanceState   `json:"state"`
	UnitID  string                `json:"unitId"`
	Request types.ResourceRequest `json:"request"`
}

// routeRecord maps a bound instance back to the scheduler and unit hosting
// it.
type routeRecord struct {
	Scheduler string `json:"scheduler"`
	UnitID    string `json:"unitId"`
}

// Handler adapts this scheduler to transport.Handler so a parent domain
// scheduler can drive it over transport.Transport instead of holding a
// direct reference. It understands the wire method names and payload
// types pkg/domainsched dispatches with.
func (s *Scheduler) Handler() transport.Handler {
	return func(ctx context.Context, method string, req any) (any, error) {
		switch method {
		case domainsched.MethodReserve:
			r := req.(domainsched.ReserveRequest)
			return nil, s.Reserve(ctx, r.RequestID, r.UnitID, r.Request)
		case domainsched.MethodBind:
			r := req.(domainsched.BindRequest)
			return nil, s.Bind(ctx, r.RequestID, r.Instance)
		case domainsched.MethodUnReserve:
			return nil, s.UnReserve(ctx, req.(string))
		case domainsched.MethodUnBind:
			return nil, s.UnBind(ctx, req.(string))
		case domainsched.MethodKillGroup:
			return nil, s.KillGroup(ctx, req.(string))
		case domainsched.MethodSnapshot:
			return s.view.Snapshot(), nil
		default:
			return nil, errs.New(errs.ParamInvalid, "localsched: unknown method %q", method)
		}
	}
}

type pendingReservation struct {
	unitID  string
	request types.ResourceRequest
}

// Scheduler is one local scheduler instance, responsible for every resource
// unit (function agent) on its host.
type Scheduler struct {
	Name string

	mu       sync.Mutex
	view     *resourceview.View
	agents   map[string]*funcagent.Agent
	instances map[string]types.Instance
	pending   map[string]pendingReservation

	table  *placement.Table
	store  *metastore.Store
	broker *events.Broker
	logger zerolog.Logger

	decisions *scheduler.DecisionLog
}

// New builds a local scheduler named name. broker may be nil if the caller
// doesn't want lifecycle events published.
func New(name string, broker *events.Broker) *Scheduler {
	s := &Scheduler{
		Name:      name,
		view:      resourceview.New(),
		agents:    make(map[string]*funcagent.Agent),
		instances: make(map[string]types.Instance),
		pending:   make(map[string]pendingReservation),
		broker:    broker,
		logger:    log.WithNode(name),
		decisions: scheduler.NewDecisionLog(0),
	}
	s.table = placement.New(placement.DefaultTTL, s.rollback)
	return s
}

// RecentDecisions returns up to n of this scheduler's most recently
// recorded placement decisions, for diagnostics.
func (s *Scheduler) RecentDecisions(n int) []scheduler.Decision {
	return s.decisions.Recent(n)
}

// SetStore attaches the metadata store this scheduler persists its instance
// and route records into. A nil store (the default) disables persistence.
func (s *Scheduler) SetStore(store *metastore.Store) {
	s.store = store
}

func (s *Scheduler) persistInstance(requestID string, rec instanceRecord) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to marshal instance record")
		return
	}
	if _, err := s.store.Put(metastore.PutRequest{Key: instanceKey(requestID), Value: data}); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to persist instance record")
	}
}

func (s *Scheduler) deleteInstanceRecord(requestID string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.DeleteRange(metastore.DeleteRangeRequest{Key: instanceKey(requestID)}); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to delete instance record")
	}
}

func (s *Scheduler) persistRoute(instanceID, unitID string) {
	if s.store == nil {
		return
	}
	data, err := json.Marshal(routeRecord{Scheduler: s.Name, UnitID: unitID})
	if err != nil {
		s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to marshal route record")
		return
	}
	if _, err := s.store.Put(metastore.PutRequest{Key: instanceRouteKey(instanceID), Value: data}); err != nil {
		s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to persist route record")
	}
}

func (s *Scheduler) deleteRoute(instanceID string) {
	if s.store == nil {
		return
	}
	if _, err := s.store.DeleteRange(metastore.DeleteRangeRequest{Key: instanceRouteKey(instanceID)}); err != nil {
		s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to delete route record")
	}
}

// AddUnit registers a function agent's resource unit and its deploy/kill
// bridge as schedulable on this host.
func (s *Scheduler) AddUnit(unitID string, capacity map[string]resourceview.Value, labels map[string]string, agent *funcagent.Agent) {
	s.view.AddUnit(unitID, capacity, labels)
	s.mu.Lock()
	s.agents[unitID] = agent
	s.mu.Unlock()
	agent.OnUnhealthy(s.onInstanceUnhealthy)
}

// onInstanceUnhealthy marks instanceID unhealthy and publishes
// EventInstanceFailed. It does not evict or rebind the instance; that
// decision belongs to whatever consumes the event.
func (s *Scheduler) onInstanceUnhealthy(instanceID string) {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if ok {
		inst.State = types.InstanceUnhealthy
		s.instances[instanceID] = inst
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn().Str("instance_id", instanceID).Msg("instance failed health check")
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventInstanceFailed, Message: instanceID})
	}
}

// EvictAgent marks a unit broken (e.g. on a heartbeat loss) and returns the
// instance IDs that were bound to it, for the caller to reschedule
// elsewhere; their local bookkeeping is cleared here since the agent
// hosting them is presumed gone.
func (s *Scheduler) EvictAgent(unitID string) []string {
	_ = s.view.UpdateUnitStatus(unitID, resourceview.UnitBroken)

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, inst := range s.instances {
		if inst.UnitID == unitID {
			evicted = append(evicted, id)
			delete(s.instances, id)
		}
	}
	delete(s.agents, unitID)
	s.view.DeleteUnit(unitID)
	return evicted
}

// View exposes the scheduler's resource view, e.g. so a domain scheduler
// can pull a snapshot to merge into its aggregated view.
func (s *Scheduler) View() *resourceview.View { return s.view }

// Reserve provisionally holds req on unitID under requestID, starting the
// reservation-timeout clock. Callers must Bind or UnReserve before the
// timeout to avoid an automatic rollback.
func (s *Scheduler) Reserve(ctx context.Context, requestID, unitID string, req types.ResourceRequest) error {
	if requestID == "" || unitID == "" {
		return errs.New(errs.ParamInvalid, "reserve requires requestID and unitID")
	}
	if err := s.view.Reserve(unitID, req); err != nil {
		s.decisions.Record(scheduler.Decision{RequestID: requestID, Candidate: unitID, Fit: false, Reason: err.Error()})
		return err
	}
	s.mu.Lock()
	s.pending[requestID] = pendingReservation{unitID: unitID, request: req}
	s.mu.Unlock()
	s.table.Reserve(requestID)
	s.persistInstance(requestID, instanceRecord{State: types.InstanceReserved, UnitID: unitID, Request: req})
	s.decisions.Record(scheduler.Decision{RequestID: requestID, Candidate: unitID, Fit: true})
	return nil
}

func (s *Scheduler) rollback(requestID string) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.ReservationTimeouts.Inc()
	if err := s.view.Unreserve(p.unitID, p.request); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to roll back timed-out reservation")
	}
	s.deleteInstanceRecord(requestID)
	s.logger.Warn().Str("request_id", requestID).Str("unit_id", p.unitID).Msg("reservation timed out, rolled back")
}

// Bind commits a pending reservation: the instance is deployed onto its
// reserved unit's function agent and the allocation becomes permanent.
func (s *Scheduler) Bind(ctx context.Context, requestID string, instance types.Instance) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	agent := s.agents[p.unitID]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.ParamInvalid, "no pending reservation for request %s", requestID)
	}
	if agent == nil {
		return errs.New(errs.InnerSystemError, "no function agent for unit %s", p.unitID)
	}

	instance.UnitID = p.unitID
	instance.Request = p.request
	instance.RequestID = requestID
	if err := agent.DeployInstance(ctx, instance); err != nil {
		return err
	}
	if err := s.view.Bind(p.unitID, p.request); err != nil {
		_ = agent.KillInstance(ctx, instance.ID)
		return err
	}
	s.table.Bind(requestID)

	instance.State = types.InstanceBound
	s.mu.Lock()
	delete(s.pending, requestID)
	s.instances[instance.ID] = instance
	s.mu.Unlock()

	s.persistInstance(requestID, instanceRecord{State: types.InstanceBound, UnitID: p.unitID, Request: p.request})
	s.persistRoute(instance.ID, p.unitID)

	metrics.InstancesScheduled.WithLabelValues("local").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventInstanceBound, Message: instance.ID})
	}
	return nil
}

// UnReserve cancels a pending reservation without rolling it back
// automatically via the timeout path.
func (s *Scheduler) UnReserve(ctx context.Context, requestID string) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.table.Cancel(requestID)
	s.deleteInstanceRecord(requestID)
	return s.view.Unreserve(p.unitID, p.request)
}

// UnBind kills a bound instance and releases its allocation.
func (s *Scheduler) UnBind(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	delete(s.instances, instanceID)
	agent := s.agents[inst.UnitID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if agent != nil {
		if err := agent.KillInstance(ctx, instanceID); err != nil {
			return err
		}
	}
	if err := s.view.Unbind(inst.UnitID, inst.Request); err != nil {
		return err
	}
	s.deleteInstanceRecord(inst.RequestID)
	s.deleteRoute(instanceID)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventInstanceReleased, Message: instanceID})
	}
	return nil
}

// KillGroup tears down every instance belonging to groupID, used when a
// gang-scheduled group is released or rolled back.
func (s *Scheduler) KillGroup(ctx context.Context, groupID string) error {
	s.mu.Lock()
	var members []string
	for id, inst := range s.instances {
		if inst.GroupID == groupID {
			members = append(members, id)
		}
	}
	s.mu.Unlock()

	for _, id := range members {
		if err := s.UnBind(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Instance returns a bound instance's current record.
func (s *Scheduler) Instance(id string) (types.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}
