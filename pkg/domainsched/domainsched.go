// Package domainsched implements the domain scheduler (DS): the mid-tier of
// the scheduler hierarchy. A DS holds an aggregated resource view built
// from its local-scheduler children's periodic reports, picks a candidate
// child for each placement request, drives that child's reserve/bind
// protocol over the shared transport, retries an alternate candidate on
// failure, and forwards upward to the global scheduler once every local
// candidate is exhausted.
package domainsched

import (
	"context"
	"strings"
	"sync"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/heartbeat"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/resourceview"
	"github.com/cuemby/yuanrong/pkg/scheduler"
	"github.com/cuemby/yuanrong/pkg/transport"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/rs/zerolog"
)

// Method names used over transport.Transport between a domain scheduler and
// its local-scheduler children.
const (
	MethodReserve   = "reserve"
	MethodBind      = "bind"
	MethodUnReserve = "unreserve"
	MethodUnBind    = "unbind"
	MethodKillGroup = "killGroup"
	MethodSnapshot  = "snapshot"
)

// ReserveRequest is the Reserve call payload sent to a child local scheduler.
type ReserveRequest struct {
	RequestID string
	UnitID    string
	Request   types.ResourceRequest
}

// BindRequest is the Bind call payload sent to a child local scheduler.
type BindRequest struct {
	RequestID string
	Instance  types.Instance
}

// ForwardFunc escalates a request the domain exhausted its own candidates
// for, to whatever owns the next tier up (the global scheduler).
type ForwardFunc func(ctx context.Context, requestID string, req types.ResourceRequest) (unitID string, childAddress string, err error)

type pendingPlacement struct {
	child  string
	unitID string
}

// Scheduler is one domain scheduler instance.
type Scheduler struct {
	Name      string
	transport transport.Transport

	mu       sync.Mutex
	view     *resourceview.View
	attempts map[string]map[string]bool // requestID -> tried unit IDs
	placed   map[string]pendingPlacement
	bound    map[string]pendingPlacement // instanceID -> child/unit, for UnBind/KillGroup

	driver  *heartbeat.Driver
	forward ForwardFunc
	logger  zerolog.Logger

	decisions *scheduler.DecisionLog
}

// New builds a domain scheduler named name, dispatching to children over t.
func New(name string, t transport.Transport) *Scheduler {
	s := &Scheduler{
		Name:      name,
		transport: t,
		view:      resourceview.New(),
		attempts:  make(map[string]map[string]bool),
		placed:    make(map[string]pendingPlacement),
		bound:     make(map[string]pendingPlacement),
		logger:    log.WithNode(name),
		decisions: scheduler.NewDecisionLog(0),
	}
	s.driver = heartbeat.NewDriver("domain", heartbeat.Config{}, s.onChildLost)
	s.driver.Start()
	return s
}

// Close stops the child-liveness sweep.
func (s *Scheduler) Close() { s.driver.Stop() }

// SetForward installs the escalation hook used once every local candidate
// for a request has been tried and failed.
func (s *Scheduler) SetForward(f ForwardFunc) { s.forward = f }

// RegisterChild starts tracking childName as a schedulable local scheduler,
// reachable at "ls:"+childName over the domain's transport.
func (s *Scheduler) RegisterChild(childName string) {
	s.driver.Ping(childName)
}

// ReportSnapshot merges a child's resource-unit snapshot into the domain's
// aggregated view and refreshes its liveness, mirroring the periodic report
// a local scheduler sends upward alongside its heartbeat.
func (s *Scheduler) ReportSnapshot(childName string, snapshot map[string]resourceview.ResourceUnit) {
	s.view.Merge(childName, snapshot)
	s.driver.Ping(childName)
}

// View exposes the domain's aggregated resource view, e.g. so the global
// scheduler can pull a snapshot to merge into its own aggregated view.
func (s *Scheduler) View() *resourceview.View { return s.view }

func (s *Scheduler) onChildLost(childName string) {
	s.logger.Warn().Str("child", childName).Msg("local scheduler heartbeat lost, marking its units broken")
	for id := range s.view.Snapshot() {
		if strings.HasPrefix(id, childName+"/") {
			_ = s.view.UpdateUnitStatus(id, resourceview.UnitBroken)
		}
	}
}

func splitUnit(namespaced string) (child, unitID string, ok bool) {
	i := strings.IndexByte(namespaced, '/')
	if i < 0 {
		return "", "", false
	}
	return namespaced[:i], namespaced[i+1:], true
}

// Schedule drives the reserve phase for requestID: it tries aggregated
// candidates the request hasn't already failed against, reserving the
// first that accepts; if every local candidate is exhausted it escalates
// via ForwardFunc when one is configured. constraint narrows which child
// hosts are eligible, for gang-scheduling host affinity; its zero value
// considers every candidate.
func (s *Scheduler) Schedule(ctx context.Context, requestID string, req types.ResourceRequest, constraint types.PlacementConstraint) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SchedulingLatency, "domain")

	s.mu.Lock()
	tried := s.attempts[requestID]
	if tried == nil {
		tried = make(map[string]bool)
		s.attempts[requestID] = tried
	}
	s.mu.Unlock()

	for _, namespaced := range s.view.Candidates(req) {
		if tried[namespaced] {
			continue
		}
		child, unitID, ok := splitUnit(namespaced)
		if !ok {
			continue
		}
		if constraint.RequireHost != "" && child != constraint.RequireHost {
			continue
		}
		if _, excluded := constraint.ExcludeHosts[child]; excluded {
			continue
		}
		err := s.callChild(ctx, child, MethodReserve, ReserveRequest{RequestID: requestID, UnitID: unitID, Request: req})
		s.mu.Lock()
		tried[namespaced] = true
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug().Str("unit", namespaced).Err(err).Msg("candidate reservation failed, trying next")
			s.decisions.Record(scheduler.Decision{RequestID: requestID, Candidate: namespaced, Fit: false, Reason: err.Error()})
			continue
		}
		s.mu.Lock()
		s.placed[requestID] = pendingPlacement{child: child, unitID: unitID}
		s.mu.Unlock()
		metrics.InstancesScheduled.WithLabelValues("domain").Inc()
		s.decisions.Record(scheduler.Decision{RequestID: requestID, Candidate: namespaced, Fit: true})
		return namespaced, nil
	}

	if s.forward != nil {
		unitID, childAddr, err := s.forward(ctx, requestID, req)
		if err == nil {
			s.mu.Lock()
			s.placed[requestID] = pendingPlacement{child: childAddr, unitID: unitID}
			s.mu.Unlock()
			s.decisions.Record(scheduler.Decision{RequestID: requestID, Candidate: childAddr + "/" + unitID, Fit: true, Reason: "forwarded"})
			return childAddr + "/" + unitID, nil
		}
		metrics.InstancesFailed.WithLabelValues("domain", "forward_failed").Inc()
		s.decisions.Record(scheduler.Decision{RequestID: requestID, Fit: false, Reason: "forward failed: " + err.Error()})
		return "", err
	}

	metrics.InstancesFailed.WithLabelValues("domain", "exhausted").Inc()
	s.decisions.Record(scheduler.Decision{RequestID: requestID, Fit: false, Reason: "candidates exhausted"})
	return "", errs.New(errs.ResourceNotEnough, "no candidate could satisfy request %s in domain %s", requestID, s.Name)
}

// RecentDecisions returns up to n of this domain's most recently recorded
// placement decisions, for diagnostics.
func (s *Scheduler) RecentDecisions(n int) []scheduler.Decision {
	return s.decisions.Recent(n)
}

// Handler adapts this scheduler to transport.Handler so a parent (the
// global scheduler, escalating a forwarded placement) can drive it over
// transport.Transport. ReserveRequest.UnitID must be the domain-local
// namespaced unit ID ("child/unitID") this scheduler's own view reports.
func (s *Scheduler) Handler() transport.Handler {
	return func(ctx context.Context, method string, req any) (any, error) {
		switch method {
		case MethodReserve:
			r := req.(ReserveRequest)
			child, unitID, ok := splitUnit(r.UnitID)
			if !ok {
				return nil, errs.New(errs.ParamInvalid, "domainsched: malformed unit id %q", r.UnitID)
			}
			if err := s.callChild(ctx, child, MethodReserve, ReserveRequest{RequestID: r.RequestID, UnitID: unitID, Request: r.Request}); err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.placed[r.RequestID] = pendingPlacement{child: child, unitID: unitID}
			s.mu.Unlock()
			return nil, nil
		case MethodBind:
			r := req.(BindRequest)
			return nil, s.Bind(ctx, r.RequestID, r.Instance)
		case MethodUnReserve:
			return nil, s.UnReserve(ctx, req.(string))
		case MethodUnBind:
			return nil, s.UnBind(ctx, req.(string))
		case MethodSnapshot:
			return s.view.Snapshot(), nil
		default:
			return nil, errs.New(errs.ParamInvalid, "domainsched: unknown method %q", method)
		}
	}
}

// Bind commits requestID's reservation on whichever child it landed on.
func (s *Scheduler) Bind(ctx context.Context, requestID string, instance types.Instance) error {
	s.mu.Lock()
	p, ok := s.placed[requestID]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.ParamInvalid, "no placement recorded for request %s", requestID)
	}
	if err := s.callChild(ctx, p.child, MethodBind, BindRequest{RequestID: requestID, Instance: instance}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.placed, requestID)
	s.bound[instance.ID] = p
	delete(s.attempts, requestID)
	s.mu.Unlock()
	return nil
}

// UnReserve cancels requestID's in-flight reservation.
func (s *Scheduler) UnReserve(ctx context.Context, requestID string) error {
	s.mu.Lock()
	p, ok := s.placed[requestID]
	delete(s.placed, requestID)
	delete(s.attempts, requestID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.callChild(ctx, p.child, MethodUnReserve, requestID)
}

// UnBind tears down a previously bound instance.
func (s *Scheduler) UnBind(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	p, ok := s.bound[instanceID]
	delete(s.bound, instanceID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.callChild(ctx, p.child, MethodUnBind, instanceID)
}

func (s *Scheduler) callChild(ctx context.Context, child, method string, req any) error {
	_, err := s.transport.Call(ctx, "ls:"+child, method, req)
	if err != nil {
		return errs.Wrap(errs.InnerCommunication, err, "call %s on %s", method, child)
	}
	return nil
}
