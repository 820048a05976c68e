// Package groupctrl implements the group controller (GC): the gang-
// scheduling admission gate. It drives a Placer's reserve/bind protocol for
// every member of a Group, admitting the group only when each member type
// clears its minimum count, and rolls back every reservation it made the
// moment any member type cannot.
package groupctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/events"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/cuemby/yuanrong/pkg/scheduler"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Placer is the subset of a scheduler (domainsched.Scheduler in practice)
// the group controller needs to reserve, bind and tear down instances. It is
// defined here, at the consumer, so groupctrl stays decoupled from any one
// scheduler tier's concrete type.
type Placer interface {
	Schedule(ctx context.Context, requestID string, req types.ResourceRequest, constraint types.PlacementConstraint) (unitAddress string, err error)
	Bind(ctx context.Context, requestID string, instance types.Instance) error
	UnReserve(ctx context.Context, requestID string) error
	UnBind(ctx context.Context, instanceID string) error
}

// instanceKeyPrefix mirrors the key space pkg/localsched persists scheduling
// records under: a group's per-request pre-schedule placeholder and a local
// scheduler's later reserve/bind of that same request share one key.
const instanceKeyPrefix = "/sn/instance/"

const groupKeyPrefix = "/yr/group/"

func groupKey(groupID string) string { return groupKeyPrefix + groupID }

// memberScheduleRecord is the placeholder (state InstanceReserved) the controller
// writes for every member instance it is about to attempt, before any
// reservation is made.
type memberScheduleRecord struct {
	State   types.InstanceState `json:"state"`
	GroupID string              `json:"groupId"`
	Member  string              `json:"member"`
}

type reservation struct {
	requestID string
	member    types.MemberRequest
	unit      string
}

// Controller is the group admission gate for one scheduler tier.
type Controller struct {
	placer Placer
	store  *metastore.Store
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	groups map[string]*types.Group

	decisions *scheduler.DecisionLog
}

// New builds a group controller driving placer, publishing lifecycle events
// to broker (may be nil).
func New(placer Placer, broker *events.Broker) *Controller {
	return &Controller{
		placer:    placer,
		broker:    broker,
		logger:    log.WithComponent("groupctrl"),
		groups:    make(map[string]*types.Group),
		decisions: scheduler.NewDecisionLog(0),
	}
}

// SetStore attaches the metadata store the controller persists group
// records and per-member scheduling transitions into. A nil store (the
// default) disables persistence; groups then live only in memory.
func (c *Controller) SetStore(store *metastore.Store) {
	c.store = store
}

// RecentDecisions returns up to n of this controller's most recently
// recorded group-admission outcomes, for diagnostics.
func (c *Controller) RecentDecisions(n int) []scheduler.Decision {
	return c.decisions.Recent(n)
}

func (c *Controller) publish(t events.EventType, message string) {
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: t, Message: message})
	}
}

// AdmitGroup reserves and binds every member of group, in an all-or-nothing
// commit: if any member type cannot reach its Min count, or any accepted
// reservation fails to bind, every reservation and bind this call made is
// rolled back and the group is recorded as Failed.
func (c *Controller) AdmitGroup(ctx context.Context, group types.Group) (types.Group, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GroupScheduleDuration)

	if group.ID == "" {
		group.ID = uuid.NewString()
	}

	if err := validateGroup(group); err != nil {
		c.decisions.Record(scheduler.Decision{RequestID: group.ID, Fit: false, Reason: err.Error()})
		return group, err
	}

	group.State = types.GroupPending
	requestIDs := c.preScheduleInstances(group)
	c.persistGroup(group)

	reservations, err := c.reserveMembers(ctx, group)
	if err != nil {
		c.rollbackReservations(ctx, reservations)
		c.forceDeleteUnscheduled(requestIDs, reservations)
		group.State = types.GroupFailed
		c.persistGroup(group)
		c.publish(events.EventGroupFailed, group.ID)
		metrics.GroupsTotal.WithLabelValues(string(types.GroupFailed)).Inc()
		c.decisions.Record(scheduler.Decision{RequestID: group.ID, Fit: false, Reason: err.Error()})
		return group, err
	}

	instances, err := c.bindReservations(ctx, group, reservations)
	if err != nil {
		c.forceDeleteUnscheduled(requestIDs, reservations)
		group.State = types.GroupFailed
		c.persistGroup(group)
		c.publish(events.EventGroupFailed, group.ID)
		metrics.GroupsTotal.WithLabelValues(string(types.GroupFailed)).Inc()
		c.decisions.Record(scheduler.Decision{RequestID: group.ID, Fit: false, Reason: err.Error()})
		return group, err
	}

	group.State = types.GroupBound
	group.Instances = instances
	c.mu.Lock()
	c.groups[group.ID] = &group
	c.mu.Unlock()
	c.persistGroup(group)

	metrics.GroupsTotal.WithLabelValues(string(types.GroupBound)).Inc()
	c.publish(events.EventGroupBound, group.ID)
	c.decisions.Record(scheduler.Decision{RequestID: group.ID, Fit: true, Reason: fmt.Sprintf("%d instances bound", len(instances))})
	c.logger.Info().Str("group_id", group.ID).Int("instances", len(instances)).Msg("group admitted")
	return group, nil
}

// preScheduleInstances writes a memberScheduleRecord placeholder for every request id
// this group is about to attempt, ahead of any reservation, and returns the
// full list of request ids so a later failure knows which ones to
// force-delete.
func (c *Controller) preScheduleInstances(group types.Group) []string {
	var ids []string
	for _, member := range group.Members {
		for i := 0; i < member.Max; i++ {
			ids = append(ids, fmt.Sprintf("%s-%s-%d", group.ID, member.Name, i))
		}
	}
	if c.store == nil {
		return ids
	}
	for _, member := range group.Members {
		for i := 0; i < member.Max; i++ {
			requestID := fmt.Sprintf("%s-%s-%d", group.ID, member.Name, i)
			rec, err := json.Marshal(memberScheduleRecord{State: types.InstanceReserved, GroupID: group.ID, Member: member.Name})
			if err != nil {
				continue
			}
			if _, err := c.store.Put(metastore.PutRequest{Key: instanceKeyPrefix + requestID, Value: rec}); err != nil {
				c.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to persist pre-schedule record")
			}
		}
	}
	return ids
}

// forceDeleteUnscheduled removes the pre-schedule placeholder for every
// request id that never reached a reservation attempt, once the group as a
// whole has failed.
func (c *Controller) forceDeleteUnscheduled(all []string, reserved []reservation) {
	if c.store == nil {
		return
	}
	attempted := make(map[string]bool, len(reserved))
	for _, r := range reserved {
		attempted[r.requestID] = true
	}
	for _, id := range all {
		if attempted[id] {
			continue
		}
		if _, err := c.store.DeleteRange(metastore.DeleteRangeRequest{Key: instanceKeyPrefix + id}); err != nil {
			c.logger.Warn().Err(err).Str("request_id", id).Msg("failed to force-delete unscheduled instance record")
		}
	}
}

func (c *Controller) persistGroup(group types.Group) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(group)
	if err != nil {
		c.logger.Warn().Err(err).Str("group_id", group.ID).Msg("failed to marshal group record")
		return
	}
	if _, err := c.store.Put(metastore.PutRequest{Key: groupKey(group.ID), Value: data}); err != nil {
		c.logger.Warn().Err(err).Str("group_id", group.ID).Msg("failed to persist group record")
	}
}

// hostOf extracts the host portion of a namespaced unit address
// ("host/unitID"), or returns the address unchanged if it carries no host
// separator.
func hostOf(unitAddress string) string {
	if i := strings.IndexByte(unitAddress, '/'); i >= 0 {
		return unitAddress[:i]
	}
	return unitAddress
}

// softPolicy reports whether policy is a preference rather than a hard
// requirement: PACK and SPREAD fall back to an unconstrained placement
// when their preferred host can't be honored, where STRICT_PACK and
// STRICT_SPREAD fail the group instead.
func softPolicy(policy types.GroupPolicy) bool {
	return policy == types.PolicyPack || policy == types.PolicySpread
}

// buildConstraint derives the placement constraint a policy implies given
// what has already landed: STRICT_PACK/PACK pin every subsequent member to
// the first host a reservation landed on; STRICT_SPREAD/SPREAD steer
// subsequent members away from hosts already used.
func buildConstraint(policy types.GroupPolicy, pinnedHost string, usedHosts map[string]struct{}) types.PlacementConstraint {
	switch policy {
	case types.PolicyStrictPack, types.PolicyPack:
		if pinnedHost != "" {
			return types.PlacementConstraint{RequireHost: pinnedHost}
		}
	case types.PolicyStrictSpread, types.PolicySpread:
		if len(usedHosts) > 0 {
			excl := make(map[string]struct{}, len(usedHosts))
			for h := range usedHosts {
				excl[h] = struct{}{}
			}
			return types.PlacementConstraint{ExcludeHosts: excl}
		}
	}
	return types.PlacementConstraint{}
}

// admittedCount snaps achieved down to the nearest Min + k*Step boundary,
// for range (elastic) member requests; step <= 1 means every count between
// min and max is acceptable and achieved passes through unchanged.
func admittedCount(min, step, achieved int) int {
	if achieved < min || step <= 1 {
		return achieved
	}
	extra := achieved - min
	return min + (extra/step)*step
}

// reserveMembers reserves each member type up to its Max count, requiring at
// least Min successful reservations per member type before moving on to the
// next. It returns every reservation made so far even when it ultimately
// errors, so the caller can roll them all back. Host affinity (PACK/
// STRICT_PACK/SPREAD/STRICT_SPREAD) is enforced across the whole group, not
// just within one member type: the first host a reservation lands on pins
// (or excludes, for spread policies) every reservation made after it.
func (c *Controller) reserveMembers(ctx context.Context, group types.Group) ([]reservation, error) {
	var reserved []reservation
	pinnedHost := ""
	usedHosts := make(map[string]struct{})

	for _, member := range group.Members {
		var memberReservations []reservation
		for i := 0; i < member.Max; i++ {
			requestID := fmt.Sprintf("%s-%s-%d", group.ID, member.Name, i)
			constraint := buildConstraint(group.Policy, pinnedHost, usedHosts)
			unit, err := c.placer.Schedule(ctx, requestID, member.Request, constraint)
			if err != nil && softPolicy(group.Policy) && !constraint.IsZero() {
				unit, err = c.placer.Schedule(ctx, requestID, member.Request, types.PlacementConstraint{})
			}
			if err != nil {
				break
			}
			host := hostOf(unit)
			if pinnedHost == "" && (group.Policy == types.PolicyStrictPack || group.Policy == types.PolicyPack) {
				pinnedHost = host
			}
			usedHosts[host] = struct{}{}
			memberReservations = append(memberReservations, reservation{requestID: requestID, member: member, unit: unit})
		}

		admitted := admittedCount(member.Min, member.Step, len(memberReservations))
		if admitted < member.Min {
			reserved = append(reserved, memberReservations...)
			return reserved, errs.New(errs.GroupScheduleFailed, "group %s: member %q admitted %d of min %d", group.ID, member.Name, len(memberReservations), member.Min)
		}
		if admitted < len(memberReservations) {
			c.rollbackReservations(ctx, memberReservations[admitted:])
			memberReservations = memberReservations[:admitted]
		}
		reserved = append(reserved, memberReservations...)
	}
	return reserved, nil
}

// bindReservations commits every reservation into a bound instance. On the
// first bind failure it unbinds whatever it already bound and unreserves
// whatever it hadn't gotten to yet, then returns the error.
func (c *Controller) bindReservations(ctx context.Context, group types.Group, reservations []reservation) ([]string, error) {
	var bound []string
	for i, r := range reservations {
		instance := types.Instance{
			ID:        uuid.NewString(),
			RequestID: r.requestID,
			Function:  r.member.Function,
			GroupID:   group.ID,
			State:     types.InstanceBound,
		}
		if err := c.placer.Bind(ctx, r.requestID, instance); err != nil {
			for _, id := range bound {
				_ = c.placer.UnBind(ctx, id)
			}
			c.rollbackReservations(ctx, reservations[i:])
			return nil, errs.Wrap(errs.GroupScheduleFailed, err, "group %s: bind member %q", group.ID, r.member.Name)
		}
		bound = append(bound, instance.ID)
	}
	return bound, nil
}

func (c *Controller) rollbackReservations(ctx context.Context, reservations []reservation) {
	for _, r := range reservations {
		if err := c.placer.UnReserve(ctx, r.requestID); err != nil {
			c.logger.Warn().Err(err).Str("request_id", r.requestID).Msg("failed to roll back group reservation")
		}
	}
}

// ReleaseGroup tears down every instance bound to groupID and forgets it.
func (c *Controller) ReleaseGroup(ctx context.Context, groupID string) error {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	delete(c.groups, groupID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	for _, id := range group.Instances {
		if err := c.placer.UnBind(ctx, id); err != nil {
			return errs.Wrap(errs.InnerSystemError, err, "release group %s: unbind instance %s", groupID, id)
		}
	}
	if c.store != nil {
		if _, err := c.store.DeleteRange(metastore.DeleteRangeRequest{Key: groupKey(groupID)}); err != nil {
			c.logger.Warn().Err(err).Str("group_id", groupID).Msg("failed to delete group record")
		}
	}
	c.publish(events.EventGroupReleased, groupID)
	return nil
}

// Group returns a previously admitted group's current record.
func (c *Controller) Group(groupID string) (types.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return types.Group{}, false
	}
	return *g, true
}
