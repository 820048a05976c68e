// Package bundlemgr implements the bundle manager (BM): pre-reserved agent
// slots instances bind into. Bundles form a tree (a parent's resources are
// subdivided among its children); removing a parent cascades through every
// descendant, releasing each one's placement before deleting it. Bundle
// state is persisted in the metadata store so it survives a restart.
package bundlemgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/events"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metastore"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const keyPrefix = "/bundles/"

func bundleKey(id string) string { return keyPrefix + id }

// prefixRangeEnd computes the exclusive upper bound of a prefix scan,
// matching etcd's convention of incrementing the last byte.
func prefixRangeEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return "" // prefix is all 0xff bytes: no upper bound
}

// Placer is the subset of a local scheduler's protocol the bundle manager
// drives directly: a bundle reserves and binds against one specific unit,
// never searching candidates itself.
type Placer interface {
	Reserve(ctx context.Context, requestID, unitID string, req types.ResourceRequest) error
	Bind(ctx context.Context, requestID string, instance types.Instance) error
	UnReserve(ctx context.Context, requestID string) error
	UnBind(ctx context.Context, instanceID string) error
}

// Manager owns the bundle tree for one local scheduler's agents.
type Manager struct {
	store  *metastore.Store
	placer Placer
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	bundles map[string]*types.Bundle
}

// New builds a bundle manager persisting into store and placing instances
// via placer. Call Load to hydrate from a prior run's persisted state.
func New(store *metastore.Store, placer Placer, broker *events.Broker) *Manager {
	return &Manager{
		store:   store,
		placer:  placer,
		broker:  broker,
		logger:  log.WithComponent("bundlemgr"),
		bundles: make(map[string]*types.Bundle),
	}
}

// Load hydrates the in-memory bundle cache from every persisted bundle key,
// e.g. after a process restart.
func (m *Manager) Load() error {
	resp, err := m.store.Range(metastore.RangeRequest{Key: keyPrefix, RangeEnd: prefixRangeEnd(keyPrefix)})
	if err != nil {
		return errs.Wrap(errs.EtcdOperationError, err, "load bundles")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range resp.Kvs {
		var b types.Bundle
		if err := json.Unmarshal(kv.Value, &b); err != nil {
			return errs.Wrap(errs.EtcdOperationError, err, "decode bundle %s", kv.Key)
		}
		cp := b
		m.bundles[b.ID] = &cp
	}
	return nil
}

func (m *Manager) persist(b *types.Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return errs.Wrap(errs.ParamInvalid, err, "marshal bundle %s", b.ID)
	}
	if _, err := m.store.Put(metastore.PutRequest{Key: bundleKey(b.ID), Value: data}); err != nil {
		return errs.Wrap(errs.EtcdOperationError, err, "persist bundle %s", b.ID)
	}
	return nil
}

func (m *Manager) remove(id string) error {
	if _, err := m.store.DeleteRange(metastore.DeleteRangeRequest{Key: bundleKey(id)}); err != nil {
		return errs.Wrap(errs.EtcdOperationError, err, "delete bundle %s", id)
	}
	return nil
}

func (m *Manager) publish(t events.EventType, bundleID string) {
	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: t, Message: bundleID})
	}
}

// ReserveBundle reserves req against unitID and records a new bundle, linked
// under parentID when it is non-empty. A non-empty parentID that names no
// existing bundle is rejected with PARAM_INVALID.
func (m *Manager) ReserveBundle(ctx context.Context, unitID string, req types.ResourceRequest, parentID string) (types.Bundle, error) {
	if parentID != "" {
		m.mu.Lock()
		_, ok := m.bundles[parentID]
		m.mu.Unlock()
		if !ok {
			return types.Bundle{}, errs.New(errs.ParamInvalid, "unknown parent bundle %q", parentID)
		}
	}

	id := uuid.NewString()
	if err := m.placer.Reserve(ctx, id, unitID, req); err != nil {
		return types.Bundle{}, err
	}

	bundle := &types.Bundle{
		ID:        id,
		ParentID:  parentID,
		UnitID:    unitID,
		Request:   req,
		Status:    types.BundleReserved,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if parentID != "" {
		if parent, ok := m.bundles[parentID]; ok {
			parent.Children = append(parent.Children, id)
			m.mu.Unlock()
			if err := m.persist(parent); err != nil {
				m.logger.Error().Err(err).Str("bundle_id", parentID).Msg("failed to persist parent's child link")
			}
			m.mu.Lock()
		}
	}
	m.bundles[id] = bundle
	m.mu.Unlock()

	if err := m.persist(bundle); err != nil {
		return types.Bundle{}, err
	}
	m.publish(events.EventBundleCreated, id)
	return *bundle, nil
}

// BindBundle commits instance into a reserved bundle's slot.
func (m *Manager) BindBundle(ctx context.Context, bundleID string, instance types.Instance) error {
	m.mu.Lock()
	bundle, ok := m.bundles[bundleID]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.ParamInvalid, "unknown bundle %q", bundleID)
	}

	instance.UnitID = bundle.UnitID
	instance.Request = bundle.Request
	instance.BundleID = bundleID
	if err := m.placer.Bind(ctx, bundleID, instance); err != nil {
		return err
	}

	m.mu.Lock()
	bundle.Status = types.BundleBound
	bundle.InstanceID = instance.ID
	m.mu.Unlock()
	return m.persist(bundle)
}

// UnBindBundle releases a bundle's bound instance, returning the slot to
// Reserved so a later bind can reuse it without a fresh placement.
func (m *Manager) UnBindBundle(ctx context.Context, bundleID string) error {
	m.mu.Lock()
	bundle, ok := m.bundles[bundleID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if bundle.Status != types.BundleBound {
		return nil
	}
	if err := m.placer.UnBind(ctx, bundle.InstanceID); err != nil {
		return err
	}

	m.mu.Lock()
	bundle.Status = types.BundleReserved
	bundle.InstanceID = ""
	m.mu.Unlock()
	return m.persist(bundle)
}

// RemoveBundle releases bundleID's placement and every descendant's,
// cascading depth-first, then deletes them all from the store.
func (m *Manager) RemoveBundle(ctx context.Context, bundleID string) error {
	m.mu.Lock()
	bundle, ok := m.bundles[bundleID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	for _, childID := range append([]string{}, bundle.Children...) {
		if err := m.RemoveBundle(ctx, childID); err != nil {
			return err
		}
	}

	var releaseErr error
	if bundle.Status == types.BundleBound {
		releaseErr = m.placer.UnBind(ctx, bundle.InstanceID)
	} else {
		releaseErr = m.placer.UnReserve(ctx, bundleID)
	}
	if releaseErr != nil {
		return errs.Wrap(errs.InnerSystemError, releaseErr, "release bundle %s", bundleID)
	}

	m.mu.Lock()
	delete(m.bundles, bundleID)
	if bundle.ParentID != "" {
		if parent, ok := m.bundles[bundle.ParentID]; ok {
			parent.Children = removeString(parent.Children, bundleID)
		}
	}
	m.mu.Unlock()

	if err := m.remove(bundleID); err != nil {
		return err
	}
	m.publish(events.EventBundleRemoved, bundleID)
	return nil
}

// OnAgentBroken removes every top-level bundle placed on unitID, together
// with its descendants, e.g. after a heartbeat-driven eviction, and returns
// the removed top-level bundle IDs. A child bundle placed on unitID whose
// parent is on another unit is not removed.
func (m *Manager) OnAgentBroken(ctx context.Context, unitID string) []string {
	m.mu.Lock()
	var affected []string
	for id, b := range m.bundles {
		if b.UnitID == unitID && b.ParentID == "" {
			affected = append(affected, id)
		}
	}
	m.mu.Unlock()

	var removed []string
	for _, id := range affected {
		if err := m.RemoveBundle(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("bundle_id", id).Str("unit_id", unitID).Msg("failed to remove bundle for broken agent")
			continue
		}
		removed = append(removed, id)
	}
	return removed
}

// Bundle returns a bundle's current record.
func (m *Manager) Bundle(id string) (types.Bundle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[id]
	if !ok {
		return types.Bundle{}, false
	}
	return *b, true
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
