// Package resourceview tracks per-host resource capacity and allocation for
// the scheduling control plane. A View holds one ResourceUnit per worker
// host; domain and global schedulers hold an aggregated View built by
// merging their children's views (Merge), giving them enough information to
// pick candidates without round-tripping to every leaf on every request.
package resourceview

import (
	"sync"
	"time"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/types"
)

// UnitStatus is the admission state of a resource unit.
type UnitStatus string

const (
	UnitHealthy  UnitStatus = "healthy"
	UnitDraining UnitStatus = "draining"
	UnitBroken   UnitStatus = "broken"
)

// ResourceUnit is one host's capacity, current allocation (bound instances)
// and current reservation (provisional holds from an in-flight two-phase
// placement) for every named resource it offers.
type ResourceUnit struct {
	ID        string
	Labels    map[string]string
	Capacity  map[string]Value
	Allocated map[string]Value
	Reserved  map[string]Value
	Status    UnitStatus
	Revision  uint64
	UpdatedAt time.Time
}

func newUnit(id string, capacity map[string]Value, labels map[string]string) *ResourceUnit {
	return &ResourceUnit{
		ID:        id,
		Labels:    labels,
		Capacity:  cloneValueMap(capacity),
		Allocated: make(map[string]Value),
		Reserved:  make(map[string]Value),
		Status:    UnitHealthy,
		UpdatedAt: time.Now(),
	}
}

func cloneValueMap(m map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// fits reports whether capacity minus current allocation and reservation
// can still satisfy every resource named in req.
func (u *ResourceUnit) fits(req types.ResourceRequest) bool {
	for name, amt := range req {
		cap, ok := u.Capacity[name]
		if !ok {
			return false
		}
		used, err := zeroOrSelf(u.Allocated[name], cap).Add(zeroOrSelf(u.Reserved[name], cap))
		if err != nil {
			return false
		}
		remaining, err := cap.Sub(used)
		if err != nil {
			return false
		}
		if !remaining.Fits(Scalar(amt)) {
			return false
		}
	}
	return true
}

func zeroOrSelf(v Value, like Value) Value {
	if v == nil {
		switch like.(type) {
		case Vector:
			return Vector{}
		case Set:
			return Set{}
		default:
			return Scalar(0)
		}
	}
	return v
}

// View is the mutable collection of ResourceUnits owned by one scheduler
// tier (a local scheduler's own hosts, or a domain/global scheduler's
// aggregated view of its children).
type View struct {
	mu       sync.RWMutex
	units    map[string]*ResourceUnit
	handlers []ChangeHandler
}

// ChangeHandler is invoked after a unit is added, removed or mutated, so a
// parent tier can propagate the change into its own aggregated view.
type ChangeHandler func(unitID string)

// New builds an empty View.
func New() *View {
	return &View{units: make(map[string]*ResourceUnit)}
}

// OnChange registers a callback fired after every mutation.
func (v *View) OnChange(h ChangeHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers = append(v.handlers, h)
}

func (v *View) notify(unitID string) {
	for _, h := range v.handlers {
		h(unitID)
	}
}

// AddUnit registers a new resource unit with the given capacity, replacing
// any prior entry with the same ID.
func (v *View) AddUnit(id string, capacity map[string]Value, labels map[string]string) {
	v.mu.Lock()
	v.units[id] = newUnit(id, capacity, labels)
	v.mu.Unlock()
	v.notify(id)
}

// DeleteUnit removes a resource unit entirely.
func (v *View) DeleteUnit(id string) {
	v.mu.Lock()
	delete(v.units, id)
	v.mu.Unlock()
	v.notify(id)
}

// Unit returns a copy of the named unit's current state.
func (v *View) Unit(id string) (ResourceUnit, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	u, ok := v.units[id]
	if !ok {
		return ResourceUnit{}, false
	}
	return *u, true
}

// UpdateUnitStatus transitions a unit's admission state (e.g. into draining
// ahead of a planned eviction, or broken after a heartbeat loss).
func (v *View) UpdateUnitStatus(id string, status UnitStatus) error {
	v.mu.Lock()
	u, ok := v.units[id]
	if !ok {
		v.mu.Unlock()
		return errs.New(errs.ParamInvalid, "unknown resource unit %q", id)
	}
	u.Status = status
	u.Revision++
	u.UpdatedAt = time.Now()
	v.mu.Unlock()
	v.notify(id)
	return nil
}

// Candidates returns the IDs of healthy units that can currently fit req,
// in no particular order; callers apply their own ranking/affinity policy.
func (v *View) Candidates(req types.ResourceRequest) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	for id, u := range v.units {
		if u.Status != UnitHealthy {
			continue
		}
		if u.fits(req) {
			out = append(out, id)
		}
	}
	return out
}

// Reserve provisionally holds req against unitID ahead of a bind, returning
// RESOURCE_NOT_ENOUGH if the unit can no longer fit the request.
func (v *View) Reserve(unitID string, req types.ResourceRequest) error {
	v.mu.Lock()
	u, ok := v.units[unitID]
	if !ok {
		v.mu.Unlock()
		return errs.New(errs.ParamInvalid, "unknown resource unit %q", unitID)
	}
	if u.Status != UnitHealthy || !u.fits(req) {
		v.mu.Unlock()
		return errs.New(errs.ResourceNotEnough, "unit %q cannot fit request", unitID)
	}
	addRequestInto(u.Reserved, req)
	u.Revision++
	u.UpdatedAt = time.Now()
	v.mu.Unlock()
	v.notify(unitID)
	return nil
}

// Unreserve releases a previously held reservation, e.g. on rollback or
// reservation timeout.
func (v *View) Unreserve(unitID string, req types.ResourceRequest) error {
	v.mu.Lock()
	u, ok := v.units[unitID]
	if !ok {
		v.mu.Unlock()
		return errs.New(errs.ParamInvalid, "unknown resource unit %q", unitID)
	}
	subRequestFrom(u.Reserved, req)
	u.Revision++
	u.UpdatedAt = time.Now()
	v.mu.Unlock()
	v.notify(unitID)
	return nil
}

// Bind converts a reservation into committed allocation.
func (v *View) Bind(unitID string, req types.ResourceRequest) error {
	v.mu.Lock()
	u, ok := v.units[unitID]
	if !ok {
		v.mu.Unlock()
		return errs.New(errs.ParamInvalid, "unknown resource unit %q", unitID)
	}
	subRequestFrom(u.Reserved, req)
	addRequestInto(u.Allocated, req)
	u.Revision++
	u.UpdatedAt = time.Now()
	v.mu.Unlock()
	v.notify(unitID)
	return nil
}

// Unbind releases committed allocation, e.g. when an instance exits.
func (v *View) Unbind(unitID string, req types.ResourceRequest) error {
	v.mu.Lock()
	u, ok := v.units[unitID]
	if !ok {
		v.mu.Unlock()
		return errs.New(errs.ParamInvalid, "unknown resource unit %q", unitID)
	}
	subRequestFrom(u.Allocated, req)
	u.Revision++
	u.UpdatedAt = time.Now()
	v.mu.Unlock()
	v.notify(unitID)
	return nil
}

func addRequestInto(m map[string]Value, req types.ResourceRequest) {
	for name, amt := range req {
		if cur, ok := m[name]; ok {
			if sum, err := cur.Add(Scalar(amt)); err == nil {
				m[name] = sum
				continue
			}
		}
		m[name] = Scalar(amt)
	}
}

func subRequestFrom(m map[string]Value, req types.ResourceRequest) {
	for name, amt := range req {
		if cur, ok := m[name]; ok {
			if diff, err := cur.Sub(Scalar(amt)); err == nil {
				m[name] = diff
				continue
			}
		}
	}
}

// Snapshot returns a shallow copy of every unit's current state, used by a
// parent tier to build its aggregated view.
func (v *View) Snapshot() map[string]ResourceUnit {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]ResourceUnit, len(v.units))
	for id, u := range v.units {
		out[id] = *u
	}
	return out
}

// Merge folds a child's snapshot into this view, adding or replacing units
// wholesale keyed by childID + "/" + the child's unit ID. Domain and global
// schedulers use this to build an
// aggregated view from their children's periodic reports.
func (v *View) Merge(childID string, snapshot map[string]ResourceUnit) {
	v.mu.Lock()
	for id, u := range snapshot {
		unit := u
		v.units[childID+"/"+id] = &unit
	}
	v.mu.Unlock()
	v.notify(childID)
}

// Len returns the number of tracked units.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.units)
}
