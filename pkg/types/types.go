// Package types holds the data model shared across the scheduling control
// plane: topology nodes, resource units, instances, groups and bundles.
package types

import "time"

// TopologyLayer identifies a tier in the Global -> Domain -> Local hierarchy.
type TopologyLayer string

const (
	LayerGlobal TopologyLayer = "global"
	LayerDomain TopologyLayer = "domain"
	LayerLocal  TopologyLayer = "local"
)

// NodeState is the liveness state of a scheduler-tree node as seen by its parent.
type NodeState string

const (
	NodeHealthy NodeState = "healthy"
	NodeBroken  NodeState = "broken"
)

// TopologyNode is one entry in the scheduler hierarchy: a Domain or Local
// scheduler as tracked by its parent.
type TopologyNode struct {
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Layer     TopologyLayer `json:"layer"`
	State     NodeState     `json:"state"`
	ParentOf  []string      `json:"parentOf,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// InstanceState is the lifecycle state of a scheduled function instance.
type InstanceState string

const (
	InstanceReserved  InstanceState = "reserved"
	InstanceBound     InstanceState = "bound"
	InstanceRunning   InstanceState = "running"
	InstanceUnhealthy InstanceState = "unhealthy"
	InstanceReleased  InstanceState = "released"
)

// FunctionSpec describes the deployable unit a function agent is asked to run.
type FunctionSpec struct {
	FunctionID  string            `json:"functionId"`
	CodePath    string            `json:"codePath"`
	Runtime     string            `json:"runtime"`
	Env         map[string]string `json:"env,omitempty"`
	HealthCheck *HealthCheckSpec  `json:"healthCheck,omitempty"`
}

// HealthCheckSpec configures the liveness probe a function agent runs
// against a deployed instance. A nil HealthCheck on FunctionSpec means the
// instance is never probed beyond its initial launch.
type HealthCheckSpec struct {
	Type     string        `json:"type"` // "http", "tcp", or "exec"
	Target   string        `json:"target,omitempty"`
	Command  []string      `json:"command,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty"`
}

// ResourceRequest is the amount of each named resource an instance needs.
// Every value is a scalar quantity: pkg/resourceview checks it as a Scalar
// against the unit's capacity, so a request never fits a resource whose
// capacity is a per-card Vector or a label Set.
type ResourceRequest map[string]float64

// Instance is a single scheduled placement of a function.
type Instance struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"requestId"`
	Function    FunctionSpec    `json:"function"`
	Request     ResourceRequest `json:"request"`
	UnitID      string          `json:"unitId"`
	GroupID     string          `json:"groupId,omitempty"`
	BundleID    string          `json:"bundleId,omitempty"`
	State       InstanceState   `json:"state"`
	CreatedAt   time.Time       `json:"createdAt"`
	BoundAt     time.Time       `json:"boundAt,omitempty"`
	ReleaseDead time.Time       `json:"releaseDeadline,omitempty"`
}

// GroupPolicy is the gang-scheduling placement strategy for a Group.
type GroupPolicy string

const (
	PolicyPack         GroupPolicy = "PACK"
	PolicyStrictPack   GroupPolicy = "STRICT_PACK"
	PolicySpread       GroupPolicy = "SPREAD"
	PolicyStrictSpread GroupPolicy = "STRICT_SPREAD"
)

// GroupState is the lifecycle state of a gang-scheduled group.
type GroupState string

const (
	GroupPending  GroupState = "pending"
	GroupBound    GroupState = "bound"
	GroupFailed   GroupState = "failed"
	GroupReleased GroupState = "released"
)

// MemberRequest is one member's resource ask within a Group, with an
// optional range so the group controller may admit a partial count.
type MemberRequest struct {
	Name     string          `json:"name"`
	Request  ResourceRequest `json:"request"`
	Min      int             `json:"min"`
	Max      int             `json:"max"`
	Function FunctionSpec    `json:"function"`

	// Step snaps the admitted count to Min + k*Step for some k, rather than
	// any value between Min and Max; 0 or 1 means every count in range is
	// acceptable. A non-zero Step marks this as a "range request", which
	// cannot be mixed with ordinary (Step == 0) members in the same group.
	Step int `json:"step,omitempty"`

	// AffinityKey groups members that must land together under a
	// STRICT_PACK policy; every member in a STRICT_PACK group that sets
	// this field must set it to the same value.
	AffinityKey string `json:"affinityKey,omitempty"`

	// InstanceID must be left empty by callers; the group controller
	// assigns instance IDs itself and rejects any request that tries to
	// pin one in advance.
	InstanceID string `json:"instanceId,omitempty"`
}

// PlacementConstraint narrows which candidate hosts a Schedule call may
// choose among. The group controller uses it to express gang-scheduling
// host affinity (PACK/STRICT_PACK/SPREAD/STRICT_SPREAD): RequireHost pins
// a candidate search to one host, ExcludeHosts rules hosts out.
type PlacementConstraint struct {
	RequireHost  string
	ExcludeHosts map[string]struct{}
}

// IsZero reports whether c applies no constraint at all.
func (c PlacementConstraint) IsZero() bool {
	return c.RequireHost == "" && len(c.ExcludeHosts) == 0
}

// Group is an all-or-nothing (or bounded-range) gang of instances.
type Group struct {
	ID        string          `json:"id"`
	Policy    GroupPolicy     `json:"policy"`
	Members   []MemberRequest `json:"members"`
	State     GroupState      `json:"state"`
	Instances []string        `json:"instances,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// BundleStatus is the lifecycle state of a pre-reserved agent slot.
type BundleStatus string

const (
	BundleReserved BundleStatus = "reserved"
	BundleBound    BundleStatus = "bound"
	BundleReleased BundleStatus = "released"
)

// Bundle is a named, pre-reserved slot on an agent that instances bind into.
// Bundles form a tree: a parent bundle's resources are subdivided among its
// children, and deleting a parent cascades to every descendant.
type Bundle struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parentId,omitempty"`
	Children   []string        `json:"children,omitempty"`
	UnitID     string          `json:"unitId"`
	Request    ResourceRequest `json:"request"`
	Status     BundleStatus    `json:"status"`
	InstanceID string          `json:"instanceId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
