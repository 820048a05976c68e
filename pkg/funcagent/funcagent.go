// Package funcagent implements the function agent (FA): the per-worker
// bridge between a local scheduler's Deploy/Kill calls and the actual code
// download + process launch, which live behind the CodeFetcher and Launcher
// interfaces at this package's boundary (both are outside this control
// plane's scope).
package funcagent

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/health"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/types"
	"github.com/rs/zerolog"
)

// CodeFetcher downloads (or locates an already-cached copy of) a function's
// code package, returning a local path the Launcher can run. Concrete
// implementations (object-store download, local cache) are outside this
// control plane's scope; DeployInstance only needs the interface.
type CodeFetcher interface {
	Fetch(ctx context.Context, spec types.FunctionSpec) (path string, err error)
}

// Launcher starts and stops the runtime process for a deployed instance.
// Concrete implementations (fork/exec, container runtime) are outside this
// control plane's scope.
type Launcher interface {
	Launch(ctx context.Context, instanceID string, spec types.FunctionSpec, codePath string) error
	Kill(ctx context.Context, instanceID string) error
}

// deployment tracks one running instance and the shared code-package
// reference it holds, so the last instance to release a code path can
// trigger eviction from the fetcher's cache.
type deployment struct {
	instanceID string
	codePath   string
	stopHealth chan struct{}
}

// codeRef coalesces concurrent fetches of the same function's code package:
// only the first caller actually calls Fetch, and every concurrent caller
// for the same FunctionID waits on the same result.
type codeRef struct {
	refCount int
	path     string
	err      error
	ready    chan struct{}
	lastUsed time.Time
}

// Agent is the function agent for one worker host.
type Agent struct {
	UnitID      string
	fetcher     CodeFetcher
	launch      Launcher
	logger      zerolog.Logger
	onUnhealthy func(instanceID string)

	mu          sync.Mutex
	deployments map[string]*deployment
	codeRefs    map[string]*codeRef

	agingTTL time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a function agent for unitID, fetching code via fetcher and
// launching/killing instances via launch. agingTTL is how long an unused
// code package is kept cached after its last instance releases it (0
// disables the aging sweep).
func New(unitID string, fetcher CodeFetcher, launch Launcher, agingTTL time.Duration) *Agent {
	a := &Agent{
		UnitID:      unitID,
		fetcher:     fetcher,
		launch:      launch,
		logger:      log.WithComponent("funcagent"),
		deployments: make(map[string]*deployment),
		codeRefs:    make(map[string]*codeRef),
		agingTTL:    agingTTL,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if agingTTL > 0 {
		go a.runAgingSweep()
	} else {
		close(a.doneCh)
	}
	return a
}

// OnUnhealthy registers the callback invoked when a deployed instance's
// health check exceeds its configured failure threshold. The local scheduler
// wires it to mark the instance unhealthy and publish an instance-failed
// event; it does not evict or reschedule the instance.
func (a *Agent) OnUnhealthy(f func(instanceID string)) {
	a.onUnhealthy = f
}

// Close stops the aging sweep.
func (a *Agent) Close() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	<-a.doneCh
}

// DeployInstance fetches (or reuses) the instance's code package and
// launches it, returning ERR_INSTANCE_DUPLICATED if the instance is
// already deployed on this agent.
func (a *Agent) DeployInstance(ctx context.Context, instance types.Instance) error {
	a.mu.Lock()
	if _, exists := a.deployments[instance.ID]; exists {
		a.mu.Unlock()
		return errs.New(errs.InstanceDuplicated, "instance %s already deployed on %s", instance.ID, a.UnitID)
	}
	a.mu.Unlock()

	codePath, err := a.acquireCode(ctx, instance.Function)
	if err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "fetch code for instance %s", instance.ID)
	}

	if err := a.launch.Launch(ctx, instance.ID, instance.Function, codePath); err != nil {
		a.releaseCode(instance.Function.FunctionID)
		return errs.Wrap(errs.InnerSystemError, err, "launch instance %s", instance.ID)
	}

	dep := &deployment{instanceID: instance.ID, codePath: codePath}
	a.mu.Lock()
	a.deployments[instance.ID] = dep
	a.mu.Unlock()
	a.logger.Info().Str("instance_id", instance.ID).Str("function_id", instance.Function.FunctionID).Msg("instance deployed")

	if instance.Function.HealthCheck != nil {
		dep.stopHealth = make(chan struct{})
		go a.monitorHealth(instance.ID, *instance.Function.HealthCheck, dep.stopHealth)
	}
	return nil
}

// KillInstance stops a deployed instance and releases its code-package
// reference. Killing an instance that isn't deployed is a no-op, matching
// the idempotent UnBind contract callers rely on during retry.
func (a *Agent) KillInstance(ctx context.Context, instanceID string) error {
	a.mu.Lock()
	dep, ok := a.deployments[instanceID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.deployments, instanceID)
	a.mu.Unlock()

	if dep.stopHealth != nil {
		close(dep.stopHealth)
	}

	if err := a.launch.Kill(ctx, instanceID); err != nil {
		return errs.Wrap(errs.InnerSystemError, err, "kill instance %s", instanceID)
	}
	a.releaseCodeByPath(dep.codePath)
	a.logger.Info().Str("instance_id", instanceID).Msg("instance killed")
	return nil
}

// Deployed reports whether instanceID is currently running on this agent.
func (a *Agent) Deployed(instanceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.deployments[instanceID]
	return ok
}

func (a *Agent) acquireCode(ctx context.Context, spec types.FunctionSpec) (string, error) {
	a.mu.Lock()
	ref, inFlight := a.codeRefs[spec.FunctionID]
	if !inFlight {
		ref = &codeRef{ready: make(chan struct{})}
		a.codeRefs[spec.FunctionID] = ref
		a.mu.Unlock()

		path, err := a.fetcher.Fetch(ctx, spec)
		a.mu.Lock()
		ref.path, ref.err = path, err
		ref.refCount = 1
		ref.lastUsed = time.Now()
		close(ref.ready)
		a.mu.Unlock()
		return path, err
	}
	a.mu.Unlock()

	<-ref.ready
	a.mu.Lock()
	if ref.err == nil {
		ref.refCount++
	}
	a.mu.Unlock()
	return ref.path, ref.err
}

func (a *Agent) releaseCode(functionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.codeRefs[functionID]
	if !ok {
		return
	}
	ref.refCount--
	ref.lastUsed = time.Now()
	// Left in codeRefs at refCount 0 so a redeploy within agingTTL reuses
	// the cached path; sweepAgedCode evicts it once it's been idle long
	// enough. With agingTTL == 0 no sweep runs, so the ref is never evicted
	// and every later acquireCode for this function reuses it without
	// fetching again.
}

func (a *Agent) releaseCodeByPath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ref := range a.codeRefs {
		if ref.path != path {
			continue
		}
		ref.refCount--
		ref.lastUsed = time.Now()
		return
	}
}

func (a *Agent) runAgingSweep() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.agingTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepAgedCode()
		case <-a.stopCh:
			return
		}
	}
}

// monitorHealth probes instanceID on spec's configured interval, applying
// hysteresis via health.Status so a single failed probe doesn't flip the
// instance unhealthy. It stops when stop is closed (the instance was
// killed) or after invoking onUnhealthy once.
func (a *Agent) monitorHealth(instanceID string, spec types.HealthCheckSpec, stop chan struct{}) {
	checker, err := buildChecker(spec, instanceID, a.launch)
	if err != nil {
		a.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("skipping health check: unsupported configuration")
		return
	}

	cfg := health.DefaultConfig()
	if spec.Interval > 0 {
		cfg.Interval = spec.Interval
	}
	if spec.Timeout > 0 {
		cfg.Timeout = spec.Timeout
	}
	if spec.Retries > 0 {
		cfg.Retries = spec.Retries
	}

	status := health.NewStatus()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if status.InStartPeriod(cfg) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			result := checker.Check(ctx)
			cancel()

			wasHealthy := status.Healthy
			status.Update(result, cfg)
			if wasHealthy && !status.Healthy {
				err := errs.New(errs.InstanceHealthCheckErr, "instance %s failed %d consecutive health checks: %s", instanceID, status.ConsecutiveFailures, result.Message)
				a.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("instance unhealthy")
				if a.onUnhealthy != nil {
					a.onUnhealthy(instanceID)
				}
				return
			}
		}
	}
}

// buildChecker constructs the checker spec asks for. For an exec check it
// also wires the instance ID and, when launch implements
// health.InstanceExecer (i.e. its runtime can reach into a running
// instance), the execer that lets the check run inside the instance rather
// than on the agent host.
func buildChecker(spec types.HealthCheckSpec, instanceID string, launch Launcher) (health.Checker, error) {
	switch spec.Type {
	case string(health.CheckTypeHTTP):
		return health.NewHTTPChecker(spec.Target), nil
	case string(health.CheckTypeTCP):
		return health.NewTCPChecker(spec.Target), nil
	case string(health.CheckTypeExec):
		checker := health.NewExecChecker(spec.Command).WithInstance(instanceID)
		if execer, ok := launch.(health.InstanceExecer); ok {
			checker.WithExecer(execer)
		}
		return checker, nil
	default:
		return nil, errs.New(errs.ParamInvalid, "unknown health check type %q", spec.Type)
	}
}

func (a *Agent) sweepAgedCode() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ref := range a.codeRefs {
		if ref.refCount <= 0 && now.Sub(ref.lastUsed) > a.agingTTL {
			delete(a.codeRefs, id)
		}
	}
}
