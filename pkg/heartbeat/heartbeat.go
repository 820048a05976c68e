// Package heartbeat implements the liveness protocol between adjacent tiers
// of the scheduler hierarchy: a Driver tracks last-seen pings from its
// children (local schedulers tracking function agents, domain schedulers
// tracking local schedulers, the global scheduler tracking domain
// schedulers) and fires a timeout callback after two missed intervals; an
// Observer sits on the child side and pings its parent on a fixed interval,
// retrying the ping with exponential backoff while the parent is
// unreachable and reporting sustained failure to its owner.
package heartbeat

import (
	"context"
	"time"

	"github.com/cuemby/yuanrong/pkg/actor"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/rs/zerolog"
)

// DefaultInterval is the ping interval used when a Config leaves it unset.
const DefaultInterval = 5 * time.Second

// Config controls the liveness loop timing. Timeout is derived as
// 2*Interval unless set explicitly, matching the "two missed intervals"
// failure-detection rule.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * c.Interval
	}
	return c
}

// TimeoutFunc is invoked once, exactly, when a peer crosses its timeout.
type TimeoutFunc func(peer string)

// driverOp is the kind of request sent to a Driver's mailbox. The peer-state
// maps (lastPing, lost) are owned exclusively by the mailbox goroutine, so
// Driver's exported methods never touch them directly.
type driverOp int

const (
	opPing driverOp = iota
	opForget
	opSweep
	opTracked
	opIsLost
)

type driverMsg struct {
	op   driverOp
	peer string
}

type driverResult struct {
	timedOut []string
	tracked  bool
}

// Driver is the parent-side half of the protocol: it records each peer's
// last ping and periodically sweeps for peers that have gone silent. Its
// state lives behind an actor.Mailbox rather than a mutex, so Ping/Forget/
// Tracked/sweep can never interleave their reads and writes to lastPing/lost.
type Driver struct {
	cfg    Config
	layer  string
	logger zerolog.Logger
	onLost TimeoutFunc

	mailbox *actor.Mailbox[driverMsg, driverResult]

	lastPing map[string]time.Time
	lost     map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDriver builds a Driver for the given layer label (used only in metrics
// and logs), invoking onLost the first time a peer exceeds cfg.Timeout.
func NewDriver(layer string, cfg Config, onLost TimeoutFunc) *Driver {
	d := &Driver{
		cfg:      cfg.withDefaults(),
		layer:    layer,
		logger:   log.WithComponent("heartbeat." + layer),
		onLost:   onLost,
		lastPing: make(map[string]time.Time),
		lost:     make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	d.mailbox = actor.NewMailbox(16, d.handle)
	return d
}

func (d *Driver) handle(ctx context.Context, msg driverMsg) (driverResult, error) {
	switch msg.op {
	case opPing:
		d.lastPing[msg.peer] = time.Now()
		delete(d.lost, msg.peer)
		return driverResult{}, nil
	case opForget:
		delete(d.lastPing, msg.peer)
		delete(d.lost, msg.peer)
		return driverResult{}, nil
	case opTracked:
		_, ok := d.lastPing[msg.peer]
		return driverResult{tracked: ok}, nil
	case opIsLost:
		return driverResult{tracked: d.lost[msg.peer]}, nil
	case opSweep:
		now := time.Now()
		var timedOut []string
		for peer, last := range d.lastPing {
			if d.lost[peer] {
				continue
			}
			if now.Sub(last) > d.cfg.Timeout {
				d.lost[peer] = true
				timedOut = append(timedOut, peer)
			}
		}
		return driverResult{timedOut: timedOut}, nil
	default:
		return driverResult{}, nil
	}
}

// Start begins the sweep loop in the background.
func (d *Driver) Start() {
	go d.run()
}

// Stop halts the sweep loop and the peer-state mailbox.
func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.mailbox.Close()
}

func (d *Driver) run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stopCh:
			return
		}
	}
}

// Ping records a liveness signal from peer, clearing any prior lost state
// so a reconnected peer is tracked again.
func (d *Driver) Ping(peer string) {
	_, _ = d.mailbox.Send(context.Background(), driverMsg{op: opPing, peer: peer})
}

// Forget removes peer from tracking, e.g. on graceful unregistration.
func (d *Driver) Forget(peer string) {
	_, _ = d.mailbox.Send(context.Background(), driverMsg{op: opForget, peer: peer})
}

func (d *Driver) sweep() {
	res, err := d.mailbox.Send(context.Background(), driverMsg{op: opSweep})
	if err != nil {
		return
	}

	for _, peer := range res.timedOut {
		metrics.HeartbeatTimeouts.WithLabelValues(d.layer).Inc()
		d.logger.Warn().Str("peer", peer).Dur("timeout", d.cfg.Timeout).Msg("peer heartbeat timed out")
		if d.onLost != nil {
			d.onLost(peer)
		}
	}
}

// Tracked reports whether peer currently has a recorded ping.
func (d *Driver) Tracked(peer string) bool {
	res, _ := d.mailbox.Send(context.Background(), driverMsg{op: opTracked, peer: peer})
	return res.tracked
}

// isLost reports whether peer is currently marked as having timed out. Used
// by tests; production callers only need the onLost callback.
func (d *Driver) isLost(peer string) bool {
	res, _ := d.mailbox.Send(context.Background(), driverMsg{op: opIsLost, peer: peer})
	return res.tracked
}

// PingFunc sends a single ping to the parent, returning an error if the
// parent could not be reached.
type PingFunc func(ctx context.Context) error

// Observer is the child-side half of the protocol: it pings its parent on a
// fixed interval and retries with exponential backoff when pings fail,
// reporting sustained failure so the owner can attempt re-registration.
type Observer struct {
	cfg      Config
	ping     PingFunc
	logger   zerolog.Logger
	onFailed func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewObserver builds an Observer that calls ping every cfg.Interval and
// invokes onFailed once consecutive failures exceed the timeout budget.
func NewObserver(layer string, cfg Config, ping PingFunc, onFailed func()) *Observer {
	return &Observer{
		cfg:      cfg.withDefaults(),
		ping:     ping,
		logger:   log.WithComponent("heartbeat." + layer),
		onFailed: onFailed,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the ping loop in the background.
func (o *Observer) Start() {
	go o.run()
}

// Stop halts the ping loop.
func (o *Observer) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Observer) run() {
	defer close(o.doneCh)
	backoff := o.cfg.Interval
	const maxBackoff = 30 * time.Second
	failSince := time.Time{}

	timer := time.NewTimer(o.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Interval)
			err := o.ping(ctx)
			cancel()
			if err != nil {
				if failSince.IsZero() {
					failSince = time.Now()
				}
				o.logger.Warn().Err(err).Dur("backoff", backoff).Msg("heartbeat ping failed")
				if time.Since(failSince) > o.cfg.Timeout && o.onFailed != nil {
					o.onFailed()
				}
				timer.Reset(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			} else {
				failSince = time.Time{}
				backoff = o.cfg.Interval
				timer.Reset(o.cfg.Interval)
			}
		case <-o.stopCh:
			return
		}
	}
}
