// Package actor provides a small single-threaded actor helper: a Mailbox
// serializes access to a component's state through one goroutine so the
// component's own methods never need a mutex. pkg/heartbeat.Driver uses it
// for its peer liveness maps; the scheduler tiers (global/domain/local) do
// their own locking instead, since their operations interleave state
// mutation with blocking out-of-process calls (transport.Call, agent
// deploys) that don't fit a single mailbox round trip.
package actor

import "context"

// call is a queued unit of work: run it, then deliver the result on reply.
type call[M, R any] struct {
	msg   M
	reply chan result[R]
}

type result[R any] struct {
	val R
	err error
}

// Mailbox serializes calls of type M producing replies of type R through a
// single goroutine, giving callers a future-style Send while the actor body
// never has to worry about concurrent access to its own state.
type Mailbox[M, R any] struct {
	handle  func(context.Context, M) (R, error)
	calls   chan call[M, R]
	done    chan struct{}
	stopped chan struct{}
}

// NewMailbox starts the actor loop and returns a handle to it. handle is
// invoked sequentially for every message sent via Send.
func NewMailbox[M, R any](bufSize int, handle func(context.Context, M) (R, error)) *Mailbox[M, R] {
	mb := &Mailbox[M, R]{
		handle:  handle,
		calls:   make(chan call[M, R], bufSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go mb.loop()
	return mb
}

func (mb *Mailbox[M, R]) loop() {
	defer close(mb.stopped)
	for {
		select {
		case c := <-mb.calls:
			v, err := mb.handle(context.Background(), c.msg)
			c.reply <- result[R]{val: v, err: err}
		case <-mb.done:
			for {
				select {
				case c := <-mb.calls:
					v, err := mb.handle(context.Background(), c.msg)
					c.reply <- result[R]{val: v, err: err}
				default:
					return
				}
			}
		}
	}
}

// Send enqueues msg and blocks until the actor has processed it (or ctx is
// done, or the mailbox has been closed).
func (mb *Mailbox[M, R]) Send(ctx context.Context, msg M) (R, error) {
	var zero R
	reply := make(chan result[R], 1)
	select {
	case mb.calls <- call[M, R]{msg: msg, reply: reply}:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-mb.done:
		return zero, ErrClosed
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-mb.stopped:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, ErrClosed
		}
	}
}

// Close stops the actor loop. Outstanding Send calls already past the
// enqueue step are still completed.
func (mb *Mailbox[M, R]) Close() {
	select {
	case <-mb.done:
	default:
		close(mb.done)
	}
	<-mb.stopped
}

// ErrClosed is returned by Send once the mailbox has been closed.
var ErrClosed = closedError{}

type closedError struct{}

func (closedError) Error() string { return "actor: mailbox closed" }
