/*
Package events provides an in-memory event broker for yuanrong's
pub/sub notifications.

Broker fans out placement and group lifecycle events (instance
reserved/bound/failed/released, group bound/failed/released, bundle
created/removed, topology node joined/left/broken) to every active
Subscriber. It has no persistence and no cross-process delivery: it is
the notification path a single process's scheduler tiers use to tell
each other, and any attached diagnostics, what just happened — not a
durable log. Durable history lives in the metadata store
(pkg/metastore), not here.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{Type: events.EventInstanceBound, Message: instanceID})

	for evt := range sub {
		// handle evt
	}

Publish never blocks on a slow subscriber: Broker.broadcast drops an
event for any subscriber whose channel is full rather than stall the
publisher, since these events are diagnostic signals, not a protocol
a caller blocks on.
*/
package events
