/*
Package events is shipyard's in-process event bus.

The lifecycle managers and the reconciler publish events for every state
transition and every drift or orphan they detect. Publish never blocks: the
broker queues up to 256 events and drops beyond that, and a subscriber whose
buffer is full misses events rather than stalling the others (counted by
Subscription.Dropped). A subscription only receives event types that begin
with the prefix it was created with.

Subscribers currently include the API's server-sent event stream
(GET /api/v1/events) and, when REDIS_ADDR is set, a RedisForwarder that
republishes each event as JSON on REDIS_CHANNEL.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe("container.")
	defer broker.Unsubscribe(sub)
	for e := range sub.C {
		fmt.Println(e.Type, e.Message)
	}
*/
package events
