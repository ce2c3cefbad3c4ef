/*
Package events implements a small in-memory pub/sub broker used to notify
subscribers of job, node, and license ledger transitions without
coupling the publisher to any particular consumer.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	broker.Publish(&events.Event{Type: events.EventJobAllocated, Message: "job 42 allocated n[1-4]"})
*/
package events
