/*
Package events provides an in-memory broker for synchronization alerts.

Components publish alerts when an entity needs operator attention: the
change consumer dead-letters an event, a dual-write projection fails, the
reconciler finds a diverged projection or keeps failing to repair one.
Publish never blocks; a full queue drops the event with a warning so the
write path and the consumer are never held up by slow subscribers.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	events.LogSubscriber(broker)

	broker.Publish(&events.Event{
		Type:     events.EventRepairAlert,
		EntityID: "step-42",
		Message:  "repair failed 5 times",
	})

Each subscriber gets a buffered channel of 50 events. Events that do not
fit are skipped for that subscriber only.
*/
package events
