/*
Package events carries task, job and object status changes out of the engine.

Every component that changes a status receives a Notifier. The scheduler daemon
wires a Multi of an in-process Broker (consumed by tests and local
subscribers) and, when FOREMAN_STATUS_URL is set, a WSPublisher that pushes
JSON frames to the status server:

	{"id":"…","event":"task.status","timestamp":"…","task_id":12,
	 "object":{"type":"cluster","id":1},"status":"running"}

Notification is fire-and-forget. A slow subscriber drops events once its
buffer is full and an unreachable status server only produces debug logs.

# Broker

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.TaskID, ev.Status)
	}
*/
package events
