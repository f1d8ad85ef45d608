package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/foreman/pkg/types"
)

// EventType names what changed
type EventType string

const (
	EventTaskCreated    EventType = "task.created"
	EventTaskStatus     EventType = "task.status"
	EventJobStatus      EventType = "job.status"
	EventObjectState    EventType = "object.state"
	EventConcernChanged EventType = "concern.changed"
)

// Event is a status change pushed to subscribers
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	TaskID    uint64            `json:"task_id,omitempty"`
	JobID     uint64            `json:"job_id,omitempty"`
	Object    *types.ObjectRef  `json:"object,omitempty"`
	Status    types.Status      `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskStatus builds a task.status event
func TaskStatus(task *types.Task) *Event {
	target := task.Target
	return &Event{
		Type:   EventTaskStatus,
		TaskID: task.ID,
		Object: &target,
		Status: task.Status,
	}
}

// JobStatus builds a job.status event
func JobStatus(job *types.Job) *Event {
	return &Event{
		Type:   EventJobStatus,
		TaskID: job.TaskID,
		JobID:  job.ID,
		Status: job.Status,
	}
}

// ObjectState builds an object.state event
func ObjectState(ref types.ObjectRef, state string) *Event {
	return &Event{
		Type:    EventObjectState,
		Object:  &ref,
		Message: state,
	}
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans published events out to in-process subscribers. A slow
// subscriber loses events instead of stalling publishers.
type Broker struct {
	mu sync.RWMutex
	// subscribers maps each channel to the event types it wants; nil means all
	subscribers map[Subscriber]map[EventType]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a broker; call Start before publishing
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution; pending Publish calls return
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none is given
func (b *Broker) Subscribe(only ...EventType) Subscriber {
	var filter map[EventType]bool
	if len(only) > 0 {
		filter = make(map[EventType]bool, len(only))
		for _, t := range only {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes and closes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps the event and queues it for distribution
func (b *Broker) Publish(event *Event) {
	stamp(event)
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub, filter := range b.subscribers {
		if filter != nil && !filter[event.Type] {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped on full subscribers
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}
