package events

import (
	"context"

	"github.com/cuemby/foreman/pkg/log"
)

// Notifier receives status events. Delivery is best effort: implementations
// log and swallow their own failures so that a broken status sink never
// changes the outcome of a task.
type Notifier interface {
	Notify(ctx context.Context, event *Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Notify(context.Context, *Event) {}

// BrokerNotifier forwards events to an in-process Broker
type BrokerNotifier struct {
	Broker *Broker
}

func (n BrokerNotifier) Notify(_ context.Context, event *Event) {
	if n.Broker == nil {
		return
	}
	n.Broker.Publish(event)
}

// Multi fans an event out to several notifiers
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event *Event) {
	stamp(event)
	for _, n := range m {
		if n == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger := log.WithComponent("events")
					logger.Debug().
						Interface("panic", r).
						Str("event", string(event.Type)).
						Msg("notifier panicked")
				}
			}()
			n.Notify(ctx, event)
		}()
	}
}
