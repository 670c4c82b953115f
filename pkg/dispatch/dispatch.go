// Package dispatch owns the runner's single SSE reader. It routes
// stream events to registered consumers through bounded per-consumer
// mailboxes, feeds the event bridge, and forwards definition changes
// to the subscription registry.
package dispatch

import (
	"context"

	"github.com/rcrt-project/rcrt-runner/pkg/breadcrumb"
	"github.com/rcrt-project/rcrt-runner/pkg/metrics"
)

// Trigger is one matched event handed to a consumer.
type Trigger struct {
	Event    *breadcrumb.Event
	Selector breadcrumb.Selector

	// Deferred marks a thin event whose context predicates could not
	// be evaluated yet; the consumer re-checks them on the full record.
	Deferred bool
}

// Consumer is a routable event handler. Handle runs on the consumer's
// dedicated worker goroutine, so invocations for one consumer never
// overlap; it must honor ctx and must not retain the trigger.
type Consumer interface {
	ID() string
	Selectors() []breadcrumb.Selector
	Handle(ctx context.Context, t *Trigger)
}

// Provider supplies the live consumer set. Snapshot returns an
// immutable slice; Lookup resolves the current value for an id so
// queued work always runs against the freshest registration.
type Provider interface {
	Snapshot() []Consumer
	Lookup(id string) (Consumer, bool)
}

// DefinitionSink is notified when consumer-definition breadcrumbs
// change on the stream.
type DefinitionSink interface {
	ApplyDefinition(ctx context.Context, ev *breadcrumb.Event)
	RemoveDefinition(ctx context.Context, ev *breadcrumb.Event)
}

// Publisher receives every upserted record for waiter resolution.
type Publisher interface {
	Publish(b *breadcrumb.Breadcrumb)
}

// delivery is one routed trigger queued for a consumer worker. It
// carries the consumer id rather than the consumer itself; the worker
// resolves the id at handling time.
type delivery struct {
	consumerID string
	ev         *breadcrumb.Event
	sel        breadcrumb.Selector
	deferred   bool
}

// mailbox is a bounded per-consumer queue. The dispatcher's read loop
// is the only producer.
type mailbox struct {
	ch chan delivery
}

// enqueue inserts without ever blocking the producer. When the queue
// is full the oldest pending delivery is dropped to make room and
// returned so the caller can release its claim.
func (mb *mailbox) enqueue(dl delivery) (dropped *delivery, ok bool) {
	for {
		select {
		case mb.ch <- dl:
			return dropped, true
		default:
		}
		select {
		case old := <-mb.ch:
			if dropped == nil {
				dropped = &old
				metrics.EventsDropped.WithLabelValues("mailbox_overflow").Inc()
			}
		default:
			// Zero-capacity mailbox and no consumer; refuse instead
			// of spinning.
			return dropped, false
		}
	}
}
