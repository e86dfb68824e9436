package events

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Bus fans every event out to all registered publishers. One failing
// publisher does not stop delivery to the others.
type Bus struct {
	mu         sync.RWMutex
	publishers []Publisher
}

func NewBus(publishers ...Publisher) *Bus {
	return &Bus{publishers: publishers}
}

func (b *Bus) Register(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, p)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	publishers := b.publishers
	b.mu.RUnlock()

	var err error
	for _, p := range publishers {
		err = multierr.Append(err, p.Publish(ctx, event))
	}
	return err
}

// Recorder keeps published events in memory. Used by tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t in publish order.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
