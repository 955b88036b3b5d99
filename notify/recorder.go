package notify

import (
	"context"
	"sync"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// Recorder keeps every event in memory. Useful in tests and for the CLI's
// dry-run output.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *Recorder) Notify(_ context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []interfaces.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]interfaces.EventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type()
	}
	return types
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(t interfaces.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type() == t {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
