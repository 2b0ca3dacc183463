package notify

import (
	"context"
	"sync"
)

// Recorded is one captured publish, kept for test assertions.
type Recorded struct {
	Event   EventType
	Targets []string
	Payload any
}

// MemoryPublisher records events in memory. Tests can arm it to fail a
// specific event type to exercise recovery paths.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Recorded

	failOn map[EventType]error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{failOn: map[EventType]error{}}
}

// FailOn makes subsequent publishes of event return err.
func (p *MemoryPublisher) FailOn(event EventType, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOn[event] = err
}

func (p *MemoryPublisher) Publish(ctx context.Context, event EventType, targetUserIDs []string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failOn[event]; ok && err != nil {
		return err
	}
	p.events = append(p.events, Recorded{
		Event:   event,
		Targets: append([]string(nil), targetUserIDs...),
		Payload: payload,
	})
	return nil
}

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Recorded {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Recorded, len(p.events))
	copy(out, p.events)
	return out
}

// ByType filters captured events by type.
func (p *MemoryPublisher) ByType(event EventType) []Recorded {
	var out []Recorded
	for _, e := range p.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
