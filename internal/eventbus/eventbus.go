// Package eventbus is the Event Bus (C8): an in-process publish/subscribe
// mechanism that feeds event-triggered Schedules. It separates a stateless
// Publisher from a passive ring-buffered Transport, the same Publisher /
// Transport split used elsewhere in the ecosystem for in-process event
// delivery, scoped down to the single-process deployment this repository
// targets.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// Event is one published occurrence. Name is matched against a Schedule's
// TriggerSpec.EventName.
type Event struct {
	Name      string
	Payload   []byte
	Timestamp time.Time
}

// Transport is the passive wire: a bounded ring buffer of recent events per
// name, plus live subscriber channels for events published from now on.
type Transport struct {
	mu         sync.Mutex
	historyCap int
	history    map[string][]Event
	subs       map[string][]chan Event
}

// NewTransport creates a Transport that retains up to historyCap recent
// events per event name, enough for a newly (re)started dispatcher to
// replay what it missed via ReplayFrom.
func NewTransport(historyCap int) *Transport {
	return &Transport{
		historyCap: historyCap,
		history:    make(map[string][]Event),
		subs:       make(map[string][]chan Event),
	}
}

func (t *Transport) publish(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := append(t.history[evt.Name], evt)
	if len(hist) > t.historyCap {
		hist = hist[len(hist)-t.historyCap:]
	}
	t.history[evt.Name] = hist

	for _, ch := range t.subs[evt.Name] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber drops the event rather than blocking the
			// publisher; ReplayFrom is the recovery path.
		}
	}
}

// Subscribe returns a channel of live events for name. The channel is
// closed when ctx is cancelled.
func (t *Transport) Subscribe(ctx context.Context, name string) <-chan Event {
	ch := make(chan Event, 16)
	t.mu.Lock()
	t.subs[name] = append(t.subs[name], ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subs[name]
		for i, c := range subs {
			if c == ch {
				t.subs[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// ReplayFrom returns buffered events for name with a timestamp after
// since, letting a dispatcher that just regained primary status catch up
// on events it may have missed while it was not primary.
func (t *Transport) ReplayFrom(name string, since time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for _, evt := range t.history[name] {
		if evt.Timestamp.After(since) {
			out = append(out, evt)
		}
	}
	return out
}

// Publisher is the stateless client handed to whatever part of the system
// originates events (action handlers, the admin HTTP surface, the engine
// on run completion).
type Publisher struct {
	transport *Transport
}

func NewPublisher(transport *Transport) *Publisher {
	return &Publisher{transport: transport}
}

func (p *Publisher) Publish(name string, payload []byte) {
	p.transport.publish(Event{Name: name, Payload: payload, Timestamp: time.Now().UTC()})
}
