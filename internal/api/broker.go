package api

import (
    "sync"
)

// Event is a lifecycle or position event scoped to one delivery.
type Event struct {
    Type string
    Data map[string]any
}

// EventBroker fans delivery-scoped events out to SSE and websocket watchers.
type EventBroker interface {
    Subscribe(deliveryID string) chan Event
    Unsubscribe(deliveryID string, ch chan Event)
    Publish(deliveryID string, evt Event)
}

// Broker is the in-memory EventBroker used when no REDIS_URL is set.
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan Event]struct{} // deliveryId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(deliveryID string) chan Event {
    ch := make(chan Event, 8)
    b.mu.Lock()
    if b.subs[deliveryID] == nil { b.subs[deliveryID] = map[chan Event]struct{}{} }
    b.subs[deliveryID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(deliveryID string, ch chan Event) {
    b.mu.Lock()
    if m := b.subs[deliveryID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, deliveryID) }
    }
    b.mu.Unlock()
    close(ch)
}

// Publish delivers evt to every subscriber; slow consumers are skipped
// rather than blocking the publisher (latest-wins semantics downstream).
func (b *Broker) Publish(deliveryID string, evt Event) {
    b.mu.Lock()
    for ch := range b.subs[deliveryID] {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}
