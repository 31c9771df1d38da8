package api

import (
    "testing"
    "time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
    b := NewBroker()
    did := "del_1"
    ch := b.Subscribe(did)

    evt := Event{Type: "delivery.position.updated", Data: map[string]any{"lat": 40.7}}
    b.Publish(did, evt)

    select {
    case got := <-ch:
        if got.Type != evt.Type { t.Fatalf("got type %s, want %s", got.Type, evt.Type) }
        if got.Data["lat"].(float64) != 40.7 { t.Fatalf("bad payload: %+v", got.Data) }
    case <-time.After(200 * time.Millisecond):
        t.Fatal("timeout waiting for event")
    }

    b.Unsubscribe(did, ch)
    select {
    case _, ok := <-ch:
        if ok { t.Fatal("channel should be closed after unsubscribe") }
    case <-time.After(50 * time.Millisecond):
        // acceptable if already drained and closed
    }
}

func TestBrokerScopesByDelivery(t *testing.T) {
    b := NewBroker()
    a := b.Subscribe("del_a")
    defer b.Unsubscribe("del_a", a)
    other := b.Subscribe("del_b")
    defer b.Unsubscribe("del_b", other)

    b.Publish("del_a", Event{Type: "delivery.status.changed"})
    select {
    case <-a:
    case <-time.After(200 * time.Millisecond):
        t.Fatal("subscriber for del_a saw nothing")
    }
    select {
    case <-other:
        t.Fatal("subscriber for del_b must not see del_a events")
    case <-time.After(50 * time.Millisecond):
    }
}

func TestLocationCacheLatestWins(t *testing.T) {
    c := NewLocationCache()
    if _, ok := c.Latest("del_1"); ok { t.Fatal("empty cache should have no position") }
    c.Upsert("del_1", positionAt(40.0, -73.0))
    c.Upsert("del_1", positionAt(41.0, -74.0))
    pos, ok := c.Latest("del_1")
    if !ok || pos.Lat != 41.0 { t.Fatalf("latest position must win: %+v", pos) }
    c.Drop("del_1")
    if _, ok := c.Latest("del_1"); ok { t.Fatal("dropped position must be gone") }
}
