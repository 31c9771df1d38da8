package store

import "testing"

func TestPQStringArray(t *testing.T) {
    if v := pqStringArray(nil); v != nil {
        t.Fatalf("nil slice -> nil expected")
    }
    if v := pqStringArray([]string{}); v != nil {
        t.Fatalf("empty slice -> nil expected")
    }
    got, ok := pqStringArray([]string{"order.status.changed", "delivery.status.changed"}).(string)
    if !ok || got != `{"order.status.changed","delivery.status.changed"}` {
        t.Fatalf("unexpected literal: %v", got)
    }
}

func TestParsePGTextArray(t *testing.T) {
    got := parsePGTextArray(`{"order.status.changed",delivery.status.changed}`)
    if len(got) != 2 || got[0] != "order.status.changed" || got[1] != "delivery.status.changed" {
        t.Fatalf("parse: %v", got)
    }
    if out := parsePGTextArray(`{}`); len(out) != 0 {
        t.Fatalf("empty array: %v", out)
    }
}

func TestRoundTrip(t *testing.T) {
    in := []string{"a", "b"}
    lit := pqStringArray(in).(string)
    if got := parsePGTextArray(lit); len(got) != 2 || got[0] != "a" || got[1] != "b" {
        t.Fatalf("round trip: %v", got)
    }
}
