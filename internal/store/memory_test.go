package store

import (
    "context"
    "errors"
    "testing"
    "time"

    "mealtrack/internal/model"
)

func seedOrder(t *testing.T, m *Memory, to model.OrderStatus) model.Order {
    t.Helper()
    ctx := context.Background()
    o, err := m.CreateOrder(ctx, model.OrderIn{RestaurantID: "r1", CustomerID: "c1", TotalPrice: 23.50})
    if err != nil { t.Fatalf("create order: %v", err) }
    for _, s := range []model.OrderStatus{model.OrderConfirmed, model.OrderPreparing, model.OrderOutForDelivery, model.OrderDelivered} {
        if o.Status == to { break }
        o2, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: s})
        if err != nil { t.Fatalf("advance to %s: %v", s, err) }
        o = o2
    }
    if o.Status != to { t.Fatalf("seed: wanted %s, got %s", to, o.Status) }
    return o
}

func TestTransitionOrderGuards(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderPending)

    // illegal edge
    if _, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: model.OrderDelivered}); !errors.Is(err, ErrInvalidTransition) {
        t.Fatalf("pending->delivered: want ErrInvalidTransition, got %v", err)
    }
    // stale expected status
    if _, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: model.OrderConfirmed, ExpectedStatus: model.OrderPreparing}); !errors.Is(err, ErrConflict) {
        t.Fatalf("stale expected: want ErrConflict, got %v", err)
    }
    // matching expected status succeeds
    o2, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: model.OrderConfirmed, ExpectedStatus: model.OrderPending})
    if err != nil { t.Fatalf("confirm: %v", err) }
    if o2.Status != model.OrderConfirmed { t.Fatalf("status = %s", o2.Status) }
    // unknown order
    if _, err := m.TransitionOrder(ctx, "nope", model.OrderPatch{Status: model.OrderConfirmed}); !errors.Is(err, ErrNotFound) {
        t.Fatalf("want ErrNotFound, got %v", err)
    }
}

func TestDuplicateAssignment(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderPreparing)

    // not claimable before out-for-delivery
    if _, err := m.CreateDelivery(ctx, o.ID, "d1"); !errors.Is(err, ErrInvalidTransition) {
        t.Fatalf("preparing order claimed: want ErrInvalidTransition, got %v", err)
    }
    if _, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: model.OrderOutForDelivery}); err != nil {
        t.Fatalf("out for delivery: %v", err)
    }
    if _, err := m.CreateDelivery(ctx, o.ID, "d1"); err != nil {
        t.Fatalf("first claim: %v", err)
    }
    if _, err := m.CreateDelivery(ctx, o.ID, "d2"); !errors.Is(err, ErrDuplicateAssignment) {
        t.Fatalf("second claim: want ErrDuplicateAssignment, got %v", err)
    }
}

func TestSecondDeliveryAfterCancellation(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderOutForDelivery)
    d, err := m.CreateDelivery(ctx, o.ID, "d1")
    if err != nil { t.Fatalf("claim: %v", err) }
    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryCancelled}); err != nil {
        t.Fatalf("cancel delivery: %v", err)
    }
    // the order is free for another driver once its delivery is terminal
    if _, err := m.CreateDelivery(ctx, o.ID, "d2"); err != nil {
        t.Fatalf("reclaim after cancel: %v", err)
    }
}

func TestDeliveredOrderCascadesDelivery(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderOutForDelivery)
    d, err := m.CreateDelivery(ctx, o.ID, "d1")
    if err != nil { t.Fatalf("claim: %v", err) }
    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryOnTheWay}); err != nil {
        t.Fatalf("on the way: %v", err)
    }
    if _, err := m.TransitionOrder(ctx, o.ID, model.OrderPatch{Status: model.OrderDelivered}); err != nil {
        t.Fatalf("deliver order: %v", err)
    }
    got, err := m.GetDelivery(ctx, d.ID)
    if err != nil { t.Fatalf("get delivery: %v", err) }
    if got.Status != model.DeliveryDelivered {
        t.Fatalf("delivery status = %s, want delivered", got.Status)
    }
}

func TestDeliveryTransitionGuards(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderOutForDelivery)
    d, _ := m.CreateDelivery(ctx, o.ID, "d1")

    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryDelivered}); !errors.Is(err, ErrInvalidTransition) {
        t.Fatalf("assigned->delivered: want ErrInvalidTransition, got %v", err)
    }
    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryOnTheWay, ExpectedStatus: model.DeliveryOnTheWay}); !errors.Is(err, ErrConflict) {
        t.Fatalf("stale expected: want ErrConflict, got %v", err)
    }
    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryOnTheWay, ExpectedStatus: model.DeliveryAssigned}); err != nil {
        t.Fatalf("on the way: %v", err)
    }
}

func TestListDeliveriesByDriverOrdering(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    // three active deliveries with controlled timestamps
    ids := []string{}
    base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
    for i := 0; i < 3; i++ {
        o := seedOrder(t, m, model.OrderOutForDelivery)
        d, err := m.CreateDelivery(ctx, o.ID, "d1")
        if err != nil { t.Fatalf("claim %d: %v", i, err) }
        // force deterministic createdAt: two share a timestamp
        m.mu.Lock()
        dd := m.deliveries[d.ID]
        if i < 2 { dd.CreatedAt = base } else { dd.CreatedAt = base.Add(time.Minute) }
        m.deliveries[d.ID] = dd
        m.mu.Unlock()
        ids = append(ids, d.ID)
    }
    out, err := m.ListDeliveriesByDriver(ctx, "d1", true)
    if err != nil { t.Fatalf("list: %v", err) }
    if len(out) != 3 { t.Fatalf("len = %d", len(out)) }
    if out[0].ID != ids[2] { t.Fatalf("newest first: got %s", out[0].ID) }
    // tie broken by id descending
    if !(out[1].ID > out[2].ID) {
        t.Fatalf("tie order: %s then %s", out[1].ID, out[2].ID)
    }
}

func TestListClaimableOrders(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    a := seedOrder(t, m, model.OrderOutForDelivery)
    b := seedOrder(t, m, model.OrderOutForDelivery)
    seedOrder(t, m, model.OrderPreparing)
    if _, err := m.CreateDelivery(ctx, a.ID, "d1"); err != nil { t.Fatalf("claim: %v", err) }

    out, _, err := m.ListClaimableOrders(ctx, "", 10)
    if err != nil { t.Fatalf("list: %v", err) }
    if len(out) != 1 || out[0].ID != b.ID {
        t.Fatalf("claimable = %+v, want only %s", out, b.ID)
    }
}

func TestAtMostOneOpenDeliveryPerOrder(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    for i := 0; i < 5; i++ {
        o := seedOrder(t, m, model.OrderOutForDelivery)
        if _, err := m.CreateDelivery(ctx, o.ID, "d1"); err != nil { t.Fatalf("claim: %v", err) }
        _, _ = m.CreateDelivery(ctx, o.ID, "d2")
        open := 0
        m.mu.Lock()
        for _, did := range m.byOrder[o.ID] {
            if m.deliveries[did].Status.Open() { open++ }
        }
        m.mu.Unlock()
        if open != 1 { t.Fatalf("order %s has %d open deliveries", o.ID, open) }
    }
}

func TestGetOpenDeliveryByOrder(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, model.OrderOutForDelivery)
    if _, err := m.GetOpenDeliveryByOrder(ctx, o.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("expected ErrNotFound before assignment, got %v", err)
    }
    d, err := m.CreateDelivery(ctx, o.ID, "drv_1")
    if err != nil { t.Fatalf("claim: %v", err) }
    got, err := m.GetOpenDeliveryByOrder(ctx, o.ID)
    if err != nil || got.ID != d.ID {
        t.Fatalf("open delivery lookup: %+v %v", got, err)
    }
    if _, err := m.TransitionDelivery(ctx, d.ID, model.DeliveryPatch{Status: model.DeliveryCancelled}); err != nil {
        t.Fatalf("cancel: %v", err)
    }
    if _, err := m.GetOpenDeliveryByOrder(ctx, o.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cancelled delivery must not count as open, got %v", err)
    }
}
