package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "mealtrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu         sync.Mutex
    orders     map[string]model.Order      // id -> order
    orderIDs   []string                    // insertion order, for stable listing
    deliveries map[string]model.Delivery   // id -> delivery
    byOrder    map[string][]string         // orderId -> delivery ids
    byDriver   map[string][]string         // driverId -> delivery ids
    subs       []model.Subscription
    // Webhook queue state
    whDeliveries map[string]*memWebhook
    whOrder      []string
}

func NewMemory() *Memory {
    return &Memory{
        orders: map[string]model.Order{},
        deliveries: map[string]model.Delivery{},
        byOrder: map[string][]string{},
        byDriver: map[string][]string{},
        whDeliveries: map[string]*memWebhook{},
    }
}

// memWebhook augments WebhookDelivery with scheduling/metrics state.
type memWebhook struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
}

func (m *Memory) CreateOrder(ctx context.Context, in model.OrderIn) (model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o := model.Order{
        ID:            uuid.New().String(),
        Status:        model.OrderPending,
        RestaurantID:  in.RestaurantID,
        CustomerID:    in.CustomerID,
        Items:         in.Items,
        Address:       in.Address,
        TotalPrice:    in.TotalPrice,
        PaymentMethod: in.PaymentMethod,
        CreatedAt:     time.Now().UTC(),
    }
    m.orders[o.ID] = o
    m.orderIDs = append(m.orderIDs, o.ID)
    return o, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[id]
    if !ok { return model.Order{}, ErrNotFound }
    return o, nil
}

func (m *Memory) ListOrdersByRestaurant(ctx context.Context, restaurantID string, status model.OrderStatus, cursor string, limit int) ([]model.Order, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    // newest first
    ids := make([]string, 0, len(m.orderIDs))
    for i := len(m.orderIDs) - 1; i >= 0; i-- {
        o := m.orders[m.orderIDs[i]]
        if o.RestaurantID != restaurantID { continue }
        if status != "" && o.Status != status { continue }
        ids = append(ids, o.ID)
    }
    return m.pageOrders(ids, cursor, limit)
}

func (m *Memory) ListClaimableOrders(ctx context.Context, cursor string, limit int) ([]model.Order, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := []string{}
    for i := len(m.orderIDs) - 1; i >= 0; i-- {
        o := m.orders[m.orderIDs[i]]
        if o.Status != model.OrderOutForDelivery { continue }
        if m.openDeliveryLocked(o.ID) != nil { continue }
        ids = append(ids, o.ID)
    }
    return m.pageOrders(ids, cursor, limit)
}

// pageOrders applies cursor pagination over an id slice. Caller holds the
// lock.
func (m *Memory) pageOrders(ids []string, cursor string, limit int) ([]model.Order, string, error) {
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Order{}
    next := ""
    for i := start; i < len(ids) && len(out) < limit; i++ {
        out = append(out, m.orders[ids[i]])
        next = ids[i]
    }
    if start+len(out) >= len(ids) { next = "" }
    return out, next, nil
}

func (m *Memory) TransitionOrder(ctx context.Context, id string, patch model.OrderPatch) (model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[id]
    if !ok { return model.Order{}, ErrNotFound }
    if patch.ExpectedStatus != "" && patch.ExpectedStatus != o.Status {
        return model.Order{}, ErrConflict
    }
    if !o.Status.CanTransition(patch.Status) {
        return model.Order{}, ErrInvalidTransition
    }
    o.Status = patch.Status
    m.orders[id] = o
    // Terminal order closes its open delivery.
    if o.Status.Terminal() {
        if d := m.openDeliveryLocked(id); d != nil {
            if o.Status == model.OrderDelivered {
                d.Status = model.DeliveryDelivered
            } else {
                d.Status = model.DeliveryCancelled
            }
            m.deliveries[d.ID] = *d
        }
    }
    return o, nil
}

func (m *Memory) GetOpenDeliveryByOrder(ctx context.Context, orderID string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if d := m.openDeliveryLocked(orderID); d != nil { return *d, nil }
    return model.Delivery{}, ErrNotFound
}

// openDeliveryLocked returns the order's assigned/on-the-way delivery, if any.
// Caller holds the lock.
func (m *Memory) openDeliveryLocked(orderID string) *model.Delivery {
    for _, did := range m.byOrder[orderID] {
        d := m.deliveries[did]
        if d.Status.Open() {
            return &d
        }
    }
    return nil
}

func (m *Memory) CreateDelivery(ctx context.Context, orderID, driverID string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[orderID]
    if !ok { return model.Delivery{}, ErrNotFound }
    if o.Status != model.OrderOutForDelivery {
        return model.Delivery{}, ErrInvalidTransition
    }
    if m.openDeliveryLocked(orderID) != nil {
        return model.Delivery{}, ErrDuplicateAssignment
    }
    d := model.Delivery{
        ID:        uuid.New().String(),
        OrderID:   orderID,
        DriverID:  driverID,
        Status:    model.DeliveryAssigned,
        CreatedAt: time.Now().UTC(),
    }
    m.deliveries[d.ID] = d
    m.byOrder[orderID] = append(m.byOrder[orderID], d.ID)
    m.byDriver[driverID] = append(m.byDriver[driverID], d.ID)
    return d, nil
}

func (m *Memory) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    return d, nil
}

func (m *Memory) TransitionDelivery(ctx context.Context, id string, patch model.DeliveryPatch) (model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.deliveries[id]
    if !ok { return model.Delivery{}, ErrNotFound }
    if patch.ExpectedStatus != "" && patch.ExpectedStatus != d.Status {
        return model.Delivery{}, ErrConflict
    }
    if !d.Status.CanTransition(patch.Status) {
        return model.Delivery{}, ErrInvalidTransition
    }
    d.Status = patch.Status
    m.deliveries[id] = d
    return d, nil
}

func (m *Memory) ListDeliveriesByDriver(ctx context.Context, driverID string, activeOnly bool) ([]model.Delivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Delivery{}
    for _, did := range m.byDriver[driverID] {
        d := m.deliveries[did]
        if activeOnly && !d.Status.Open() { continue }
        out = append(out, d)
    }
    // createdAt desc, ties by id desc: required for reproducible listings.
    sort.Slice(out, func(i, j int) bool {
        if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
            return out[i].CreatedAt.After(out[j].CreatedAt)
        }
        return out[i].ID > out[j].ID
    })
    return out, nil
}

// Webhook subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs = append(m.subs, s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs {
        for _, e := range s.Events {
            if e == eventType { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    start := 0
    if cursor != "" {
        for i := range m.subs {
            if m.subs[i].ID == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(m.subs) { end = len(m.subs) }
    items := append([]model.Subscription(nil), m.subs[start:end]...)
    next := ""
    if end < len(m.subs) { next = m.subs[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Subscription, 0, len(m.subs))
    for _, s := range m.subs {
        if s.ID != id { out = append(out, s) }
    }
    m.subs = out
    return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    m.whDeliveries[id] = &memWebhook{
        WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
        NextAttemptAt:   time.Now(),
    }
    m.whOrder = append(m.whOrder, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.whOrder {
        d := m.whDeliveries[id]
        if d == nil { continue }
        if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
            out = append(out, d.WebhookDelivery)
            if limit > 0 && len(out) >= limit { break }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.whDeliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.whDeliveries[id]
    if d == nil { return nil }
    d.Status = "failed"
    d.LastError = lastError
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.whOrder {
        d := m.whDeliveries[id]
        if d == nil { continue }
        if status != "" && d.Status != status { continue }
        item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
        if d.LastError != "" { item["lastError"] = d.LastError }
        out = append(out, item)
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.whDeliveries[id]
    if d == nil { return ErrNotFound }
    d.Status = "pending"
    d.NextAttemptAt = time.Now()
    return nil
}
