package store

import (
    "context"
    "errors"
    "time"

    "mealtrack/internal/model"
)

// Store is the persistence interface used by the API server. It is the
// single serialization point for status transitions: implementations must
// enforce the transition tables, the expected-status guard, and the
// one-open-delivery-per-order invariant.
type Store interface {
    // Orders
    CreateOrder(ctx context.Context, in model.OrderIn) (model.Order, error)
    GetOrder(ctx context.Context, id string) (model.Order, error)
    ListOrdersByRestaurant(ctx context.Context, restaurantID string, status model.OrderStatus, cursor string, limit int) (items []model.Order, nextCursor string, err error)
    // ListClaimableOrders returns out-for-delivery orders with no open delivery.
    ListClaimableOrders(ctx context.Context, cursor string, limit int) ([]model.Order, string, error)
    // TransitionOrder applies patch.Status. Fails with ErrInvalidTransition
    // on an illegal edge and ErrConflict when patch.ExpectedStatus is set and
    // no longer matches server state. Reaching a terminal status closes the
    // order's open delivery to the matching terminal delivery status.
    TransitionOrder(ctx context.Context, id string, patch model.OrderPatch) (model.Order, error)

    // Deliveries
    CreateDelivery(ctx context.Context, orderID, driverID string) (model.Delivery, error)
    GetDelivery(ctx context.Context, id string) (model.Delivery, error)
    // GetOpenDeliveryByOrder returns the order's assigned/on-the-way
    // delivery, or ErrNotFound when none is open.
    GetOpenDeliveryByOrder(ctx context.Context, orderID string) (model.Delivery, error)
    TransitionDelivery(ctx context.Context, id string, patch model.DeliveryPatch) (model.Delivery, error)
    // ListDeliveriesByDriver returns the driver's deliveries, open ones first
    // by createdAt descending with ties broken by id descending. activeOnly
    // narrows to assigned/on-the-way.
    ListDeliveriesByDriver(ctx context.Context, driverID string, activeOnly bool) ([]model.Delivery, error)

    // Webhook subscriptions and deliveries
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, id string) error
    EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, id string) error
}

// WebhookDelivery is one queued webhook attempt.
type WebhookDelivery struct {
    ID             string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}

var (
    ErrNotFound            = errors.New("not found")
    ErrConflict            = errors.New("status conflict: caller state is stale")
    ErrInvalidTransition   = errors.New("invalid status transition")
    ErrDuplicateAssignment = errors.New("order already has an open delivery")
)
