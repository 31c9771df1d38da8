package model

// Lifecycle event types fanned out over SSE, webhooks and the optional
// Kafka sink.
const (
    EventOrderStatusChanged    = "order.status.changed"
    EventDeliveryStatusChanged = "delivery.status.changed"
    EventPositionUpdated       = "delivery.position.updated"
)

// Problem type URIs carried in RFC7807 responses. Clients dispatch on
// these, never on the human-readable detail text.
const (
    ProblemNotFound            = "urn:mealtrack:problem:not-found"
    ProblemConflict            = "urn:mealtrack:problem:conflict"
    ProblemDuplicateAssignment = "urn:mealtrack:problem:duplicate-assignment"
    ProblemInvalidTransition   = "urn:mealtrack:problem:invalid-transition"
)

type SubscriptionRequest struct {
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret"`
}

type Subscription struct {
    ID     string   `json:"id"`
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret,omitempty"`
}

// StatusChange is the payload shared by the order and delivery change events.
type StatusChange struct {
    OrderID    string `json:"orderId"`
    DeliveryID string `json:"deliveryId,omitempty"`
    DriverID   string `json:"driverId,omitempty"`
    From       string `json:"from"`
    To         string `json:"to"`
    TS         string `json:"ts"`
}
