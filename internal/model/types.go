package model

import "time"

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
    OrderPending        OrderStatus = "pending"
    OrderConfirmed      OrderStatus = "confirmed"
    OrderPreparing      OrderStatus = "preparing"
    OrderOutForDelivery OrderStatus = "out_for_delivery"
    OrderDelivered      OrderStatus = "delivered"
    OrderCancelled      OrderStatus = "cancelled"
)

// DeliveryStatus is the closed set of delivery lifecycle states.
type DeliveryStatus string

const (
    DeliveryAssigned  DeliveryStatus = "assigned"
    DeliveryOnTheWay  DeliveryStatus = "on_the_way"
    DeliveryDelivered DeliveryStatus = "delivered"
    DeliveryCancelled DeliveryStatus = "cancelled"
)

// orderNext is the single transition table for orders. Every mutation path
// consults it; legality is never re-derived per call site.
var orderNext = map[OrderStatus][]OrderStatus{
    OrderPending:        {OrderConfirmed, OrderCancelled},
    OrderConfirmed:      {OrderPreparing, OrderCancelled},
    OrderPreparing:      {OrderOutForDelivery, OrderCancelled},
    OrderOutForDelivery: {OrderDelivered, OrderCancelled},
    OrderDelivered:      {},
    OrderCancelled:      {},
}

var deliveryNext = map[DeliveryStatus][]DeliveryStatus{
    DeliveryAssigned:  {DeliveryOnTheWay, DeliveryCancelled},
    DeliveryOnTheWay:  {DeliveryDelivered, DeliveryCancelled},
    DeliveryDelivered: {},
    DeliveryCancelled: {},
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool { _, ok := orderNext[s]; return ok }

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s == OrderDelivered || s == OrderCancelled }

// AllowedNext returns the legal targets from s.
func (s OrderStatus) AllowedNext() []OrderStatus { return orderNext[s] }

// CanTransition reports whether s -> target is a legal edge.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
    for _, t := range orderNext[s] {
        if t == target { return true }
    }
    return false
}

func (s DeliveryStatus) Valid() bool { _, ok := deliveryNext[s]; return ok }

func (s DeliveryStatus) Terminal() bool { return s == DeliveryDelivered || s == DeliveryCancelled }

// Open reports whether the delivery still binds its order (assigned or on the way).
func (s DeliveryStatus) Open() bool { return s == DeliveryAssigned || s == DeliveryOnTheWay }

func (s DeliveryStatus) AllowedNext() []DeliveryStatus { return deliveryNext[s] }

func (s DeliveryStatus) CanTransition(target DeliveryStatus) bool {
    for _, t := range deliveryNext[s] {
        if t == target { return true }
    }
    return false
}

// Address is a delivery destination. Instructions are free-form courier notes.
type Address struct {
    Lat          float64 `json:"lat"`
    Lng          float64 `json:"lng"`
    Street       string  `json:"street"`
    City         string  `json:"city"`
    Instructions string  `json:"instructions,omitempty"`
}

type OrderItem struct {
    Name     string  `json:"name"`
    Quantity int     `json:"quantity"`
    Price    float64 `json:"price"`
}

// Order is a customer purchase request routed to a restaurant.
type Order struct {
    ID            string      `json:"id"`
    Status        OrderStatus `json:"status"`
    RestaurantID  string      `json:"restaurantId"`
    CustomerID    string      `json:"customerId"`
    Items         []OrderItem `json:"items"`
    Address       Address     `json:"deliveryAddress"`
    TotalPrice    float64     `json:"totalPrice"`
    PaymentMethod string      `json:"paymentMethod"`
    CreatedAt     time.Time   `json:"createdAt"`
}

// Delivery binds an order to a driver for the last mile.
type Delivery struct {
    ID        string         `json:"id"`
    OrderID   string         `json:"orderId"`
    DriverID  string         `json:"driverId"`
    Status    DeliveryStatus `json:"status"`
    CreatedAt time.Time      `json:"createdAt"`
}

// GeoPosition is a single device fix. Transient: held in caches and streams,
// never persisted server-side.
type GeoPosition struct {
    Lat      float64   `json:"lat"`
    Lng      float64   `json:"lng"`
    Accuracy float64   `json:"accuracy,omitempty"`
    TS       time.Time `json:"ts"`
}

// ActiveDeliverySession is the courier-local record of the delivery being
// tracked live. It must not outlive its delivery reaching a terminal state.
type ActiveDeliverySession struct {
    DeliveryID string         `json:"deliveryId"`
    OrderID    string         `json:"orderId"`
    DriverID   string         `json:"driverId"`
    Status     DeliveryStatus `json:"status"`
    CachedAt   time.Time      `json:"cachedAt"`
}

// OrderIn is the create payload accepted from the checkout collaborator.
type OrderIn struct {
    RestaurantID  string      `json:"restaurantId"`
    CustomerID    string      `json:"customerId"`
    Items         []OrderItem `json:"items"`
    Address       Address     `json:"deliveryAddress"`
    TotalPrice    float64     `json:"totalPrice"`
    PaymentMethod string      `json:"paymentMethod"`
}

// OrderPatch carries a requested order transition. ExpectedStatus is the
// caller's last-known status; the store rejects the call when it is stale.
type OrderPatch struct {
    Status         OrderStatus `json:"status"`
    ExpectedStatus OrderStatus `json:"expectedStatus,omitempty"`
}

type DeliveryPatch struct {
    Status         DeliveryStatus `json:"status"`
    ExpectedStatus DeliveryStatus `json:"expectedStatus,omitempty"`
}

// AssignDriverRequest creates a delivery for an out-for-delivery order.
type AssignDriverRequest struct {
    OrderID  string `json:"orderId"`
    DriverID string `json:"driverId"`
}
