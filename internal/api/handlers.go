package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "mealtrack/internal/auth"
    "mealtrack/internal/buildinfo"
    "mealtrack/internal/metrics"
    "mealtrack/internal/model"
    "mealtrack/internal/store"
)

// OrdersHandler handles POST /v1/orders (checkout collaborator hands orders in).
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p, ok := s.principal(w, r)
    if !ok { return }
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    var in model.OrderIn
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := validateOrderIn(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid order", err.Error(), r.URL.Path)
        return
    }
    o, err := s.Store.CreateOrder(r.Context(), in)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Create order failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusCreated, o)
}

// OrdersByRestaurantHandler handles GET /v1/orders/by-restaurant/{restaurantId}.
func (s *Server) OrdersByRestaurantHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    restaurantID := strings.TrimPrefix(r.URL.Path, "/v1/orders/by-restaurant/")
    if restaurantID == "" || strings.Contains(restaurantID, "/") {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing restaurant id", r.URL.Path)
        return
    }
    if !p.IsAdmin() && p.RestaurantID != restaurantID {
        writeProblem(w, 403, "Forbidden", "not your restaurant", r.URL.Path)
        return
    }
    status := model.OrderStatus(r.URL.Query().Get("status"))
    if status != "" && !status.Valid() {
        writeProblem(w, http.StatusBadRequest, "Invalid status filter", string(status), r.URL.Path)
        return
    }
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListOrdersByRestaurant(r.Context(), restaurantID, status, cursor, limit)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// ClaimableOrdersHandler handles GET /v1/orders/claimable: the pool the
// courier poller consumes. Drivers and admins only.
func (s *Server) ClaimableOrdersHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    if !(p.IsAdmin() || p.Role == "driver") { writeProblem(w, 403, "Forbidden", "driver or admin required", r.URL.Path); return }
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListClaimableOrders(r.Context(), cursor, limit)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List claimable failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// OrderByIDHandler handles GET/PATCH /v1/orders/{id}.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
    if rest == r.URL.Path || rest == "" || strings.Contains(rest, "/") {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing order id", r.URL.Path)
        return
    }
    id := rest
    p, ok := s.principal(w, r)
    if !ok { return }

    switch r.Method {
    case http.MethodGet:
        o, err := s.Store.GetOrder(r.Context(), id)
        if err != nil { writeStoreError(w, err, "Order lookup failed", r.URL.Path); return }
        if !p.IsAdmin() && p.RestaurantID != o.RestaurantID && p.Role != "driver" {
            writeProblem(w, 403, "Forbidden", "not authorized for this order", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, o)
    case http.MethodPatch:
        var patch model.OrderPatch
        if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if !patch.Status.Valid() {
            writeProblem(w, http.StatusBadRequest, "Invalid status", string(patch.Status), r.URL.Path)
            return
        }
        cur, err := s.Store.GetOrder(r.Context(), id)
        if err != nil { writeStoreError(w, err, "Order lookup failed", r.URL.Path); return }
        if !s.mayTransitionOrder(p, cur, patch.Status, r) {
            writeProblem(w, 403, "Forbidden", "role may not perform this transition", r.URL.Path)
            return
        }
        // a terminal order closes its open delivery; remember it so the
        // cascade can be broadcast to that delivery's watchers
        var open *model.Delivery
        if patch.Status.Terminal() {
            if d, err := s.Store.GetOpenDeliveryByOrder(r.Context(), id); err == nil { open = &d }
        }
        o, err := s.Store.TransitionOrder(r.Context(), id, patch)
        if err != nil {
            metrics.StatusTransitions.WithLabelValues("order", string(patch.Status), transitionOutcome(err)).Inc()
            writeStoreError(w, err, "Order transition failed", r.URL.Path)
            return
        }
        metrics.StatusTransitions.WithLabelValues("order", string(patch.Status), "ok").Inc()
        s.emitOrderChange(r.Context(), cur, o)
        if open != nil {
            if closed, err := s.Store.GetDelivery(r.Context(), open.ID); err == nil && closed.Status.Terminal() {
                s.emitDeliveryChange(r.Context(), closed, string(open.Status))
                s.Locations.Drop(closed.ID)
            }
        }
        writeJSON(w, http.StatusOK, o)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// mayTransitionOrder encodes who drives which order edges: restaurants run
// the kitchen-side edges for their own orders, drivers close out orders they
// hold the open delivery for, admins may do anything.
func (s *Server) mayTransitionOrder(p auth.Principal, o model.Order, target model.OrderStatus, r *http.Request) bool {
    if p.IsAdmin() { return true }
    switch p.Role {
    case "restaurant":
        if p.RestaurantID != o.RestaurantID { return false }
        switch target {
        case model.OrderConfirmed, model.OrderPreparing, model.OrderOutForDelivery, model.OrderCancelled:
            return true
        }
        return false
    case "driver":
        if target != model.OrderDelivered && target != model.OrderCancelled { return false }
        // the courier closes its delivery before the order, so the
        // delivery may already be terminal here; any assignment counts
        dels, err := s.Store.ListDeliveriesByDriver(r.Context(), p.DriverID, false)
        if err != nil { return false }
        for _, d := range dels {
            if d.OrderID == o.ID { return true }
        }
        return false
    }
    return false
}

// AssignDriverHandler handles POST /v1/deliveries/assign-driver.
func (s *Server) AssignDriverHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    var req model.AssignDriverRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if req.OrderID == "" {
        writeProblem(w, http.StatusBadRequest, "Missing orderId", "", r.URL.Path)
        return
    }
    // drivers claim for themselves; admins may assign any driver
    switch {
    case p.Role == "driver":
        if p.DriverID == "" { writeProblem(w, 403, "Forbidden", "driver token missing driver binding", r.URL.Path); return }
        if req.DriverID != "" && req.DriverID != p.DriverID {
            writeProblem(w, 403, "Forbidden", "drivers claim only for themselves", r.URL.Path)
            return
        }
        req.DriverID = p.DriverID
    case p.IsAdmin():
        if req.DriverID == "" { writeProblem(w, http.StatusBadRequest, "Missing driverId", "", r.URL.Path); return }
    default:
        writeProblem(w, 403, "Forbidden", "driver or admin required", r.URL.Path)
        return
    }
    d, err := s.Store.CreateDelivery(r.Context(), req.OrderID, req.DriverID)
    if err != nil {
        metrics.StatusTransitions.WithLabelValues("delivery", string(model.DeliveryAssigned), transitionOutcome(err)).Inc()
        writeStoreError(w, err, "Assign driver failed", r.URL.Path)
        return
    }
    metrics.StatusTransitions.WithLabelValues("delivery", string(model.DeliveryAssigned), "ok").Inc()
    s.emitDeliveryChange(r.Context(), d, "")
    writeJSON(w, http.StatusCreated, d)
}

// DeliveriesByDriverHandler handles GET /v1/deliveries/by-driver.
func (s *Server) DeliveriesByDriverHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    driverID := p.DriverID
    if p.IsAdmin() {
        if v := r.URL.Query().Get("driverId"); v != "" { driverID = v }
    }
    if driverID == "" {
        writeProblem(w, http.StatusBadRequest, "Missing driver binding", "driver token or driverId query required", r.URL.Path)
        return
    }
    activeOnly := r.URL.Query().Get("active") == "true"
    items, err := s.Store.ListDeliveriesByDriver(r.Context(), driverID, activeOnly)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DeliveryByIDHandler handles GET /v1/deliveries/{id}, PATCH
// /v1/deliveries/{id}/status, GET /v1/deliveries/{id}/events/stream (SSE)
// and /v1/deliveries/{id}/positions (websocket, see location_ws.go).
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing delivery id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]

    if len(parts) == 2 && parts[1] == "positions" {
        s.PositionsWSHandler(w, r, id)
        return
    }

    p, ok := s.principal(w, r)
    if !ok { return }

    if len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" {
        s.deliveryEventStream(w, r, p, id)
        return
    }
    if len(parts) == 2 && parts[1] == "status" {
        if r.Method != http.MethodPatch { w.WriteHeader(http.StatusMethodNotAllowed); return }
        var patch model.DeliveryPatch
        if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if !patch.Status.Valid() {
            writeProblem(w, http.StatusBadRequest, "Invalid status", string(patch.Status), r.URL.Path)
            return
        }
        cur, err := s.Store.GetDelivery(r.Context(), id)
        if err != nil { writeStoreError(w, err, "Delivery lookup failed", r.URL.Path); return }
        // single-owner rule: only the assigned driver (or admin) mutates
        if !p.IsAdmin() && (p.Role != "driver" || p.DriverID != cur.DriverID) {
            writeProblem(w, 403, "Forbidden", "only the assigned driver may update this delivery", r.URL.Path)
            return
        }
        d, err := s.Store.TransitionDelivery(r.Context(), id, patch)
        if err != nil {
            metrics.StatusTransitions.WithLabelValues("delivery", string(patch.Status), transitionOutcome(err)).Inc()
            writeStoreError(w, err, "Delivery transition failed", r.URL.Path)
            return
        }
        metrics.StatusTransitions.WithLabelValues("delivery", string(patch.Status), "ok").Inc()
        s.emitDeliveryChange(r.Context(), d, string(cur.Status))
        if d.Status.Terminal() {
            s.Locations.Drop(d.ID)
        }
        writeJSON(w, http.StatusOK, d)
        return
    }
    if len(parts) != 1 { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }

    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    d, err := s.Store.GetDelivery(r.Context(), id)
    if err != nil { writeStoreError(w, err, "Delivery lookup failed", r.URL.Path); return }
    resp := map[string]any{"delivery": d}
    if pos, ok := s.Locations.Latest(id); ok { resp["lastPosition"] = pos }
    writeJSON(w, http.StatusOK, resp)
}

// deliveryEventStream serves the SSE feed of status and position events for
// one delivery, with periodic heartbeats.
func (s *Server) deliveryEventStream(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    if !p.IsAdmin() && p.Role != "restaurant" {
        d, err := s.Store.GetDelivery(r.Context(), id)
        if err != nil { writeStoreError(w, err, "Delivery lookup failed", r.URL.Path); return }
        if p.Role != "driver" || p.DriverID == "" || p.DriverID != d.DriverID {
            writeProblem(w, 403, "Forbidden", "not authorized for delivery events", r.URL.Path)
            return
        }
    }
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(id)
    defer s.Broker.Unsubscribe(id, ch)
    // initial heartbeat
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"deliveryId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"deliveryId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// emitOrderChange fans an order transition out to webhooks and the optional
// Kafka sink. Order events are not delivery-scoped, so the SSE broker is not
// involved here.
func (s *Server) emitOrderChange(ctx context.Context, before, after model.Order) {
    change := model.StatusChange{
        OrderID: after.ID,
        From:    string(before.Status),
        To:      string(after.Status),
        TS:      time.Now().UTC().Format(time.RFC3339),
    }
    s.Pub.Emit(ctx, model.EventOrderStatusChanged, change)
    if s.Sink != nil {
        s.Sink.Publish(ctx, model.EventOrderStatusChanged, after.ID, change)
    }
}

func (s *Server) emitDeliveryChange(ctx context.Context, d model.Delivery, from string) {
    change := model.StatusChange{
        OrderID:    d.OrderID,
        DeliveryID: d.ID,
        DriverID:   d.DriverID,
        From:       from,
        To:         string(d.Status),
        TS:         time.Now().UTC().Format(time.RFC3339),
    }
    s.Pub.Emit(ctx, model.EventDeliveryStatusChanged, change)
    if s.Sink != nil {
        s.Sink.Publish(ctx, model.EventDeliveryStatusChanged, d.ID, change)
    }
    s.Broker.Publish(d.ID, Event{Type: model.EventDeliveryStatusChanged, Data: map[string]any{
        "orderId": d.OrderID, "deliveryId": d.ID, "driverId": d.DriverID, "from": from, "to": string(d.Status), "ts": change.TS,
    }})
}

func transitionOutcome(err error) string {
    switch {
    case err == nil:
        return "ok"
    case isConflict(err):
        return "conflict"
    default:
        return "invalid"
    }
}

func isConflict(err error) bool { return errors.Is(err, store.ErrConflict) }

// Health

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    info := buildinfo.Info()
    info["status"] = "ok"
    writeJSON(w, 200, info)
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using the Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin).
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    p, ok := s.principal(w, r)
    if !ok { return }
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.URL == "" || len(req.Events) == 0 {
            writeProblem(w, http.StatusBadRequest, "Missing url or events", "", r.URL.Path)
            return
        }
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), cursor, limit)
        if err != nil { writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path); return }
        writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id} (admin).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), id); err != nil { writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path); return }
    w.WriteHeader(204)
}

// WebhookDeliveriesHandler lists queued webhook deliveries (admin).
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler requeues a webhook delivery (admin).
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil { writeStoreError(w, err, "Retry delivery failed", r.URL.Path); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}
