package api

import (
    "context"
    "net/http"
    "time"

    "github.com/gorilla/websocket"
    "golang.org/x/time/rate"

    "mealtrack/internal/metrics"
    "mealtrack/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsEnvelope struct {
    Type     string             `json:"type"`
    Position *model.GeoPosition `json:"position,omitempty"`
    Error    string             `json:"error,omitempty"`
}

// PositionsWSHandler serves /v1/deliveries/{id}/positions. The assigned
// driver pushes fixes; everyone else authorized for the delivery watches.
// Bearer token comes from the Authorization header or, for browser clients
// that cannot set headers on upgrade, the access_token query parameter.
func (s *Server) PositionsWSHandler(w http.ResponseWriter, r *http.Request, deliveryID string) {
    token := bearerToken(r)
    if token == "" { token = r.URL.Query().Get("access_token") }
    p, err := s.Auth.Verify(token)
    if err != nil {
        writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid or missing token", r.URL.Path)
        return
    }
    d, err := s.Store.GetDelivery(r.Context(), deliveryID)
    if err != nil {
        writeStoreError(w, err, "Delivery lookup failed", r.URL.Path)
        return
    }
    isDriver := p.Role == "driver" && p.DriverID == d.DriverID
    if !isDriver && !p.IsAdmin() && p.Role != "restaurant" {
        writeProblem(w, http.StatusForbidden, "Forbidden", "not authorized for this delivery", r.URL.Path)
        return
    }
    // fixes are only valid while the delivery is on the way
    if isDriver && d.Status != model.DeliveryOnTheWay {
        writeTypedProblem(w, http.StatusConflict, model.ProblemConflict, "Delivery not trackable",
            "positions are accepted only while the delivery is on the way", r.URL.Path)
        return
    }

    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil { return }
    defer func() { _ = conn.Close() }()

    conn.SetReadLimit(1 << 16)
    _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

    if isDriver {
        s.ingestPositions(r.Context(), conn, d)
        return
    }
    s.watchPositions(conn, deliveryID)
}

// ingestPositions reads fixes pushed by the assigned driver. Each accepted
// fix replaces the cached latest and fans out to SSE/ws watchers. The
// delivery's status is re-read per accepted fix: once it leaves on_the_way
// the connection closes and nothing more reaches the cache, even if the
// terminal transition raced an already-open socket.
func (s *Server) ingestPositions(ctx context.Context, conn *websocket.Conn, d model.Delivery) {
    lim := rate.NewLimiter(rate.Limit(s.Cfg.Ingest.RateRPS), s.Cfg.Ingest.RateBurst)
    for {
        var env wsEnvelope
        if err := conn.ReadJSON(&env); err != nil { return }
        _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        if env.Type == "ping" {
            _ = conn.WriteJSON(wsEnvelope{Type: "pong"})
            continue
        }
        if env.Type != "position" || env.Position == nil {
            _ = conn.WriteJSON(wsEnvelope{Type: "error", Error: "expected position message"})
            continue
        }
        if !lim.Allow() {
            metrics.PositionUpdates.WithLabelValues("throttled").Inc()
            continue
        }
        cur, err := s.Store.GetDelivery(ctx, d.ID)
        if err != nil || cur.Status != model.DeliveryOnTheWay {
            metrics.PositionUpdates.WithLabelValues("rejected").Inc()
            _ = conn.WriteJSON(wsEnvelope{Type: "error", Error: "delivery is no longer on the way"})
            return
        }
        pos := *env.Position
        if err := validatePosition(pos); err != nil {
            metrics.PositionUpdates.WithLabelValues("rejected").Inc()
            _ = conn.WriteJSON(wsEnvelope{Type: "error", Error: err.Error()})
            continue
        }
        if pos.TS.IsZero() { pos.TS = time.Now().UTC() }
        s.Locations.Upsert(d.ID, pos)
        metrics.PositionUpdates.WithLabelValues("ok").Inc()
        s.Broker.Publish(d.ID, Event{Type: model.EventPositionUpdated, Data: map[string]any{
            "deliveryId": d.ID,
            "driverId":   d.DriverID,
            "lat":        pos.Lat,
            "lng":        pos.Lng,
            "accuracy":   pos.Accuracy,
            "ts":         pos.TS.Format(time.RFC3339),
        }})
    }
}

// watchPositions relays broker events for the delivery to a read-only client.
func (s *Server) watchPositions(conn *websocket.Conn, deliveryID string) {
    ch := s.Broker.Subscribe(deliveryID)
    defer s.Broker.Unsubscribe(deliveryID, ch)

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            if _, _, err := conn.ReadMessage(); err != nil { return }
            _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        }
    }()
    ping := time.NewTicker(20 * time.Second)
    defer ping.Stop()
    if pos, ok := s.Locations.Latest(deliveryID); ok {
        _ = conn.WriteJSON(wsEnvelope{Type: "position", Position: &pos})
    }
    for {
        select {
        case <-done:
            return
        case evt := <-ch:
            if err := conn.WriteJSON(map[string]any{"type": evt.Type, "data": evt.Data}); err != nil { return }
        case <-ping.C:
            if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil { return }
        }
    }
}
