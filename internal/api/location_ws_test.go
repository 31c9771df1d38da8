package api

import (
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/gorilla/websocket"

    "mealtrack/internal/model"
)

func dialPositions(t *testing.T, srv *httptest.Server, deliveryID, token string) (*websocket.Conn, *http.Response, error) {
    t.Helper()
    u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/deliveries/" + deliveryID + "/positions?access_token=" + token
    return websocket.DefaultDialer.Dial(u, nil)
}

func patchDelivery(t *testing.T, s *Server, token, id string, status model.DeliveryStatus) *httptest.ResponseRecorder {
    t.Helper()
    return doJSON(t, s, s.DeliveryByIDHandler, http.MethodPatch, "/v1/deliveries/"+id+"/status",
        token, map[string]any{"status": status})
}

func TestIngestRefusedUnlessOnTheWay(t *testing.T) {
    s := newTestServer(t)
    srv := httptest.NewServer(http.HandlerFunc(s.DeliveryByIDHandler))
    defer srv.Close()

    o := outForDeliveryOrder(t, s)
    d := claimOrder(t, s, o.ID, "driver:drv_1")

    // still assigned: no fixes yet
    if conn, resp, err := dialPositions(t, srv, d.ID, "driver:drv_1"); err == nil {
        _ = conn.Close()
        t.Fatal("ingest upgrade accepted for an assigned delivery")
    } else if resp == nil || resp.StatusCode != http.StatusConflict {
        t.Fatalf("expected 409 refusing ingest, got %+v", resp)
    }

    // terminal: same refusal, and the cache stays empty
    if rr := patchDelivery(t, s, "driver:drv_1", d.ID, model.DeliveryOnTheWay); rr.Code != 200 {
        t.Fatalf("depart: %d %s", rr.Code, rr.Body.String())
    }
    if rr := patchDelivery(t, s, "driver:drv_1", d.ID, model.DeliveryDelivered); rr.Code != 200 {
        t.Fatalf("deliver: %d %s", rr.Code, rr.Body.String())
    }
    if conn, resp, err := dialPositions(t, srv, d.ID, "driver:drv_1"); err == nil {
        _ = conn.Close()
        t.Fatal("ingest upgrade accepted for a delivered delivery")
    } else if resp == nil || resp.StatusCode != http.StatusConflict {
        t.Fatalf("expected 409 refusing ingest, got %+v", resp)
    }
    if _, ok := s.Locations.Latest(d.ID); ok {
        t.Fatal("no position must be cached for a delivery that never went on the way live")
    }
}

func TestIngestStopsWhenDeliveryEnds(t *testing.T) {
    s := newTestServer(t)
    srv := httptest.NewServer(http.HandlerFunc(s.DeliveryByIDHandler))
    defer srv.Close()

    o := outForDeliveryOrder(t, s)
    d := claimOrder(t, s, o.ID, "driver:drv_1")
    if rr := patchDelivery(t, s, "driver:drv_1", d.ID, model.DeliveryOnTheWay); rr.Code != 200 {
        t.Fatalf("depart: %d %s", rr.Code, rr.Body.String())
    }

    conn, _, err := dialPositions(t, srv, d.ID, "driver:drv_1")
    if err != nil {
        t.Fatalf("dial: %v", err)
    }
    defer func() { _ = conn.Close() }()

    pos := positionAt(40.74, -73.98)
    if err := conn.WriteJSON(wsEnvelope{Type: "position", Position: &pos}); err != nil {
        t.Fatalf("write fix: %v", err)
    }
    deadline := time.Now().Add(2 * time.Second)
    for {
        if _, ok := s.Locations.Latest(d.ID); ok { break }
        if time.Now().After(deadline) { t.Fatal("fix never reached the cache") }
        time.Sleep(5 * time.Millisecond)
    }

    // delivery ends; the cache is dropped and the open socket must not refill it
    if rr := patchDelivery(t, s, "driver:drv_1", d.ID, model.DeliveryDelivered); rr.Code != 200 {
        t.Fatalf("deliver: %d %s", rr.Code, rr.Body.String())
    }
    late := positionAt(1, 2)
    if err := conn.WriteJSON(wsEnvelope{Type: "position", Position: &late}); err != nil {
        t.Fatalf("write late fix: %v", err)
    }
    _ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
    var env wsEnvelope
    if err := conn.ReadJSON(&env); err != nil {
        t.Fatalf("expected an error envelope before close: %v", err)
    }
    if env.Type != "error" {
        t.Fatalf("expected error envelope, got %+v", env)
    }
    if _, ok := s.Locations.Latest(d.ID); ok {
        t.Fatal("late fix repopulated the cache after the delivery ended")
    }
}
