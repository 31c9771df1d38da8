package courier

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "path/filepath"
    "testing"
    "time"

    "mealtrack/internal/geo"
    "mealtrack/internal/model"
    "mealtrack/internal/session"
)

// stubSource always has a fix and an open (idle) stream.
type stubSource struct{ stream chan model.GeoPosition }

func (s *stubSource) Current(ctx context.Context) (model.GeoPosition, error) {
    return model.GeoPosition{Lat: 40.7, Lng: -74.0}, nil
}
func (s *stubSource) Watch(ctx context.Context) (<-chan model.GeoPosition, error) {
    if s.stream == nil { s.stream = make(chan model.GeoPosition, 8) }
    return s.stream, nil
}

type apiStub struct {
    mux             *http.ServeMux
    delivery        model.Delivery
    orderPatchCode  int
    deliveryPatched []model.DeliveryPatch
    orderPatched    []model.OrderPatch
}

func newAPIStub(d model.Delivery) *apiStub {
    a := &apiStub{mux: http.NewServeMux(), delivery: d, orderPatchCode: 200}
    a.mux.HandleFunc("/v1/deliveries/", func(w http.ResponseWriter, r *http.Request) {
        switch r.Method {
        case http.MethodGet:
            _ = json.NewEncoder(w).Encode(map[string]any{"delivery": a.delivery})
        case http.MethodPost:
            _ = json.NewEncoder(w).Encode(a.delivery)
        case http.MethodPatch:
            var p model.DeliveryPatch
            _ = json.NewDecoder(r.Body).Decode(&p)
            a.deliveryPatched = append(a.deliveryPatched, p)
            if p.ExpectedStatus != "" && p.ExpectedStatus != a.delivery.Status {
                w.WriteHeader(409)
                _ = json.NewEncoder(w).Encode(map[string]any{"title": "Conflict", "detail": "stale"})
                return
            }
            a.delivery.Status = p.Status
            _ = json.NewEncoder(w).Encode(a.delivery)
        }
    })
    a.mux.HandleFunc("/v1/orders/", func(w http.ResponseWriter, r *http.Request) {
        var p model.OrderPatch
        _ = json.NewDecoder(r.Body).Decode(&p)
        a.orderPatched = append(a.orderPatched, p)
        if a.orderPatchCode != 200 {
            w.WriteHeader(a.orderPatchCode)
            _ = json.NewEncoder(w).Encode(map[string]any{"title": "failed"})
            return
        }
        _ = json.NewEncoder(w).Encode(model.Order{ID: a.delivery.OrderID, Status: p.Status})
    })
    return a
}

func newTestEngine(t *testing.T, a *apiStub) (*Engine, *session.Store, *fakeNotify) {
    t.Helper()
    srv := httptest.NewServer(a.mux)
    t.Cleanup(srv.Close)
    sessions, err := session.Open(filepath.Join(t.TempDir(), "s.db"))
    if err != nil {
        t.Fatalf("session store: %v", err)
    }
    t.Cleanup(func() { _ = sessions.Close() })
    tracker := geo.NewTracker(&stubSource{}, nil)
    notify := &fakeNotify{}
    syncer := NewSyncer(&fakeConfirm{answer: true}, notify, nil)
    client := NewClient(srv.URL, "driver:drv_1")
    eng := NewEngine(client, sessions, tracker, syncer, "drv_1", nil)
    return eng, sessions, notify
}

func TestDepartSavesSessionAndStartsTracking(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryAssigned}
    a := newAPIStub(d)
    eng, sessions, _ := newTestEngine(t, a)
    defer eng.teardown(context.Background())

    if err := eng.Depart(context.Background(), d); err != nil {
        t.Fatalf("depart: %v", err)
    }
    sess, err := sessions.Load(context.Background(), "drv_1")
    if err != nil {
        t.Fatalf("session not saved: %v", err)
    }
    if sess.DeliveryID != "del_1" || sess.Status != model.DeliveryOnTheWay {
        t.Fatalf("unexpected session: %+v", sess)
    }
    if !eng.Tracker.Running() {
        t.Fatal("tracker should run while on the way")
    }
}

func TestDepartConflictLeavesStateUntouched(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryAssigned}
    a := newAPIStub(d)
    a.delivery.Status = model.DeliveryCancelled // server moved on
    eng, sessions, notify := newTestEngine(t, a)

    err := eng.Depart(context.Background(), d)
    if !errors.Is(err, ErrConflict) {
        t.Fatalf("expected conflict, got %v", err)
    }
    if _, err := sessions.Load(context.Background(), "drv_1"); !errors.Is(err, session.ErrNoSession) {
        t.Fatal("session must not be created on a rejected transition")
    }
    if eng.Tracker.Running() {
        t.Fatal("tracker must not start on a rejected transition")
    }
    if len(notify.failures) != 1 {
        t.Fatalf("expected one failure notification, got %+v", notify.failures)
    }
}

func TestCompleteTearsDownThenClosesOrder(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryAssigned}
    a := newAPIStub(d)
    eng, sessions, _ := newTestEngine(t, a)

    if err := eng.Depart(context.Background(), d); err != nil {
        t.Fatalf("depart: %v", err)
    }
    sess, _ := sessions.Load(context.Background(), "drv_1")
    if err := eng.Complete(context.Background(), sess); err != nil {
        t.Fatalf("complete: %v", err)
    }
    if eng.Tracker.Running() {
        t.Fatal("tracker must stop on completion")
    }
    if _, err := sessions.Load(context.Background(), "drv_1"); !errors.Is(err, session.ErrNoSession) {
        t.Fatal("session must clear on completion")
    }
    if len(a.orderPatched) != 1 || a.orderPatched[0].Status != model.OrderDelivered {
        t.Fatalf("order must be marked delivered, got %+v", a.orderPatched)
    }
}

func TestCompleteOrderFailureLeavesTeardownStanding(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryAssigned}
    a := newAPIStub(d)
    a.orderPatchCode = 500
    eng, sessions, notify := newTestEngine(t, a)

    if err := eng.Depart(context.Background(), d); err != nil {
        t.Fatalf("depart: %v", err)
    }
    sess, _ := sessions.Load(context.Background(), "drv_1")
    err := eng.Complete(context.Background(), sess)
    if err == nil {
        t.Fatal("expected order update failure to surface")
    }
    // delivery-side teardown already happened and is not rolled back
    if eng.Tracker.Running() {
        t.Fatal("tracker must stay stopped")
    }
    if _, err := sessions.Load(context.Background(), "drv_1"); !errors.Is(err, session.ErrNoSession) {
        t.Fatal("session must stay cleared")
    }
    found := false
    for _, f := range notify.failures {
        if f == "mark order ord_1 delivered" { found = true }
    }
    if !found {
        t.Fatalf("expected action-naming failure notification, got %+v", notify.failures)
    }
    // manual retry of the order step alone succeeds
    a.orderPatchCode = 200
    if err := eng.CompleteOrder(context.Background(), sess.OrderID); err != nil {
        t.Fatalf("retry order completion: %v", err)
    }
}

func TestReconcilePurgesStaleSession(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryDelivered}
    a := newAPIStub(d)
    eng, sessions, _ := newTestEngine(t, a)
    _ = sessions.Save(context.Background(), model.ActiveDeliverySession{
        DeliveryID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryOnTheWay,
    })
    if err := eng.Reconcile(context.Background()); err != nil {
        t.Fatalf("reconcile: %v", err)
    }
    if _, err := sessions.Load(context.Background(), "drv_1"); !errors.Is(err, session.ErrNoSession) {
        t.Fatal("stale session must be purged")
    }
    if eng.Tracker.Running() {
        t.Fatal("tracking must not resume for a closed delivery")
    }
}

func TestReconcileResumesOnTheWay(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryOnTheWay}
    a := newAPIStub(d)
    eng, sessions, _ := newTestEngine(t, a)
    defer eng.teardown(context.Background())
    _ = sessions.Save(context.Background(), model.ActiveDeliverySession{
        DeliveryID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryOnTheWay,
    })
    if err := eng.Reconcile(context.Background()); err != nil {
        t.Fatalf("reconcile: %v", err)
    }
    if !eng.Tracker.Running() {
        t.Fatal("tracking must resume for an on-the-way delivery")
    }
    if _, err := sessions.Load(context.Background(), "drv_1"); err != nil {
        t.Fatalf("session must survive: %v", err)
    }
}

func TestReconcileNoSessionIsNoop(t *testing.T) {
    a := newAPIStub(model.Delivery{})
    eng, _, _ := newTestEngine(t, a)
    if err := eng.Reconcile(context.Background()); err != nil {
        t.Fatalf("reconcile without session: %v", err)
    }
}

func TestClientMapsStatusCodes(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch r.URL.Path {
        case "/v1/deliveries/d401/status":
            w.WriteHeader(401)
        case "/v1/deliveries/d422/status":
            w.WriteHeader(422)
        case "/v1/deliveries/assign-driver":
            w.WriteHeader(409)
            _ = json.NewEncoder(w).Encode(map[string]any{"type": model.ProblemDuplicateAssignment, "detail": "order already has an open delivery"})
        }
    }))
    defer srv.Close()
    c := NewClient(srv.URL, "tok")
    if _, err := c.UpdateDeliveryStatus(context.Background(), "d401", model.DeliveryPatch{Status: model.DeliveryOnTheWay}); !errors.Is(err, ErrUnauthorized) {
        t.Fatalf("401 should map to ErrUnauthorized, got %v", err)
    }
    if _, err := c.UpdateDeliveryStatus(context.Background(), "d422", model.DeliveryPatch{Status: model.DeliveryDelivered}); !errors.Is(err, ErrInvalidTransition) {
        t.Fatalf("422 should map to ErrInvalidTransition, got %v", err)
    }
    if _, err := c.ClaimOrder(context.Background(), "ord_1"); !errors.Is(err, ErrDuplicateAssignment) {
        t.Fatalf("duplicate 409 should map to ErrDuplicateAssignment, got %v", err)
    }
}

func TestStartTrackingReplacesPreviousPump(t *testing.T) {
    a := newAPIStub(model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryOnTheWay})
    eng, _, _ := newTestEngine(t, a)

    if err := eng.startTracking(model.Delivery{ID: "del_1", Status: model.DeliveryOnTheWay}); err != nil {
        t.Fatalf("start first: %v", err)
    }
    eng.mu.Lock()
    done1 := eng.streamDone
    eng.mu.Unlock()

    if err := eng.startTracking(model.Delivery{ID: "del_2", Status: model.DeliveryOnTheWay}); err != nil {
        t.Fatalf("start second: %v", err)
    }
    select {
    case <-done1:
    case <-time.After(2 * time.Second):
        t.Fatal("first pump still alive after the second delivery started tracking")
    }
    if !eng.Tracker.Running() {
        t.Fatal("tracker should keep running for the replacement delivery")
    }

    eng.teardown(context.Background())
    eng.mu.Lock()
    defer eng.mu.Unlock()
    if eng.streamDone != nil || eng.activeID != "" {
        t.Fatalf("teardown left stream state behind: active=%q", eng.activeID)
    }
}

func TestClaimPersistsAssignedSession(t *testing.T) {
    d := model.Delivery{ID: "del_1", OrderID: "ord_1", DriverID: "drv_1", Status: model.DeliveryAssigned}
    a := newAPIStub(d)
    eng, sessions, _ := newTestEngine(t, a)

    if _, err := eng.Claim(context.Background(), "ord_1"); err != nil {
        t.Fatalf("claim: %v", err)
    }
    sess, err := sessions.Load(context.Background(), "drv_1")
    if err != nil {
        t.Fatalf("claim must persist the session: %v", err)
    }
    if sess.DeliveryID != "del_1" || sess.Status != model.DeliveryAssigned {
        t.Fatalf("unexpected session: %+v", sess)
    }
    if eng.Tracker.Running() {
        t.Fatal("tracker must not start before departure")
    }
}
