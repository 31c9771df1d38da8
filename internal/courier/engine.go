package courier

import (
    "context"
    "errors"
    "sync"
    "time"

    "go.uber.org/zap"

    "mealtrack/internal/geo"
    "mealtrack/internal/model"
    "mealtrack/internal/session"
)

// Engine drives one driver's delivery lifecycle: claiming orders, running
// the live tracker while on the way, and closing out the delivery and its
// order. The backend is the sole serialization point; the engine never
// mutates local state before the server acknowledged.
type Engine struct {
    Client   *Client
    Sessions *session.Store
    Tracker  *geo.Tracker
    Sync     *Syncer
    Log      *zap.Logger
    DriverID string

    mu         sync.Mutex
    activeID   string
    streamDone chan struct{}
    streamStop context.CancelFunc
}

func NewEngine(c *Client, sessions *session.Store, tracker *geo.Tracker, syncer *Syncer, driverID string, log *zap.Logger) *Engine {
    if log == nil { log = zap.NewNop() }
    return &Engine{Client: c, Sessions: sessions, Tracker: tracker, Sync: syncer, Log: log, DriverID: driverID}
}

// Claim assigns this driver to an awaiting order.
func (e *Engine) Claim(ctx context.Context, orderID string) (model.Delivery, error) {
    var d model.Delivery
    err := e.Sync.Do(ctx, "claim order "+orderID,
        func(ctx context.Context) error {
            var err error
            d, err = e.Client.ClaimOrder(ctx, orderID)
            return err
        },
        func() {
            _ = e.Sessions.Save(ctx, model.ActiveDeliverySession{
                DeliveryID: d.ID, OrderID: d.OrderID, DriverID: e.DriverID,
                Status: d.Status, CachedAt: time.Now().UTC(),
            })
        })
    return d, err
}

// Depart moves the delivery to on-the-way. Only after the server accepts
// does the tracker start and the session persist; a rejected transition
// leaves everything untouched.
func (e *Engine) Depart(ctx context.Context, d model.Delivery) error {
    var updated model.Delivery
    return e.Sync.Do(ctx, "start delivery "+d.ID,
        func(ctx context.Context) error {
            var err error
            updated, err = e.Client.UpdateDeliveryStatus(ctx, d.ID, model.DeliveryPatch{
                Status: model.DeliveryOnTheWay, ExpectedStatus: d.Status,
            })
            return err
        },
        func() {
            _ = e.Sessions.Save(ctx, model.ActiveDeliverySession{
                DeliveryID: updated.ID, OrderID: updated.OrderID, DriverID: e.DriverID,
                Status: updated.Status, CachedAt: time.Now().UTC(),
            })
            if err := e.startTracking(updated); err != nil {
                e.Log.Warn("tracking unavailable", zap.String("delivery", updated.ID), zap.Error(err))
            }
        })
}

// Complete closes out the delivery. The delivery update and the order
// update are two independent network calls: when the first succeeds the
// tracker stops and the session clears regardless of what the second does.
// A failed order update leaves a documented inconsistent window the user
// resolves by retrying CompleteOrder.
func (e *Engine) Complete(ctx context.Context, sess model.ActiveDeliverySession) error {
    err := e.Sync.Do(ctx, "complete delivery "+sess.DeliveryID,
        func(ctx context.Context) error {
            _, err := e.Client.UpdateDeliveryStatus(ctx, sess.DeliveryID, model.DeliveryPatch{
                Status: model.DeliveryDelivered, ExpectedStatus: model.DeliveryOnTheWay,
            })
            return err
        },
        func() { e.teardown(ctx) })
    if err != nil {
        return err
    }
    return e.CompleteOrder(ctx, sess.OrderID)
}

// CompleteOrder marks the order delivered. Split out so the user can retry
// it alone after a Complete whose second step failed.
func (e *Engine) CompleteOrder(ctx context.Context, orderID string) error {
    return e.Sync.Do(ctx, "mark order "+orderID+" delivered",
        func(ctx context.Context) error {
            _, err := e.Client.UpdateOrderStatus(ctx, orderID, model.OrderPatch{
                Status: model.OrderDelivered, ExpectedStatus: model.OrderOutForDelivery,
            })
            return err
        }, nil)
}

// Cancel abandons the delivery and tears down tracking.
func (e *Engine) Cancel(ctx context.Context, sess model.ActiveDeliverySession) error {
    return e.Sync.Do(ctx, "cancel delivery "+sess.DeliveryID,
        func(ctx context.Context) error {
            _, err := e.Client.UpdateDeliveryStatus(ctx, sess.DeliveryID, model.DeliveryPatch{
                Status: model.DeliveryCancelled, ExpectedStatus: sess.Status,
            })
            return err
        },
        func() { e.teardown(ctx) })
}

// Reconcile runs at startup: a cached session is only trusted after the
// server confirms the delivery is still open. Stale sessions are purged;
// an on-the-way delivery resumes live tracking.
func (e *Engine) Reconcile(ctx context.Context) error {
    sess, err := e.Sessions.Load(ctx, e.DriverID)
    if errors.Is(err, session.ErrNoSession) {
        return nil
    }
    if err != nil {
        return err
    }
    d, err := e.Client.GetDelivery(ctx, sess.DeliveryID)
    if err != nil {
        var apiErr *APIError
        if errors.As(err, &apiErr) && apiErr.Status == 404 {
            e.Log.Info("purging session for unknown delivery", zap.String("delivery", sess.DeliveryID))
            return e.Sessions.Clear(ctx, e.DriverID)
        }
        return err
    }
    if !d.Status.Open() {
        e.Log.Info("purging stale session", zap.String("delivery", d.ID), zap.String("status", string(d.Status)))
        return e.Sessions.Clear(ctx, e.DriverID)
    }
    if d.Status != sess.Status {
        sess.Status = d.Status
        sess.CachedAt = time.Now().UTC()
        if err := e.Sessions.Save(ctx, sess); err != nil {
            return err
        }
    }
    if d.Status == model.DeliveryOnTheWay {
        if err := e.startTracking(d); err != nil {
            e.Log.Warn("could not resume tracking", zap.String("delivery", d.ID), zap.Error(err))
        }
    }
    return nil
}

// Active returns the cached session, if any.
func (e *Engine) Active(ctx context.Context) (model.ActiveDeliverySession, error) {
    return e.Sessions.Load(ctx, e.DriverID)
}

// startTracking starts the tracker and pumps its fixes to the server over
// the position websocket. The pump's context dies with teardown, so a fix
// arriving after the session ended is discarded, not uploaded.
func (e *Engine) startTracking(d model.Delivery) error {
    e.mu.Lock()
    if e.activeID == d.ID {
        e.mu.Unlock()
        return nil
    }
    // a previous delivery may still be pumping; its goroutine must not
    // outlive its replacement
    prevCancel, prevDone := e.streamStop, e.streamDone
    e.activeID = ""
    e.streamStop, e.streamDone = nil, nil
    e.mu.Unlock()
    if prevCancel != nil { prevCancel() }
    if prevDone != nil { <-prevDone }
    // the tracker run was bound to the previous stream context
    if prevCancel != nil { e.Tracker.Stop() }

    streamCtx, cancel := context.WithCancel(context.Background())
    if err := e.Tracker.Start(streamCtx); err != nil {
        cancel()
        return err
    }
    sub := e.Tracker.Subscribe()
    done := make(chan struct{})

    e.mu.Lock()
    e.activeID = d.ID
    e.streamStop = cancel
    e.streamDone = done
    e.mu.Unlock()

    go func() {
        defer close(done)
        defer e.Tracker.Unsubscribe(sub)
        for streamCtx.Err() == nil {
            if err := e.Client.StreamPositions(streamCtx, d.ID, sub); err != nil {
                if streamCtx.Err() != nil { return }
                e.Log.Warn("position stream interrupted", zap.String("delivery", d.ID), zap.Error(err))
                select {
                case <-streamCtx.Done():
                    return
                case <-time.After(5 * time.Second):
                }
                continue
            }
            return
        }
    }()
    return nil
}

// teardown stops tracking synchronously and clears the session. Local
// resources go first; the in-flight stream may still unwind but its
// results are discarded.
func (e *Engine) teardown(ctx context.Context) {
    e.mu.Lock()
    cancel := e.streamStop
    done := e.streamDone
    e.activeID = ""
    e.streamStop = nil
    e.streamDone = nil
    e.mu.Unlock()
    if cancel != nil { cancel() }
    e.Tracker.Stop()
    if done != nil { <-done }
    _ = e.Sessions.Clear(ctx, e.DriverID)
}
