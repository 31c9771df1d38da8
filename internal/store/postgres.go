package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "mealtrack/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// Ping reports DB connectivity; used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

var schema = []string{
    `CREATE TABLE IF NOT EXISTS orders (
        id UUID PRIMARY KEY,
        status TEXT NOT NULL,
        restaurant_id TEXT NOT NULL,
        customer_id TEXT NOT NULL,
        items JSONB NOT NULL DEFAULT '[]',
        address JSONB NOT NULL DEFAULT '{}',
        total_price NUMERIC(10,2) NOT NULL DEFAULT 0,
        payment_method TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
    `CREATE INDEX IF NOT EXISTS idx_orders_restaurant ON orders (restaurant_id, created_at DESC)`,
    `CREATE TABLE IF NOT EXISTS deliveries (
        id UUID PRIMARY KEY,
        order_id UUID NOT NULL REFERENCES orders(id),
        driver_id TEXT NOT NULL,
        status TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
    // one open delivery per order, enforced by the database as well
    `CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_open_order ON deliveries (order_id) WHERE status IN ('assigned','on_the_way')`,
    `CREATE INDEX IF NOT EXISTS idx_deliveries_driver ON deliveries (driver_id, created_at DESC, id DESC)`,
    `CREATE TABLE IF NOT EXISTS subscriptions (
        id UUID PRIMARY KEY,
        url TEXT NOT NULL,
        events TEXT[] NOT NULL,
        secret TEXT NOT NULL DEFAULT ''
    )`,
    `CREATE TABLE IF NOT EXISTS webhook_deliveries (
        id UUID PRIMARY KEY,
        subscription_id UUID,
        event_type TEXT NOT NULL,
        url TEXT NOT NULL,
        secret TEXT NOT NULL DEFAULT '',
        payload BYTEA NOT NULL,
        status TEXT NOT NULL DEFAULT 'pending',
        attempts INT NOT NULL DEFAULT 0,
        next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        last_error TEXT NOT NULL DEFAULT '',
        response_code INT NOT NULL DEFAULT 0,
        latency_ms INT NOT NULL DEFAULT 0
    )`,
}

// Migrate applies the embedded schema (dev helper, mirrors the env-gated
// migration step in server startup).
func (p *Postgres) Migrate(ctx context.Context) error {
    for _, stmt := range schema {
        if _, err := p.db.ExecContext(ctx, stmt); err != nil {
            return err
        }
    }
    return nil
}

func (p *Postgres) CreateOrder(ctx context.Context, in model.OrderIn) (model.Order, error) {
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
    items, _ := json.Marshal(o.Items)
    addr, _ := json.Marshal(o.Address)
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO orders (id, status, restaurant_id, customer_id, items, address, total_price, payment_method, created_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
        o.ID, string(o.Status), o.RestaurantID, o.CustomerID, items, addr, o.TotalPrice, o.PaymentMethod, o.CreatedAt)
    if err != nil {
        return model.Order{}, err
    }
    return o, nil
}

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
    var o model.Order
    var status string
    var items, addr []byte
    if err := row.Scan(&o.ID, &status, &o.RestaurantID, &o.CustomerID, &items, &addr, &o.TotalPrice, &o.PaymentMethod, &o.CreatedAt); err != nil {
        return model.Order{}, err
    }
    o.Status = model.OrderStatus(status)
    _ = json.Unmarshal(items, &o.Items)
    _ = json.Unmarshal(addr, &o.Address)
    return o, nil
}

const orderCols = `id::text, status, restaurant_id, customer_id, items, address, total_price, payment_method, created_at`

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
    o, err := scanOrder(row)
    if errors.Is(err, sql.ErrNoRows) {
        return model.Order{}, ErrNotFound
    }
    return o, err
}

func (p *Postgres) ListOrdersByRestaurant(ctx context.Context, restaurantID string, status model.OrderStatus, cursor string, limit int) ([]model.Order, string, error) {
    if limit <= 0 { limit = 100 }
    q := `SELECT ` + orderCols + ` FROM orders WHERE restaurant_id=$1`
    args := []any{restaurantID}
    if status != "" {
        q += ` AND status=$2`
        args = append(args, string(status))
    }
    if cursor != "" {
        // tuple comparison so rows sharing the cursor's timestamp are not skipped
        q += ` AND (created_at, id) < (SELECT created_at, id FROM orders WHERE id=$` + itoa(len(args)+1) + `)`
        args = append(args, cursor)
    }
    q += ` ORDER BY created_at DESC, id DESC LIMIT $` + itoa(len(args)+1)
    args = append(args, limit+1)
    return p.queryOrders(ctx, q, args, limit)
}

func (p *Postgres) ListClaimableOrders(ctx context.Context, cursor string, limit int) ([]model.Order, string, error) {
    if limit <= 0 { limit = 100 }
    q := `SELECT ` + orderCols + ` FROM orders o
          WHERE o.status='out_for_delivery'
            AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.order_id=o.id AND d.status IN ('assigned','on_the_way'))`
    args := []any{}
    if cursor != "" {
        q += ` AND (o.created_at, o.id) < (SELECT created_at, id FROM orders WHERE id=$1)`
        args = append(args, cursor)
    }
    q += ` ORDER BY o.created_at DESC, o.id DESC LIMIT $` + itoa(len(args)+1)
    args = append(args, limit+1)
    return p.queryOrders(ctx, q, args, limit)
}

func (p *Postgres) queryOrders(ctx context.Context, q string, args []any, limit int) ([]model.Order, string, error) {
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Order{}
    for rows.Next() {
        o, err := scanOrder(rows)
        if err != nil { return nil, "", err }
        out = append(out, o)
    }
    next := ""
    if len(out) > limit {
        out = out[:limit]
        next = out[limit-1].ID
    }
    return out, next, rows.Err()
}

func (p *Postgres) TransitionOrder(ctx context.Context, id string, patch model.OrderPatch) (model.Order, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Order{}, err }
    defer func() { _ = tx.Rollback() }()

    row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id)
    o, err := scanOrder(row)
    if errors.Is(err, sql.ErrNoRows) { return model.Order{}, ErrNotFound }
    if err != nil { return model.Order{}, err }

    if patch.ExpectedStatus != "" && patch.ExpectedStatus != o.Status {
        return model.Order{}, ErrConflict
    }
    if !o.Status.CanTransition(patch.Status) {
        return model.Order{}, ErrInvalidTransition
    }
    if _, err := tx.ExecContext(ctx, `UPDATE orders SET status=$1 WHERE id=$2`, string(patch.Status), id); err != nil {
        return model.Order{}, err
    }
    o.Status = patch.Status
    if o.Status.Terminal() {
        closed := model.DeliveryCancelled
        if o.Status == model.OrderDelivered { closed = model.DeliveryDelivered }
        if _, err := tx.ExecContext(ctx,
            `UPDATE deliveries SET status=$1 WHERE order_id=$2 AND status IN ('assigned','on_the_way')`,
            string(closed), id); err != nil {
            return model.Order{}, err
        }
    }
    if err := tx.Commit(); err != nil { return model.Order{}, err }
    return o, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, orderID, driverID string) (model.Delivery, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Delivery{}, err }
    defer func() { _ = tx.Rollback() }()

    var status string
    err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&status)
    if errors.Is(err, sql.ErrNoRows) { return model.Delivery{}, ErrNotFound }
    if err != nil { return model.Delivery{}, err }
    if model.OrderStatus(status) != model.OrderOutForDelivery {
        return model.Delivery{}, ErrInvalidTransition
    }
    var open int
    if err := tx.QueryRowContext(ctx,
        `SELECT count(*) FROM deliveries WHERE order_id=$1 AND status IN ('assigned','on_the_way')`, orderID).Scan(&open); err != nil {
        return model.Delivery{}, err
    }
    if open > 0 {
        return model.Delivery{}, ErrDuplicateAssignment
    }
    d := model.Delivery{
        ID:        uuid.New().String(),
        OrderID:   orderID,
        DriverID:  driverID,
        Status:    model.DeliveryAssigned,
        CreatedAt: time.Now().UTC(),
    }
    if _, err := tx.ExecContext(ctx,
        `INSERT INTO deliveries (id, order_id, driver_id, status, created_at) VALUES ($1,$2,$3,$4,$5)`,
        d.ID, d.OrderID, d.DriverID, string(d.Status), d.CreatedAt); err != nil {
        return model.Delivery{}, err
    }
    if err := tx.Commit(); err != nil { return model.Delivery{}, err }
    return d, nil
}

const deliveryCols = `id::text, order_id::text, driver_id, status, created_at`

func scanDelivery(row interface{ Scan(...any) error }) (model.Delivery, error) {
    var d model.Delivery
    var status string
    if err := row.Scan(&d.ID, &d.OrderID, &d.DriverID, &status, &d.CreatedAt); err != nil {
        return model.Delivery{}, err
    }
    d.Status = model.DeliveryStatus(status)
    return d, nil
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id=$1`, id)
    d, err := scanDelivery(row)
    if errors.Is(err, sql.ErrNoRows) { return model.Delivery{}, ErrNotFound }
    return d, err
}

func (p *Postgres) GetOpenDeliveryByOrder(ctx context.Context, orderID string) (model.Delivery, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE order_id=$1 AND status IN ('assigned','on_the_way')`, orderID)
    d, err := scanDelivery(row)
    if errors.Is(err, sql.ErrNoRows) { return model.Delivery{}, ErrNotFound }
    return d, err
}

func (p *Postgres) TransitionDelivery(ctx context.Context, id string, patch model.DeliveryPatch) (model.Delivery, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Delivery{}, err }
    defer func() { _ = tx.Rollback() }()

    row := tx.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id=$1 FOR UPDATE`, id)
    d, err := scanDelivery(row)
    if errors.Is(err, sql.ErrNoRows) { return model.Delivery{}, ErrNotFound }
    if err != nil { return model.Delivery{}, err }

    if patch.ExpectedStatus != "" && patch.ExpectedStatus != d.Status {
        return model.Delivery{}, ErrConflict
    }
    if !d.Status.CanTransition(patch.Status) {
        return model.Delivery{}, ErrInvalidTransition
    }
    if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET status=$1 WHERE id=$2`, string(patch.Status), id); err != nil {
        return model.Delivery{}, err
    }
    if err := tx.Commit(); err != nil { return model.Delivery{}, err }
    d.Status = patch.Status
    return d, nil
}

func (p *Postgres) ListDeliveriesByDriver(ctx context.Context, driverID string, activeOnly bool) ([]model.Delivery, error) {
    q := `SELECT ` + deliveryCols + ` FROM deliveries WHERE driver_id=$1`
    if activeOnly {
        q += ` AND status IN ('assigned','on_the_way')`
    }
    q += ` ORDER BY created_at DESC, id DESC`
    rows, err := p.db.QueryContext(ctx, q, driverID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Delivery{}
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

// Webhook subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
        s.ID, s.URL, pqStringArray(s.Events), s.Secret)
    if err != nil { return model.Subscription{}, err }
    return s, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx,
        `SELECT id::text, url, events, secret FROM subscriptions WHERE $1 = ANY(events)`, eventType)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []model.Subscription
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil { return nil, err }
        s.Events = parsePGTextArray(string(events))
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 { limit = 100 }
    q := `SELECT id::text, url, events, secret FROM subscriptions`
    args := []any{}
    if cursor != "" {
        q += ` WHERE id > $1`
        args = append(args, cursor)
    }
    q += ` ORDER BY id LIMIT $` + itoa(len(args)+1)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil { return nil, "", err }
        s.Events = parsePGTextArray(string(events))
        out = append(out, s)
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1].ID }
    return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
    return err
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    var subID any
    if subscriptionID != "" { subID = subscriptionID }
    _, err := p.db.ExecContext(ctx,
        `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload) VALUES ($1,$2,$3,$4,$5,$6)`,
        id, subID, eventType, url, secret, payload)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    if limit <= 0 { limit = 50 }
    rows, err := p.db.QueryContext(ctx,
        `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, secret, payload, status, attempts
         FROM webhook_deliveries
         WHERE status IN ('pending','retry') AND next_attempt_at <= now()
         ORDER BY next_attempt_at LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if success {
        _, err := p.db.ExecContext(ctx,
            `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$1, latency_ms=$2 WHERE id=$3`,
            responseCode, latencyMs, id)
        return err
    }
    next := time.Now().Add(time.Minute)
    if nextAttemptAt != nil { next = *nextAttemptAt }
    _, err := p.db.ExecContext(ctx,
        `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, next_attempt_at=$1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$5`,
        next, lastError, responseCode, latencyMs, id)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx,
        `UPDATE webhook_deliveries SET status='failed', last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
        lastError, responseCode, latencyMs, id)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, url, last_error FROM webhook_deliveries`
    args := []any{}
    if status != "" {
        q += ` WHERE status=$1`
        args = append(args, status)
    }
    q += ` ORDER BY id LIMIT $` + itoa(len(args)+1)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    for rows.Next() {
        var id, et, st, url, lastErr string
        var attempts int
        if err := rows.Scan(&id, &et, &st, &attempts, &url, &lastErr); err != nil { return nil, "", err }
        item := map[string]any{"id": id, "eventType": et, "status": st, "attempts": attempts, "url": url}
        if lastErr != "" { item["lastError"] = lastErr }
        out = append(out, item)
    }
    return out, "", rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
    res, err := p.db.ExecContext(ctx,
        `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1`, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}
