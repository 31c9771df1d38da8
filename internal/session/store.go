package session

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    _ "modernc.org/sqlite"

    "mealtrack/internal/model"
)

// ErrNoSession is returned by Load when the driver has no cached session.
var ErrNoSession = errors.New("no active delivery session")

// Store persists the courier's active delivery session locally, so a
// restarted process can resume live tracking without losing the delivery.
// One row per driver; saving replaces any previous session.
type Store struct {
    db *sql.DB
}

// Open opens (or creates) the local session database and runs migrations.
func Open(path string) (*Store, error) {
    dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
    db, err := sql.Open("sqlite", dsn)
    if err != nil {
        return nil, fmt.Errorf("open session db: %w", err)
    }
    db.SetMaxOpenConns(1)
    s := &Store{db: db}
    if err := s.migrate(); err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("migrate session db: %w", err)
    }
    return s, nil
}

func (s *Store) migrate() error {
    _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS active_session (
        driver_id   TEXT PRIMARY KEY,
        delivery_id TEXT NOT NULL,
        order_id    TEXT NOT NULL,
        status      TEXT NOT NULL,
        cached_at   TEXT NOT NULL
    )`)
    return err
}

// Save upserts the driver's active session.
func (s *Store) Save(ctx context.Context, sess model.ActiveDeliverySession) error {
    if sess.CachedAt.IsZero() { sess.CachedAt = time.Now().UTC() }
    _, err := s.db.ExecContext(ctx, `INSERT INTO active_session (driver_id, delivery_id, order_id, status, cached_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(driver_id) DO UPDATE SET delivery_id=excluded.delivery_id, order_id=excluded.order_id, status=excluded.status, cached_at=excluded.cached_at`,
        sess.DriverID, sess.DeliveryID, sess.OrderID, string(sess.Status), sess.CachedAt.Format(time.RFC3339))
    return err
}

// Load returns the driver's cached session or ErrNoSession.
func (s *Store) Load(ctx context.Context, driverID string) (model.ActiveDeliverySession, error) {
    var sess model.ActiveDeliverySession
    var status, cachedAt string
    row := s.db.QueryRowContext(ctx, `SELECT driver_id, delivery_id, order_id, status, cached_at FROM active_session WHERE driver_id = ?`, driverID)
    if err := row.Scan(&sess.DriverID, &sess.DeliveryID, &sess.OrderID, &status, &cachedAt); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.ActiveDeliverySession{}, ErrNoSession }
        return model.ActiveDeliverySession{}, err
    }
    sess.Status = model.DeliveryStatus(status)
    if t, err := time.Parse(time.RFC3339, cachedAt); err == nil { sess.CachedAt = t }
    return sess, nil
}

// Clear removes the driver's cached session. Clearing an absent session is
// not an error.
func (s *Store) Clear(ctx context.Context, driverID string) error {
    _, err := s.db.ExecContext(ctx, `DELETE FROM active_session WHERE driver_id = ?`, driverID)
    return err
}

func (s *Store) Close() error { return s.db.Close() }
