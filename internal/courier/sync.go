package courier

import (
    "context"
    "time"

    "go.uber.org/zap"
)

// Confirmer asks the user to approve an action before the network call is
// made. A false return aborts the action with no state touched.
type Confirmer interface {
    Confirm(action string) bool
}

// Notifier reports the outcome of every mutating action. Silent failure is
// disallowed: each failed action produces an explicit, action-naming report.
type Notifier interface {
    Success(action string)
    Failure(action string, err error)
}

// ErrDeclined is returned when the user declines the confirmation prompt.
type ErrDeclined struct{ Action string }

func (e *ErrDeclined) Error() string { return "declined: " + e.Action }

// Syncer wraps mutating calls with confirmation, the network call, an
// apply-step run only after the server acknowledged, and a notification.
// It never retries: the backend is not guaranteed idempotent, so a retry
// could duplicate side effects. The user must reinitiate manually.
type Syncer struct {
    Confirm Confirmer
    Notify  Notifier
    Log     *zap.Logger
}

func NewSyncer(c Confirmer, n Notifier, log *zap.Logger) *Syncer {
    if log == nil { log = zap.NewNop() }
    return &Syncer{Confirm: c, Notify: n, Log: log}
}

// Do runs one confirmed mutating action. apply runs only after call returns
// without error; local state never moves ahead of the server.
func (s *Syncer) Do(ctx context.Context, action string, call func(ctx context.Context) error, apply func()) error {
    if s.Confirm != nil && !s.Confirm.Confirm(action) {
        s.Log.Info("action declined", zap.String("action", action))
        return &ErrDeclined{Action: action}
    }
    if err := call(ctx); err != nil {
        s.Log.Warn("action failed", zap.String("action", action), zap.Error(err))
        if s.Notify != nil { s.Notify.Failure(action, err) }
        return err
    }
    if apply != nil { apply() }
    if s.Notify != nil { s.Notify.Success(action) }
    return nil
}

// Poller invokes fn on a fixed interval until ctx ends. There is no push
// channel for the claimable-order pool; polling is the contract.
type Poller struct {
    Interval time.Duration
    Clock    Clock
}

func NewPoller(interval time.Duration) *Poller {
    if interval <= 0 { interval = 30 * time.Second }
    return &Poller{Interval: interval, Clock: NewClock()}
}

// Run blocks, calling fn once per tick. An immediate first call happens
// before the first tick so a fresh view never waits a full interval.
func (p *Poller) Run(ctx context.Context, fn func(ctx context.Context)) {
    fn(ctx)
    t := p.Clock.NewTicker(p.Interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.Chan():
            fn(ctx)
        }
    }
}
