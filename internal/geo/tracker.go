package geo

import (
    "context"
    "errors"
    "sync"
    "time"

    "go.uber.org/zap"

    "mealtrack/internal/model"
)

// ErrorCode classifies why a device fix could not be obtained.
type ErrorCode int

const (
    PermissionDenied ErrorCode = iota + 1
    PositionUnavailable
    Timeout
)

func (c ErrorCode) String() string {
    switch c {
    case PermissionDenied:
        return "permission_denied"
    case PositionUnavailable:
        return "position_unavailable"
    case Timeout:
        return "timeout"
    }
    return "unknown"
}

// FixError is a classified failure from the position source.
type FixError struct {
    Code ErrorCode
    Err  error
}

func (e *FixError) Error() string {
    if e.Err != nil { return e.Code.String() + ": " + e.Err.Error() }
    return e.Code.String()
}

func (e *FixError) Unwrap() error { return e.Err }

// Classify wraps err as a FixError with the given code.
func Classify(code ErrorCode, err error) *FixError { return &FixError{Code: code, Err: err} }

// Source produces device positions. Current blocks until a fix is available
// or ctx expires; Watch streams fixes until ctx is cancelled.
type Source interface {
    Current(ctx context.Context) (model.GeoPosition, error)
    Watch(ctx context.Context) (<-chan model.GeoPosition, error)
}

const (
    fixTimeout = 15 * time.Second
    maxRetries = 3
    retryDelay = time.Second
)

// Tracker acquires an initial fix, then follows the source's stream. The
// newest fix always wins; consumers read Current or subscribe for pushes.
type Tracker struct {
    src   Source
    log   *zap.Logger
    sleep func(time.Duration) // injectable for tests

    mu       sync.Mutex
    running  bool
    cancel   context.CancelFunc
    done     chan struct{}
    current  *model.GeoPosition
    lastErr  *FixError
    retries  int
    subs     map[chan model.GeoPosition]struct{}
}

func NewTracker(src Source, log *zap.Logger) *Tracker {
    if log == nil { log = zap.NewNop() }
    return &Tracker{src: src, log: log, sleep: time.Sleep, subs: map[chan model.GeoPosition]struct{}{}}
}

// getFix asks the source for one position, retrying transient failures with
// a fixed delay. Permission denials are final: no retry can fix them.
func (t *Tracker) getFix(ctx context.Context) (model.GeoPosition, error) {
    var last *FixError
    for attempt := 0; ; attempt++ {
        fctx, cancel := context.WithTimeout(ctx, fixTimeout)
        pos, err := t.src.Current(fctx)
        cancel()
        if err == nil {
            t.mu.Lock()
            t.retries = attempt
            t.mu.Unlock()
            return pos, nil
        }
        var fe *FixError
        if !errors.As(err, &fe) {
            if errors.Is(err, context.DeadlineExceeded) {
                fe = Classify(Timeout, err)
            } else {
                fe = Classify(PositionUnavailable, err)
            }
        }
        last = fe
        t.mu.Lock()
        if fe.Code == PermissionDenied {
            // retrying cannot change a permission decision
            t.retries = 0
        } else {
            t.retries = attempt
        }
        t.lastErr = fe
        t.mu.Unlock()
        if fe.Code == PermissionDenied { return model.GeoPosition{}, fe }
        if attempt >= maxRetries { break }
        if ctx.Err() != nil { return model.GeoPosition{}, last }
        t.sleep(retryDelay)
    }
    return model.GeoPosition{}, last
}

// Start acquires an initial fix and begins following the stream. Calling
// Start on a running tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) error {
    t.mu.Lock()
    if t.running {
        t.mu.Unlock()
        return nil
    }
    t.running = true
    runCtx, cancel := context.WithCancel(ctx)
    t.cancel = cancel
    done := make(chan struct{})
    t.done = done
    t.mu.Unlock()

    pos, err := t.getFix(runCtx)
    if err != nil {
        t.mu.Lock()
        t.running = false
        t.cancel = nil
        t.mu.Unlock()
        cancel()
        close(done)
        return err
    }
    t.publish(pos)

    stream, err := t.src.Watch(runCtx)
    if err != nil {
        var fe *FixError
        if !errors.As(err, &fe) { fe = Classify(PositionUnavailable, err) }
        t.mu.Lock()
        t.running = false
        t.cancel = nil
        t.lastErr = fe
        t.mu.Unlock()
        cancel()
        close(done)
        return fe
    }

    go func() {
        defer close(done)
        for {
            select {
            case <-runCtx.Done():
                return
            case pos, ok := <-stream:
                if !ok { return }
                t.publish(pos)
            }
        }
    }()
    return nil
}

// Stop halts the stream and clears transient error state. Safe to call
// repeatedly and on a tracker that never started.
func (t *Tracker) Stop() {
    t.mu.Lock()
    if !t.running {
        t.lastErr = nil
        t.retries = 0
        t.mu.Unlock()
        return
    }
    t.running = false
    cancel := t.cancel
    done := t.done
    t.cancel = nil
    t.lastErr = nil
    t.retries = 0
    t.mu.Unlock()
    if cancel != nil { cancel() }
    if done != nil { <-done }
}

func (t *Tracker) publish(pos model.GeoPosition) {
    if pos.TS.IsZero() { pos.TS = time.Now().UTC() }
    t.mu.Lock()
    t.current = &pos
    t.lastErr = nil
    for ch := range t.subs {
        select {
        case ch <- pos:
        default:
            // full buffer: evict the stale fix so a stalled subscriber
            // wakes to the newest one, never blocking the stream
            select {
            case <-ch:
            default:
            }
            select {
            case ch <- pos:
            default:
            }
        }
    }
    t.mu.Unlock()
}

// Current returns the newest fix, if any arrived since Start.
func (t *Tracker) Current() (model.GeoPosition, bool) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.current == nil { return model.GeoPosition{}, false }
    return *t.current, true
}

// LastError returns the most recent classified failure, if any.
func (t *Tracker) LastError() *FixError {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.lastErr
}

// Retries reports how many retry attempts the last fix acquisition needed.
func (t *Tracker) Retries() int {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.retries
}

func (t *Tracker) Running() bool {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.running
}

// Subscribe returns a channel receiving each new fix. Buffered by one so a
// reader that keeps up sees every fix and a reader that stalls sees the
// newest available.
func (t *Tracker) Subscribe() chan model.GeoPosition {
    ch := make(chan model.GeoPosition, 1)
    t.mu.Lock()
    t.subs[ch] = struct{}{}
    t.mu.Unlock()
    return ch
}

func (t *Tracker) Unsubscribe(ch chan model.GeoPosition) {
    t.mu.Lock()
    delete(t.subs, ch)
    t.mu.Unlock()
    close(ch)
}
