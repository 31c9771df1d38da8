package courier

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"
)

type fakeConfirm struct{ answer bool; asked []string }

func (f *fakeConfirm) Confirm(action string) bool {
    f.asked = append(f.asked, action)
    return f.answer
}

type fakeNotify struct {
    mu        sync.Mutex
    successes []string
    failures  []string
}

func (f *fakeNotify) Success(action string) {
    f.mu.Lock()
    f.successes = append(f.successes, action)
    f.mu.Unlock()
}
func (f *fakeNotify) Failure(action string, err error) {
    f.mu.Lock()
    f.failures = append(f.failures, action)
    f.mu.Unlock()
}

func TestSyncerAppliesOnlyAfterAck(t *testing.T) {
    n := &fakeNotify{}
    s := NewSyncer(&fakeConfirm{answer: true}, n, nil)
    applied := false
    err := s.Do(context.Background(), "start delivery", func(ctx context.Context) error { return nil }, func() { applied = true })
    if err != nil {
        t.Fatalf("do: %v", err)
    }
    if !applied {
        t.Fatal("apply must run after a successful call")
    }
    if len(n.successes) != 1 || n.successes[0] != "start delivery" {
        t.Fatalf("expected success notification, got %+v", n)
    }
}

func TestSyncerFailureSkipsApplyAndNotifies(t *testing.T) {
    n := &fakeNotify{}
    s := NewSyncer(&fakeConfirm{answer: true}, n, nil)
    applied := false
    boom := errors.New("network down")
    err := s.Do(context.Background(), "complete delivery", func(ctx context.Context) error { return boom }, func() { applied = true })
    if !errors.Is(err, boom) {
        t.Fatalf("expected call error, got %v", err)
    }
    if applied {
        t.Fatal("apply must not run when the call fails")
    }
    if len(n.failures) != 1 || n.failures[0] != "complete delivery" {
        t.Fatalf("expected explicit failure notification, got %+v", n)
    }
}

func TestSyncerDeclinedMakesNoCall(t *testing.T) {
    s := NewSyncer(&fakeConfirm{answer: false}, &fakeNotify{}, nil)
    called := false
    err := s.Do(context.Background(), "cancel delivery", func(ctx context.Context) error { called = true; return nil }, nil)
    var declined *ErrDeclined
    if !errors.As(err, &declined) {
        t.Fatalf("expected ErrDeclined, got %v", err)
    }
    if called {
        t.Fatal("declined action must not reach the network")
    }
}

// fakeClock drives the poller tick-by-tick.
type fakeClock struct {
    ticks chan time.Time
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0) }
func (f *fakeClock) NewTicker(d time.Duration) Ticker { return &fakeTicker{c: f.ticks} }

type fakeTicker struct{ c chan time.Time }

func (f *fakeTicker) Chan() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()                  {}

func TestPollerTicksAndCancels(t *testing.T) {
    fc := &fakeClock{ticks: make(chan time.Time)}
    p := &Poller{Interval: 30 * time.Second, Clock: fc}
    ctx, cancel := context.WithCancel(context.Background())
    calls := make(chan struct{}, 8)
    done := make(chan struct{})
    go func() {
        defer close(done)
        p.Run(ctx, func(ctx context.Context) { calls <- struct{}{} })
    }()

    // immediate first poll
    select {
    case <-calls:
    case <-time.After(time.Second):
        t.Fatal("no immediate poll")
    }
    fc.ticks <- time.Unix(30, 0)
    select {
    case <-calls:
    case <-time.After(time.Second):
        t.Fatal("no poll on tick")
    }
    cancel()
    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("poller did not stop on cancel")
    }
}
