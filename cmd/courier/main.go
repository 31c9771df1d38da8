package main

import (
    "bufio"
    "context"
    "errors"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"

    "go.uber.org/zap"

    "mealtrack/internal/config"
    "mealtrack/internal/courier"
    "mealtrack/internal/geo"
    "mealtrack/internal/session"
)

// terminalPrompt implements the confirmation and notification contract on
// the driver's terminal. Every mutating action is named before it runs and
// acknowledged after, success or failure.
type terminalPrompt struct {
    in *bufio.Reader
}

func (t *terminalPrompt) Confirm(action string) bool {
    fmt.Printf("confirm %s? [y/N] ", action)
    line, err := t.in.ReadString('\n')
    if err != nil { return false }
    line = strings.ToLower(strings.TrimSpace(line))
    return line == "y" || line == "yes"
}

func (t *terminalPrompt) Success(action string) { fmt.Printf("ok: %s\n", action) }
func (t *terminalPrompt) Failure(action string, err error) { fmt.Printf("FAILED: %s: %v\n", action, err) }

func main() {
    log, err := zap.NewProduction()
    if err != nil {
        panic(err)
    }
    defer func() { _ = log.Sync() }()

    cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
    if err != nil {
        log.Fatal("failed to load config", zap.Error(err))
    }
    if cfg.Courier.Token == "" || cfg.Courier.DriverID == "" {
        log.Fatal("COURIER_TOKEN and COURIER_DRIVER_ID are required")
    }

    sessions, err := session.Open(cfg.Courier.SessionPath)
    if err != nil {
        log.Fatal("failed to open session store", zap.Error(err))
    }
    defer func() { _ = sessions.Close() }()

    // Position source: simulated walk unless a start/dest pair says otherwise.
    src := geo.NewSimSource(40.7128, -74.0060, 40.7308, -73.9973)
    tracker := geo.NewTracker(src, log)

    prompt := &terminalPrompt{in: bufio.NewReader(os.Stdin)}
    syncer := courier.NewSyncer(prompt, prompt, log)
    client := courier.NewClient(cfg.Courier.APIBaseURL, cfg.Courier.Token)
    eng := courier.NewEngine(client, sessions, tracker, syncer, cfg.Courier.DriverID, log)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    sig := make(chan os.Signal, 1)
    signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
    go func() {
        <-sig
        cancel()
    }()

    // Startup reconciliation: server truth decides whether the cached
    // session survives the restart.
    if err := eng.Reconcile(ctx); err != nil {
        log.Warn("startup reconciliation failed", zap.Error(err))
    }

    // Background poll of the claimable-order pool.
    poller := courier.NewPoller(cfg.PollIntervalOrDefault())
    go poller.Run(ctx, func(ctx context.Context) {
        orders, err := client.ClaimableOrders(ctx)
        if err != nil {
            if errors.Is(err, courier.ErrUnauthorized) {
                log.Error("credential rejected, re-authentication required")
                cancel()
                return
            }
            log.Warn("claimable poll failed", zap.Error(err))
            return
        }
        if len(orders) > 0 {
            fmt.Printf("%d order(s) awaiting a driver (latest: %s)\n", len(orders), orders[0].ID)
        }
    })

    runREPL(ctx, eng, client, prompt)
}

func runREPL(ctx context.Context, eng *courier.Engine, client *courier.Client, prompt *terminalPrompt) {
    fmt.Println("commands: orders | claim <orderId> | depart | complete | cancel | status | quit")
    for ctx.Err() == nil {
        fmt.Print("> ")
        line, err := prompt.in.ReadString('\n')
        if err != nil { return }
        fields := strings.Fields(line)
        if len(fields) == 0 { continue }
        switch fields[0] {
        case "quit", "exit":
            return
        case "orders":
            orders, err := client.ClaimableOrders(ctx)
            if err != nil {
                fmt.Printf("error: %v\n", err)
                continue
            }
            for _, o := range orders {
                fmt.Printf("%s  %s  %s, %s\n", o.ID, o.Status, o.Address.Street, o.Address.City)
            }
            if len(orders) == 0 { fmt.Println("no orders awaiting a driver") }
        case "claim":
            if len(fields) < 2 {
                fmt.Println("usage: claim <orderId>")
                continue
            }
            if d, err := eng.Claim(ctx, fields[1]); err == nil {
                fmt.Printf("delivery %s assigned\n", d.ID)
            }
        case "depart":
            sess, err := eng.Active(ctx)
            if err != nil {
                fmt.Println("no active delivery; claim one first")
                continue
            }
            d, err := client.GetDelivery(ctx, sess.DeliveryID)
            if err != nil {
                fmt.Printf("error: %v\n", err)
                continue
            }
            _ = eng.Depart(ctx, d)
        case "complete":
            sess, err := eng.Active(ctx)
            if err != nil {
                fmt.Println("no active delivery")
                continue
            }
            _ = eng.Complete(ctx, sess)
        case "cancel":
            sess, err := eng.Active(ctx)
            if err != nil {
                fmt.Println("no active delivery")
                continue
            }
            _ = eng.Cancel(ctx, sess)
        case "status":
            sess, err := eng.Active(ctx)
            if err != nil {
                fmt.Println("no active delivery")
                continue
            }
            fmt.Printf("delivery %s for order %s: %s\n", sess.DeliveryID, sess.OrderID, sess.Status)
            if pos, ok := eng.Tracker.Current(); ok {
                fmt.Printf("position: %.5f,%.5f (±%.0fm) at %s\n", pos.Lat, pos.Lng, pos.Accuracy, pos.TS.Format("15:04:05"))
            }
            if fe := eng.Tracker.LastError(); fe != nil {
                fmt.Printf("last fix error: %s (after %d retries)\n", fe.Code, eng.Tracker.Retries())
            }
        default:
            fmt.Println("commands: orders | claim <orderId> | depart | complete | cancel | status | quit")
        }
    }
}
