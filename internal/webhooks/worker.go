package webhooks

import (
    "bytes"
    "context"
    "net/http"
    "time"

    "go.uber.org/zap"

    "mealtrack/internal/metrics"
    "mealtrack/internal/store"
)

type Worker struct {
    Store       store.Store
    HTTP        *http.Client
    Stop        chan struct{}
    MaxAttempts int
    Log         *zap.Logger
}

func NewWorker(s store.Store, maxAttempts int, log *zap.Logger) *Worker {
    if maxAttempts <= 0 { maxAttempts = 10 }
    if log == nil { log = zap.NewNop() }
    return &Worker{Store: s, HTTP: &http.Client{Timeout: 5 * time.Second}, Stop: make(chan struct{}), MaxAttempts: maxAttempts, Log: log}
}

func (w *Worker) Start() {
    go func() {
        ticker := time.NewTicker(1 * time.Second)
        defer ticker.Stop()
        for {
            select {
            case <-w.Stop:
                return
            case <-ticker.C:
                w.processOnce()
            }
        }
    }()
}

func (w *Worker) processOnce() {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
    if err != nil || len(items) == 0 { return }
    for _, it := range items {
        success := false
        next := time.Now().Add(nextBackoff(it.Attempts))
        req, _ := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
        req.Header.Set("Content-Type", "application/json")
        if it.Secret != "" {
            req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
            req.Header.Set("X-Event-Type", it.EventType)
        }
        start := time.Now()
        resp, err := w.HTTP.Do(req)
        latency := time.Since(start)
        code := 0
        if err == nil && resp != nil {
            code = resp.StatusCode
            if resp.Body != nil { _ = resp.Body.Close() }
            if code >= 200 && code < 300 { success = true }
        }
        lastErr := ""
        if !success && err != nil { lastErr = err.Error() }
        if success {
            metrics.WebhookDeliveries.WithLabelValues(it.EventType, "delivered").Inc()
            metrics.WebhookLatency.WithLabelValues(it.EventType, "delivered").Observe(float64(latency.Milliseconds()))
            _ = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, int(latency.Milliseconds()))
            continue
        }
        metrics.WebhookLatency.WithLabelValues(it.EventType, "failed").Observe(float64(latency.Milliseconds()))
        if it.Attempts+1 >= w.MaxAttempts {
            metrics.WebhookDeliveries.WithLabelValues(it.EventType, "dead").Inc()
            w.Log.Warn("webhook delivery exhausted", zap.String("id", it.ID), zap.String("url", it.URL), zap.Int("attempts", it.Attempts+1))
            _ = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, int(latency.Milliseconds()))
            continue
        }
        metrics.WebhookDeliveries.WithLabelValues(it.EventType, "retry").Inc()
        _ = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, int(latency.Milliseconds()))
    }
}

func nextBackoff(attempts int) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    base := time.Second * time.Duration(1<<attempts)
    if base > time.Hour { base = time.Hour }
    return base
}
