package main

import (
    "bufio"
    "net"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "mealtrack/internal/api"
    "mealtrack/internal/config"
    "mealtrack/internal/metrics"
)

func main() {
    log, err := zap.NewProduction()
    if err != nil {
        panic(err)
    }
    defer func() { _ = log.Sync() }()

    cfgPath := os.Getenv("CONFIG_PATH")
    cfg, err := config.Load(cfgPath)
    if err != nil {
        log.Fatal("failed to load config", zap.Error(err))
    }

    srvDeps, err := api.NewServer(cfg, log)
    if err != nil {
        log.Fatal("failed to init server", zap.Error(err))
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Orders
    mux.HandleFunc("/v1/orders", srvDeps.OrdersHandler)
    mux.HandleFunc("/v1/orders/by-restaurant/", srvDeps.OrdersByRestaurantHandler)
    mux.HandleFunc("/v1/orders/claimable", srvDeps.ClaimableOrdersHandler)
    mux.HandleFunc("/v1/orders/", srvDeps.OrderByIDHandler)

    // Deliveries
    mux.HandleFunc("/v1/deliveries/assign-driver", srvDeps.AssignDriverHandler)
    mux.HandleFunc("/v1/deliveries/by-driver", srvDeps.DeliveriesByDriverHandler)
    mux.HandleFunc("/v1/deliveries/", srvDeps.DeliveryByIDHandler) // includes /status, /events/stream, /positions

    // Webhook subscriptions
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

    // Health
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    // Admin
    mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
    mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)

    srv := &http.Server{
        Addr:              cfg.Listen,
        Handler:           logMiddleware(log, mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Info("API listening", zap.String("addr", cfg.Listen))
    worker := srvDeps.NewWebhookWorker()
    worker.Start()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatal("server error", zap.Error(err))
    }
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w, status: 200}
        next.ServeHTTP(sw, r)
        dur := time.Since(start)
        code := strconv.Itoa(sw.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, code).Observe(dur.Seconds())
        log.Info("request",
            zap.String("remote", r.RemoteAddr),
            zap.String("method", r.Method),
            zap.String("path", r.URL.Path),
            zap.Int("status", sw.status),
            zap.Duration("duration", dur),
        )
    })
}

type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(code int) {
    w.status = code
    w.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through so SSE streams and websocket upgrades work
// behind the middleware.
func (w *statusWriter) Flush() {
    if f, ok := w.ResponseWriter.(http.Flusher); ok { f.Flush() }
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := w.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, http.ErrNotSupported }
    return h.Hijack()
}
