package api

import (
    "context"
    "strings"

    "go.uber.org/zap"

    "mealtrack/internal/auth"
    "mealtrack/internal/config"
    "mealtrack/internal/events"
    "mealtrack/internal/store"
    "mealtrack/internal/webhooks"
)

type Server struct {
    Store     store.Store
    Pub       *webhooks.Publisher
    Auth      *auth.Verifier
    Broker    EventBroker
    Locations *LocationCache
    Sink      *events.Producer // optional Kafka lifecycle sink
    Log       *zap.Logger
    Cfg       *config.Config
}

// NewServer wires the store, broker, and event sinks from configuration.
// Without DATABASE_URL it runs on the in-memory store; without REDIS_URL on
// the in-memory broker.
func NewServer(cfg *config.Config, log *zap.Logger) (*Server, error) {
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        if cfg.Migrate {
            if err := sp.Migrate(context.Background()); err != nil {
                return nil, err
            }
        }
        s = sp
    }
    var broker EventBroker
    if cfg.RedisURL != "" {
        rb, err := NewRedisBroker(cfg.RedisURL)
        if err != nil {
            log.Warn("redis broker unavailable, using in-memory broker", zap.Error(err))
            broker = NewBroker()
        } else {
            broker = rb
        }
    } else {
        broker = NewBroker()
    }
    var sink *events.Producer
    if cfg.KafkaBrokers != "" {
        sink = events.NewProducer(cfg.KafkaBrokers, log)
    }
    return &Server{
        Store:     s,
        Pub:       webhooks.NewPublisher(s),
        Auth:      auth.NewVerifier(cfg.Auth),
        Broker:    broker,
        Locations: NewLocationCache(),
        Sink:      sink,
        Log:       log,
        Cfg:       cfg,
    }, nil
}

// NewWebhookWorker creates the background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store, s.Cfg.Webhooks.MaxAttempts, s.Log)
}
