package events

import (
    "context"
    "encoding/json"
    "strings"
    "time"

    "github.com/segmentio/kafka-go"
    "go.uber.org/zap"
)

// Producer publishes lifecycle events to Kafka for downstream consumers
// (analytics, customer notifications). Best effort: a publish failure is
// logged and dropped, it never blocks the originating API call beyond the
// write timeout.
type Producer struct {
    writer *kafka.Writer
    logger *zap.Logger
}

// NewProducer builds a Kafka producer over a comma-separated broker list.
func NewProducer(brokers string, logger *zap.Logger) *Producer {
    if logger == nil { logger = zap.NewNop() }
    addrs := strings.Split(brokers, ",")
    for i := range addrs { addrs[i] = strings.TrimSpace(addrs[i]) }
    writer := &kafka.Writer{
        Addr:     kafka.TCP(addrs...),
        Topic:    "delivery-lifecycle-events",
        Balancer: &kafka.LeastBytes{},
    }
    return &Producer{writer: writer, logger: logger}
}

// Publish emits one event keyed by the entity id, so per-entity ordering is
// preserved within a partition.
func (p *Producer) Publish(ctx context.Context, eventType, key string, payload any) {
    body, err := json.Marshal(map[string]any{
        "type": eventType,
        "ts":   time.Now().UTC().Format(time.RFC3339),
        "data": payload,
    })
    if err != nil {
        p.logger.Error("failed to marshal lifecycle event", zap.Error(err))
        return
    }
    ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
    defer cancel()
    msg := kafka.Message{
        Key:   []byte(key),
        Value: body,
        Headers: []kafka.Header{
            {Key: "event-type", Value: []byte(eventType)},
        },
    }
    if err := p.writer.WriteMessages(ctx, msg); err != nil {
        p.logger.Error("failed to publish lifecycle event", zap.String("type", eventType), zap.Error(err))
        return
    }
    p.logger.Debug("lifecycle event published", zap.String("type", eventType), zap.String("key", key))
}

func (p *Producer) Close() error {
    return p.writer.Close()
}
