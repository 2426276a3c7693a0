package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"pledgerun/pkg/config"

	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("kafka.publisher", fx.Provide(NewPublisher))

// Event is a domain event published to the settlement topic. Key selects the partition.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"-"`
	OccurredAt time.Time `json:"occurredAt"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type publisher struct {
	writer messageWriter
	topic  string
}

// NewPublisher returns a kafka backed publisher, or a no-op one when KAFKA.BROKERS is empty.
func NewPublisher(lc fx.Lifecycle, cfg *config.Config) Publisher {
	brokers := splitBrokers(cfg.Kafka.Brokers)
	if len(brokers) == 0 {
		zap.L().Info("[Kafka] no brokers configured, events are discarded")
		return Nop()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})

	zap.L().Info("[Kafka] publisher ready", zap.Strings("brokers", brokers), zap.String("topic", cfg.Kafka.Topic))
	return &publisher{writer: w, topic: cfg.Kafka.Topic}
}

func (p *publisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}

	return p.writer.WriteMessages(ctx, msgs...)
}

type nop struct{}

// Nop returns a publisher that drops every event.
func Nop() Publisher {
	return nop{}
}

func (nop) Publish(ctx context.Context, events ...Event) error {
	return nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
