package companion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
	"github.com/hamzaKhattat/softphone-core/pkg/logger"
)

// Publisher delivers encoded updates to the device transport.
type Publisher interface {
	Publish(ctx context.Context, update Update) error
	Close() error
}

// RedisPublisher publishes updates on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, update Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to encode companion update")
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return errors.Wrap(err, errors.ErrStorage, "redis publish failed").
			WithContext("channel", p.channel)
	}
	return nil
}

// Close leaves the shared client open.
func (p *RedisPublisher) Close() error { return nil }

// KafkaPublisher writes updates to a topic keyed by message type.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	logger.WithFields(map[string]interface{}{
		"brokers": brokers,
		"topic":   topic,
	}).Info("Kafka companion publisher initialized")

	return &KafkaPublisher{writer: writer}
}

func kafkaMessage(update Update) (kafka.Message, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, errors.ErrInternal, "failed to encode companion update")
	}
	return kafka.Message{
		Key:   []byte(update.Type),
		Value: data,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, update Update) error {
	msg, err := kafkaMessage(update)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "kafka write failed").
			WithContext("type", update.Type)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
