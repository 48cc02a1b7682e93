package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"delivery-guard/internal/config"
	"delivery-guard/internal/util"
)

// KafkaProducer publishes to a single topic.
type KafkaProducer struct {
	Writer  *kafka.Writer
	brokers []string
	topic   string
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(kafkaConfig.Brokers...),
		Topic:                  kafkaConfig.AuditTopic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: !cfg.IsProduction(),
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("failed to write kafka messages",
					util.ErrorField(err),
					util.Int("message_count", len(messages)))
			}
		},
	}

	util.Info("Kafka producer initialized",
		util.Any("brokers", kafkaConfig.Brokers),
		util.String("topic", kafkaConfig.AuditTopic))

	return &KafkaProducer{
		Writer:  writer,
		brokers: kafkaConfig.Brokers,
		topic:   kafkaConfig.AuditTopic,
	}, nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		if err := p.Writer.Close(); err != nil {
			util.Error("failed to close Kafka producer", util.ErrorField(err))
			return err
		}
		util.Info("Kafka producer closed")
	}
	return nil
}

// Produce writes one keyed message. Messages with the same key keep their order.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: key, Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	util.Debug("Produced kafka message",
		util.String("topic", p.topic),
		util.Int("value_size", len(value)))
	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{Timeout: 5 * time.Second, DualStack: true}

	conn, err := dialer.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}
