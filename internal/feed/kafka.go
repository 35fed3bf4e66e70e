package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/feed/config"
)

var (
	producerTracer = otel.Tracer("feed/producer")
	consumerTracer = otel.Tracer("feed/consumer")
)

// KafkaPublisher writes order events keyed by tenant, so one tenant's
// events stay in one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(cfg config.Config) *KafkaPublisher {
	return &KafkaPublisher{
		topic: cfg.Topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           20 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.TenantID),
		Value: data,
	}

	ctx, span := producerTracer.Start(ctx, "send "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingKafkaMessageKey(event.TenantID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, NewMessageCarrier(&msg))

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber applies every order event of the topic to a board.
// Each instance should use its own group so all of them see all events.
type KafkaSubscriber struct {
	reader  *kafka.Reader
	board   *Board
	topic   string
	groupID string
	zaplog  *zap.Logger
}

type SubscriberOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) SubscriberOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

func NewKafkaSubscriber(cfg config.Config, board *Board, zaplog *zap.Logger, opts ...SubscriberOption) *KafkaSubscriber {
	if cfg.GroupID == "" {
		cfg.GroupID = "orderdesk-" + uuid.New().String()
	}
	readerCfg := kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		// Новому экземпляру нужна только свежая лента, состояние он читает из базы
		StartOffset: kafka.LastOffset,
	}
	for _, opt := range opts {
		opt(&readerCfg)
	}

	return &KafkaSubscriber{
		reader:  kafka.NewReader(readerCfg),
		board:   board,
		topic:   cfg.Topic,
		groupID: cfg.GroupID,
		zaplog:  zaplog,
	}
}

// Run consumes until ctx is done. Undecodable messages are logged and
// committed so they cannot block the feed.
func (s *KafkaSubscriber) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.process(ctx, msg)

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *KafkaSubscriber) process(ctx context.Context, msg kafka.Message) {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewMessageCarrier(&msg))

	_, span := consumerTracer.Start(parentCtx, "process "+s.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(s.topic),
			semconv.MessagingKafkaConsumerGroup(s.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	var event OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.zaplog.Warn("order event dropped", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	s.board.Apply(event)
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
