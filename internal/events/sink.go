package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink receives committed events. Returning an error leaves the event pending
// for a later retry.
type Sink interface {
	Deliver(ctx context.Context, record Record) error
}

// SinkFunc adapts a function to Sink, for in-process listeners.
type SinkFunc func(ctx context.Context, record Record) error

func (f SinkFunc) Deliver(ctx context.Context, record Record) error {
	return f(ctx, record)
}

// Fanout delivers to every sink and fails if any of them fails.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, record Record) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Deliver(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type logSink struct {
	log *zap.Logger
}

// NewLogSink writes each event as a structured log line.
func NewLogSink(log *zap.Logger) Sink {
	return &logSink{log: log.Named("events.sink")}
}

func (s *logSink) Deliver(_ context.Context, record Record) error {
	s.log.Info("event",
		zap.String("event_type", string(record.Type)),
		zap.Int64("event_id", record.ID.Int64()),
		zap.Int64("account_id", record.AccountID.Int64()),
		zap.String("dedupe_key", record.DedupeKey),
		zap.Any("payload", map[string]any(record.Payload)),
	)
	return nil
}

// SQSAPI is the subset of the SQS client the sink needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSSink struct {
	client   SQSAPI
	queueURL string
}

func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

func (s *SQSSink) Deliver(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event for SQS: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(record.Type)),
			},
		},
	}
	// FIFO queues order per account and drop redeliveries of the same event.
	if strings.HasSuffix(s.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(record.AccountID.String())
		input.MessageDeduplicationId = aws.String(record.ID.String())
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send event to SQS: %w", err)
	}
	return nil
}

type RedisStreamSink struct {
	client redis.Cmdable
	stream string
}

func NewRedisStreamSink(client redis.Cmdable, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream}
}

func (s *RedisStreamSink) Deliver(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":         record.ID.String(),
			"type":       string(record.Type),
			"account_id": record.AccountID.String(),
			"dedupe_key": record.DedupeKey,
			"payload":    string(payload),
		},
	}).Err()
}
