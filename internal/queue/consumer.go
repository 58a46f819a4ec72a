// Package queue consumes normalized conversion events from SQS.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kredo/storage"
	"github.com/yairfalse/kredo/telemetry"
	"github.com/yairfalse/kredo/types"
)

// retryDelay is the pause after a failed receive
const retryDelay = 2 * time.Second

// SQSAPI defines the SQS operations used by the consumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Processor commits a decision for a conversion
type Processor interface {
	ProcessConversion(ctx context.Context, conv types.Conversion) (storage.CommitResult, error)
}

// Config holds consumer settings
type Config struct {
	QueueURL          string
	WaitSeconds       int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Consumer long-polls a queue and processes each message as a conversion.
// Malformed messages are deleted; processing failures are left for
// redelivery.
type Consumer struct {
	client    SQSAPI
	processor Processor
	cfg       Config
	logger    *telemetry.Logger
	tracer    trace.Tracer
}

// New builds a consumer from the default AWS credential chain
func New(ctx context.Context, region string, cfg Config, processor Processor) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(sqs.NewFromConfig(awsCfg), cfg, processor), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client SQSAPI, cfg Config, processor Processor) *Consumer {
	return &Consumer{
		client:    client,
		processor: processor,
		cfg:       cfg,
		logger:    telemetry.NewLogger("queue-consumer"),
		tracer:    otel.Tracer("queue-consumer"),
	}
}

// Run polls until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.WithContext(ctx).Info().
		Str("queue_url", c.cfg.QueueURL).
		Msg("conversion consumer started")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithContext(ctx).Warn().Err(err).Msg("receive failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
		}
	}
}

// PollOnce receives one batch and returns how many messages were committed
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
	})
	if err != nil {
		return 0, fmt.Errorf("receive message: %w", err)
	}

	committed := 0
	for _, msg := range out.Messages {
		if c.handle(ctx, msg) {
			committed++
		}
	}
	return committed, nil
}

// handle processes one message and deletes it unless a retry is wanted
func (c *Consumer) handle(ctx context.Context, msg sqstypes.Message) bool {
	ctx, span := c.tracer.Start(ctx, "queue.conversion",
		trace.WithAttributes(attribute.String("message.id", aws.ToString(msg.MessageId))))
	defer span.End()

	var conv types.Conversion
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &conv); err != nil {
		telemetry.Metrics.RecordRejected(ctx, "malformed_message")
		c.logger.WithContext(ctx).Warn().Err(err).
			Str("message_id", aws.ToString(msg.MessageId)).
			Msg("dropping malformed conversion message")
		c.delete(ctx, msg)
		return false
	}

	res, err := c.processor.ProcessConversion(ctx, conv)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, types.ErrInvalidConversion) {
			telemetry.Metrics.RecordRejected(ctx, "invalid_conversion")
			c.logger.WithContext(ctx).Warn().Err(err).
				Str("message_id", aws.ToString(msg.MessageId)).
				Msg("dropping invalid conversion")
			c.delete(ctx, msg)
			return false
		}
		c.logger.WithContext(ctx).Error().Err(err).
			Str("order_id", conv.OrderID).
			Msg("conversion processing failed, leaving for redelivery")
		return false
	}

	c.delete(ctx, msg)
	c.logger.WithContext(ctx).Debug().
		Str("order_id", res.Stored.OrderID).
		Int64("version", res.Stored.Version).
		Msg("conversion committed from queue")
	return true
}

func (c *Consumer) delete(ctx context.Context, msg sqstypes.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.WithContext(ctx).Warn().Err(err).
			Str("message_id", aws.ToString(msg.MessageId)).
			Msg("failed to delete message")
	}
}
