// Package queue consumes object creation events from SQS and feeds them to
// the incremental aggregator, acknowledging exactly the messages whose
// events were committed.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ecastell92/bucketbackup"
	"github.com/ecastell92/bucketbackup/lib/aggregator"
	"github.com/ecastell92/bucketbackup/lib/defaults"
	"github.com/ecastell92/bucketbackup/lib/utils/retryutils"
)

// SQSClient is the subset of the SQS API the consumer uses.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Config configures a Consumer.
type Config struct {
	// QueueURL is the SQS queue receiving the store's event notifications.
	QueueURL string
	// Client is the SQS client.
	Client SQSClient
	// Aggregator processes the received batches.
	Aggregator *aggregator.Aggregator
	// Logger is an optional structured logger.
	Logger *slog.Logger
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.QueueURL == "" {
		return trace.BadParameter("missing parameter QueueURL")
	}
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Aggregator == nil {
		return trace.BadParameter("missing parameter Aggregator")
	}
	if c.Logger == nil {
		c.Logger = slog.With(bucketbackup.ComponentKey, bucketbackup.ComponentQueue)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Consumer polls the queue and drives the aggregator.
type Consumer struct {
	cfg Config
}

// New returns a Consumer.
func New(cfg Config) (*Consumer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Consumer{cfg: cfg}, nil
}

// Run polls until the context is canceled. Consecutive receive faults back
// off linearly instead of hammering the queue; context cancellation is the
// only way out.
func (c *Consumer) Run(ctx context.Context) error {
	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		Step:   defaults.QueueBackoffStep,
		Max:    defaults.QueueBackoffMax,
		Jitter: retryutils.NewSeventhJitter(),
		Clock:  c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	c.cfg.Logger.InfoContext(ctx, "Consuming event queue", "queue", c.cfg.QueueURL)
	for {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return trace.Wrap(ctx.Err())
			}
			c.cfg.Logger.ErrorContext(ctx, "Queue poll failed", "error", err)
			retry.Inc()
			select {
			case <-retry.After():
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
			continue
		}
		retry.Reset()
	}
}

// Poll performs one long-poll receive, processes the batch and deletes the
// consumed messages. Messages the aggregator reports as failed are left on
// the queue for redelivery after their visibility timeout.
func (c *Consumer) Poll(ctx context.Context) (*aggregator.Result, error) {
	out, err := c.cfg.Client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: defaults.QueueBatchSize,
		WaitTimeSeconds:     defaults.QueueWaitSeconds,
	})
	if err != nil {
		return nil, trace.Wrap(err, "receiving from %v", c.cfg.QueueURL)
	}
	if len(out.Messages) == 0 {
		return &aggregator.Result{Status: aggregator.StatusNoObjects}, nil
	}

	msgs := make([]aggregator.Message, 0, len(out.Messages))
	receipts := make(map[string]string, len(out.Messages))
	for _, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		msgs = append(msgs, aggregator.Message{ID: id, Body: aws.ToString(m.Body)})
		receipts[id] = aws.ToString(m.ReceiptHandle)
	}

	result, err := c.cfg.Aggregator.Process(ctx, msgs)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	failed := make(map[string]struct{}, len(result.FailedMessages))
	for _, id := range result.FailedMessages {
		failed[id] = struct{}{}
	}
	var entries []sqstypes.DeleteMessageBatchRequestEntry
	for i, msg := range msgs {
		if _, ok := failed[msg.ID]; ok {
			continue
		}
		entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
			Id:            aws.String(fmt.Sprintf("%d", i)),
			ReceiptHandle: aws.String(receipts[msg.ID]),
		})
	}
	if len(entries) > 0 {
		del, err := c.cfg.Client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.cfg.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			// The windows are marked, a redelivery is a cheap no-op.
			c.cfg.Logger.WarnContext(ctx, "Failed to delete consumed messages", "error", err)
		} else if len(del.Failed) > 0 {
			c.cfg.Logger.WarnContext(ctx, "Some consumed messages were not deleted",
				"failed", len(del.Failed))
		}
	}
	return result, nil
}
