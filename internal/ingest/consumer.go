// Package ingest consumes send requests that other subsystems (campaign
// engine, appointment reminders, the assistant layer) publish to SQS and
// feeds them through the hub.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/careloop/pulse/internal/hub"
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Sender is the hub surface the consumer drives.
type Sender interface {
	Send(ctx context.Context, req *hub.SendRequest) (*hub.SendResult, error)
}

// Config holds the queue settings.
type Config struct {
	Region   string
	QueueURL string
}

// Consumer long-polls the queue, decodes send requests and dispatches
// them. Successful messages are deleted; failures are left for
// visibility-timeout redelivery.
type Consumer struct {
	client   SQSAPI
	sender   Sender
	queueURL string
	logger   *zap.Logger
}

// New creates a consumer with a real SQS client.
func New(ctx context.Context, cfg Config, sender Sender, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, sender, logger), nil
}

// NewWithClient wires an explicit SQS client.
func NewWithClient(client SQSAPI, queueURL string, sender Sender, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		sender:   sender,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Start polls until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("ingest consumer started", zap.String("queue_url", c.queueURL))
	for {
		if ctx.Err() != nil {
			c.logger.Info("ingest consumer stopping")
			return
		}
		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("ingest consumer stopping")
				return
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
		}
	}
}

// Poll runs one long-poll receive and processes whatever arrived.
func (c *Consumer) Poll(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return err
	}

	for _, msg := range result.Messages {
		if msg.Body == nil || msg.ReceiptHandle == nil {
			continue
		}
		if c.process(ctx, *msg.Body) {
			if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				c.logger.Error("sqs delete failed", zap.Error(err))
			}
		}
	}
	return nil
}

// process decodes and dispatches one message body. Returns true when the
// message should be deleted: either it succeeded, or it is malformed and
// redelivery cannot help.
func (c *Consumer) process(ctx context.Context, body string) bool {
	var req hub.SendRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		c.logger.Error("dropping malformed send request", zap.Error(err))
		return true
	}

	result, err := c.sender.Send(ctx, &req)
	if err != nil {
		c.logger.Error("ingested send rejected", zap.Error(err))
		// Invalid input does not improve on redelivery.
		return true
	}

	if !result.Success {
		if len(result.NotificationIDs) == 0 {
			// Nothing was created, redelivery is safe.
			c.logger.Warn("ingested send failed, leaving for redelivery",
				zap.String("tenant_id", req.TenantID.String()),
				zap.Int("failed", len(result.Errors)),
			)
			return false
		}
		// Partial success. Deleting avoids double-sending the
		// recipients that already got notifications.
		c.logger.Warn("ingested send partially failed",
			zap.String("tenant_id", req.TenantID.String()),
			zap.Int("delivered", len(result.NotificationIDs)),
			zap.Int("failed", len(result.Errors)),
		)
		return true
	}

	c.logger.Info("ingested send processed",
		zap.String("tenant_id", req.TenantID.String()),
		zap.Int("notifications", len(result.NotificationIDs)),
	)
	return true
}
