// Package queue provides the SQS-based producer for operator-attention
// alerts. Conditions the engine cannot resolve on its own (an unmapped price
// id, a customer binding conflict) are published here for manual follow-up
// instead of failing webhook processing.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"subsync/internal/config"
	"subsync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AlertPublisher is the interface consumed by the billing engine. Publish
// must never fail event processing; implementations log and swallow errors.
type AlertPublisher interface {
	Publish(ctx context.Context, alert types.OpsAlert)
}

// SQSAlertPublisher sends OpsAlerts to the configured SQS queue.
type SQSAlertPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSAlertPublisher creates a publisher for the ops alert queue.
func NewSQSAlertPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SQSAlertPublisher {
	return &SQSAlertPublisher{
		client:   client,
		queueURL: awsCfg.AlertQueueURL,
		logger:   logger,
	}
}

// Publish serializes the alert and dispatches it. Failures are logged, never
// returned: an alert is a side channel and must not affect the webhook
// response. The alert kind is attached as a message attribute so consumers
// can filter without parsing the body.
func (p *SQSAlertPublisher) Publish(ctx context.Context, alert types.OpsAlert) {
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(alert)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal ops alert",
			"kind", alert.Kind, "error", err)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Kind),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish ops alert",
			"kind", alert.Kind,
			"queue_url", p.queueURL,
			"error", fmt.Sprintf("%v", err),
		)
		return
	}

	p.logger.InfoContext(ctx, "ops alert published",
		"kind", alert.Kind,
		"event_id", alert.EventID,
	)
}

// NopAlertPublisher discards alerts after logging them. Used when no alert
// queue is configured; the condition still reaches the logs.
type NopAlertPublisher struct {
	logger *slog.Logger
}

// NewNopAlertPublisher creates a log-only publisher.
func NewNopAlertPublisher(logger *slog.Logger) *NopAlertPublisher {
	return &NopAlertPublisher{logger: logger}
}

func (p *NopAlertPublisher) Publish(ctx context.Context, alert types.OpsAlert) {
	p.logger.WarnContext(ctx, "ops alert (no queue configured)",
		"kind", alert.Kind,
		"event_id", alert.EventID,
		"message", alert.Message,
	)
}

var (
	_ AlertPublisher = (*SQSAlertPublisher)(nil)
	_ AlertPublisher = (*NopAlertPublisher)(nil)
)
