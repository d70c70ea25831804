// Package metrics publishes webhook processing outcome metrics. Counters are
// emitted per outcome so dashboards can track processed, duplicate, and
// rejected deliveries independently.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Outcome labels the result of one webhook delivery.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeFailed           Outcome = "failed"
)

// Recorder is the interface consumed by the webhook handler. Recording is
// fire-and-forget; implementations must not fail the request.
type Recorder interface {
	RecordWebhookOutcome(ctx context.Context, eventType string, outcome Outcome)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits WebhookEvent counters to CloudWatch with
// EventType and Outcome dimensions.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a recorder publishing to the given namespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordWebhookOutcome emits one count for the delivery outcome. Publish
// errors are logged and swallowed; metrics never affect request handling.
func (r *CloudWatchRecorder) RecordWebhookOutcome(ctx context.Context, eventType string, outcome Outcome) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("WebhookEvent"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String("EventType"),
						Value: aws.String(nonEmpty(eventType)),
					},
					{
						Name:  aws.String("Outcome"),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.ErrorContext(ctx, "failed to record webhook metric",
			"event_type", eventType,
			"outcome", string(outcome),
			"error", err,
		)
	}
}

// NopRecorder discards all metrics. Used in tests and when metrics are
// disabled locally.
type NopRecorder struct{}

func (NopRecorder) RecordWebhookOutcome(context.Context, string, Outcome) {}

// CloudWatch rejects empty dimension values.
func nonEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

var (
	_ Recorder = (*CloudWatchRecorder)(nil)
	_ Recorder = (NopRecorder{})
)
