package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"subsync/internal/config"
	"subsync/internal/types"
)

type spySQSSender struct {
	inputs  []*sqs.SendMessageInput
	sendErr error
}

func (s *spySQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	s.inputs = append(s.inputs, params)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSAlertPublisher_Publish(t *testing.T) {
	sender := &spySQSSender{}
	pub := NewSQSAlertPublisher(sender, config.AWSConfig{
		AlertQueueURL: "https://sqs.example.com/ops-alerts",
	}, slog.Default())

	pub.Publish(context.Background(), types.OpsAlert{
		Kind:    types.AlertKindUnmappedPrice,
		EventID: "evt_1",
		Message: "price id price_legacy has no configured plan",
		Attributes: map[string]string{
			"price_id": "price_legacy",
		},
	})

	if len(sender.inputs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.inputs))
	}

	input := sender.inputs[0]
	if *input.QueueUrl != "https://sqs.example.com/ops-alerts" {
		t.Errorf("unexpected queue url %s", *input.QueueUrl)
	}

	attr, ok := input.MessageAttributes["kind"]
	if !ok || *attr.StringValue != types.AlertKindUnmappedPrice {
		t.Errorf("expected kind attribute %s", types.AlertKindUnmappedPrice)
	}

	var alert types.OpsAlert
	if err := json.Unmarshal([]byte(*input.MessageBody), &alert); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if alert.EventID != "evt_1" {
		t.Errorf("expected event id evt_1, got %s", alert.EventID)
	}
	if alert.OccurredAt.IsZero() {
		t.Error("expected OccurredAt to be stamped")
	}
}

func TestSQSAlertPublisher_SendFailureDoesNotPanic(t *testing.T) {
	sender := &spySQSSender{sendErr: errors.New("queue unavailable")}
	pub := NewSQSAlertPublisher(sender, config.AWSConfig{
		AlertQueueURL: "https://sqs.example.com/ops-alerts",
	}, slog.Default())

	// Must swallow the error; alerts never fail the caller.
	pub.Publish(context.Background(), types.OpsAlert{
		Kind:    types.AlertKindCustomerConflict,
		Message: "customer cus_1 bound to a different user",
	})

	if len(sender.inputs) != 1 {
		t.Fatalf("expected send attempt, got %d", len(sender.inputs))
	}
}

func TestNopAlertPublisher_Publish(t *testing.T) {
	pub := NewNopAlertPublisher(slog.Default())
	pub.Publish(context.Background(), types.OpsAlert{Kind: types.AlertKindUnmappedPrice})
}
