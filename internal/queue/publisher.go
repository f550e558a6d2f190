package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/felo/autoreply/internal/db"
)

// EventIngested is published after an email is stored.
const EventIngested = "email.ingested"

// Message is the notification body.
type Message struct {
	Event             string `json:"event"`
	EmailID           string `json:"email_id"`
	SenderID          string `json:"sender_id"`
	MessageID         string `json:"message_id,omitempty"`
	ProbableDuplicate bool   `json:"probable_duplicate,omitempty"`
}

// IngestedMessage describes a stored email.
func IngestedMessage(result *db.IngestResult) Message {
	email := result.Email
	msg := Message{
		Event:             EventIngested,
		EmailID:           email.ID,
		SenderID:          email.SenderID,
		ProbableDuplicate: result.ProbableDuplicate,
	}
	if email.MessageID != nil {
		msg.MessageID = *email.MessageID
	}
	return msg
}

// Publisher announces newly ingested emails to downstream consumers.
type Publisher interface {
	PublishIngested(ctx context.Context, msg Message) error
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes notifications to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishIngested sends msg to SQS with the event name as a message attribute.
func (p *SQSPublisher) PublishIngested(ctx context.Context, msg Message) error {
	if msg.Event == "" {
		msg.Event = EventIngested
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {DataType: aws.String("String"), StringValue: aws.String(msg.Event)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s for email %s: %w", msg.Event, msg.EmailID, err)
	}
	return nil
}

// NopPublisher discards notifications. It is used when no queue is configured.
type NopPublisher struct{}

func (NopPublisher) PublishIngested(context.Context, Message) error { return nil }

// New returns an SQS publisher for queueURL using the default AWS credential
// chain, or a NopPublisher when queueURL is empty.
func New(ctx context.Context, queueURL string) (Publisher, error) {
	if queueURL == "" {
		return NopPublisher{}, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL), nil
}
