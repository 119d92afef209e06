package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"golang.org/x/time/rate"
)

// snsAPI defines the SNS operations used by SNSSender and SNSNotifier.
// This interface enables testing with mock implementations.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// DefaultSMSTemplate formats the SMS body. %s is replaced with the code.
const DefaultSMSTemplate = "Your account recovery code is %s. It expires shortly. Never share this code."

// SNSSender delivers SMS codes through SNS direct publish.
type SNSSender struct {
	client   snsAPI
	template string
	senderID string
	limiter  *rate.Limiter
}

// SNSSenderOption configures an SNSSender.
type SNSSenderOption func(*SNSSender)

// WithPublishRate caps SMS publishes per second across all callers.
// Account-level SMS throughput is limited by SNS; exceeding it produces
// throttling errors that would roll back recovery requests.
func WithPublishRate(perSecond float64, burst int) SNSSenderOption {
	return func(s *SNSSender) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewSNSSender creates an SNSSender using the provided AWS configuration.
// senderID is optional and sets the AWS.SNS.SMS.SenderID attribute.
func NewSNSSender(cfg aws.Config, senderID string, opts ...SNSSenderOption) *SNSSender {
	return newSNSSenderWithClient(sns.NewFromConfig(cfg), senderID, opts...)
}

// newSNSSenderWithClient creates an SNSSender with a custom client.
func newSNSSenderWithClient(client snsAPI, senderID string, opts ...SNSSenderOption) *SNSSender {
	s := &SNSSender{
		client:   client,
		template: DefaultSMSTemplate,
		senderID: senderID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendSMS publishes the code to the phone number as a transactional SMS.
func (s *SNSSender) SendSMS(ctx context.Context, phone, code string) error {
	return s.publish(ctx, phone, fmt.Sprintf(s.template, code))
}

// SendSMSNotice publishes the notice body to the phone number.
func (s *SNSSender) SendSMSNotice(ctx context.Context, phone string, n Notice) error {
	return s.publish(ctx, phone, n.Body)
}

func (s *SNSSender) publish(ctx context.Context, phone, message string) error {
	if phone == "" {
		return errors.New("phone number is required")
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sms publish rate: %w", err)
		}
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send sms to %s: %w", MaskPhone(phone), err)
	}
	return nil
}

// SNSNotifier publishes lifecycle events to an AWS SNS topic.
//
// Messages are published as JSON with a MessageAttribute "event_type" for
// subscription filtering. Subscribers can filter by event type (e.g., only
// receive "override.approved" events).
type SNSNotifier struct {
	client   snsAPI
	topicARN string
}

// NewSNSNotifier creates a new SNSNotifier using the provided AWS configuration.
func NewSNSNotifier(cfg aws.Config, topicARN string) *SNSNotifier {
	return newSNSNotifierWithClient(sns.NewFromConfig(cfg), topicARN)
}

// newSNSNotifierWithClient creates an SNSNotifier with a custom client.
func newSNSNotifierWithClient(client snsAPI, topicARN string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicARN: topicARN,
	}
}

// Notify publishes the event to the configured SNS topic.
func (n *SNSNotifier) Notify(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type.String()),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

var (
	_ SMSSender = (*SNSSender)(nil)
	_ Notifier  = (*SNSNotifier)(nil)
)
