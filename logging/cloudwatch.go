package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// CloudWatchConfig holds configuration for CloudWatch audit forwarding.
type CloudWatchConfig struct {
	LogGroupName  string           // CloudWatch log group name
	LogStreamName string           // CloudWatch log stream name (typically function ID)
	SignConfig    *SignatureConfig // Signature config for signing events (nil to disable)
}

// Validate checks the configuration.
func (c *CloudWatchConfig) Validate() error {
	if c.LogGroupName == "" {
		return errors.New("LogGroupName is required")
	}
	if c.LogStreamName == "" {
		return errors.New("LogStreamName is required")
	}
	if c.SignConfig != nil {
		return c.SignConfig.Validate()
	}
	return nil
}

// CloudWatchAPI defines the CloudWatch Logs operations used.
// This interface enables testing with mock implementations.
type CloudWatchAPI interface {
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogger implements Logger by forwarding events to CloudWatch Logs.
type CloudWatchLogger struct {
	client        CloudWatchAPI
	config        *CloudWatchConfig
	now           func() time.Time
	sequenceToken *string
	mu            sync.Mutex
}

// NewCloudWatchLogger creates a CloudWatch logger from AWS config.
func NewCloudWatchLogger(awsCfg aws.Config, config *CloudWatchConfig) (*CloudWatchLogger, error) {
	return NewCloudWatchLoggerWithClient(cloudwatchlogs.NewFromConfig(awsCfg), config)
}

// NewCloudWatchLoggerWithClient creates a CloudWatch logger with a custom client (for testing).
func NewCloudWatchLoggerWithClient(client CloudWatchAPI, config *CloudWatchConfig) (*CloudWatchLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &CloudWatchLogger{
		client: client,
		config: config,
		now:    time.Now,
	}, nil
}

// Append signs (if configured) and forwards the event to CloudWatch.
func (l *CloudWatchLogger) Append(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}

	var message []byte
	var err error
	if l.config.SignConfig != nil {
		signed, signErr := Sign(event, l.config.SignConfig, l.now())
		if signErr != nil {
			return fmt.Errorf("sign audit event: %w", signErr)
		}
		message, err = json.Marshal(signed)
	} else {
		message, err = json.Marshal(event)
	}
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	return l.putLogEvent(ctx, string(message), event.Timestamp)
}

// putLogEvent sends a single log event and tracks the sequence token.
func (l *CloudWatchLogger) putLogEvent(ctx context.Context, message string, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(l.config.LogGroupName),
		LogStreamName: aws.String(l.config.LogStreamName),
		LogEvents: []types.InputLogEvent{
			{
				Message:   aws.String(message),
				Timestamp: aws.Int64(ts.UnixMilli()),
			},
		},
	}
	if l.sequenceToken != nil {
		input.SequenceToken = l.sequenceToken
	}

	output, err := l.client.PutLogEvents(ctx, input)
	if err != nil {
		return fmt.Errorf("cloudwatch PutLogEvents: %w", err)
	}
	if output != nil && output.RejectedLogEventsInfo != nil {
		return errors.New("cloudwatch rejected audit event")
	}
	if output != nil && output.NextSequenceToken != nil {
		l.sequenceToken = output.NextSequenceToken
	}
	return nil
}

var _ Logger = (*CloudWatchLogger)(nil)
