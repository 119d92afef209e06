package infrastructure

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// DefaultMetricNamespace is the namespace for metrics derived from the audit log group.
const DefaultMetricNamespace = "MFARecovery/Audit"

// DefaultAlertTopicName is the SNS topic alarms notify when none is given.
const DefaultAlertTopicName = "mfa-recovery-alerts"

// CloudWatchAlarmsAPI is the subset of the CloudWatch client used for alarms.
type CloudWatchAlarmsAPI interface {
	PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error)
}

// MetricFilterAPI is the subset of the CloudWatch Logs client used for metric filters.
type MetricFilterAPI interface {
	PutMetricFilter(ctx context.Context, params *cloudwatchlogs.PutMetricFilterInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutMetricFilterOutput, error)
}

// TopicAPI is the subset of the SNS client used for the alert topic.
type TopicAPI interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

// MonitoringSetup turns audit events in CloudWatch Logs into metrics and
// alarms on the ones that need a human.
type MonitoringSetup struct {
	alarms  CloudWatchAlarmsAPI
	filters MetricFilterAPI
	topics  TopicAPI
}

// NewMonitoringSetup creates a MonitoringSetup from AWS configuration.
func NewMonitoringSetup(cfg aws.Config) *MonitoringSetup {
	return NewMonitoringSetupWithClients(
		cloudwatch.NewFromConfig(cfg),
		cloudwatchlogs.NewFromConfig(cfg),
		sns.NewFromConfig(cfg),
	)
}

// NewMonitoringSetupWithClients creates a MonitoringSetup with custom clients.
func NewMonitoringSetupWithClients(alarms CloudWatchAlarmsAPI, filters MetricFilterAPI, topics TopicAPI) *MonitoringSetup {
	return &MonitoringSetup{alarms: alarms, filters: filters, topics: topics}
}

// MetricFilter counts audit events matching Pattern as MetricName.
type MetricFilter struct {
	Name       string `json:"name"`
	Pattern    string `json:"filter_pattern"`
	MetricName string `json:"metric_name"`
}

// Alarm fires when the sum of MetricName over Period reaches Threshold.
type Alarm struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MetricName  string  `json:"metric_name"`
	Period      int32   `json:"period"`
	Threshold   float64 `json:"threshold"`
}

// eventPattern matches an audit event of the given type in both the plain
// and the signed line formats. extra is an optional additional condition on
// the event body, written with %s standing for the body selector.
func eventPattern(eventType, extra string) string {
	cond := func(sel string) string {
		c := fmt.Sprintf("%s.type = %q", sel, eventType)
		if extra != "" {
			c += " && " + fmt.Sprintf(extra, sel)
		}
		return "(" + c + ")"
	}
	return fmt.Sprintf("{ %s || %s }", cond("$"), cond("$.event"))
}

// DefaultMetricFilters returns the audit event filters monitored by default.
func DefaultMetricFilters() []MetricFilter {
	return []MetricFilter{
		{
			Name:       "recovery-locked",
			Pattern:    eventPattern("recovery.locked", ""),
			MetricName: "RecoveryLocked",
		},
		{
			Name:       "recovery-dispatch-failed",
			Pattern:    eventPattern("recovery.rolled_back", ""),
			MetricName: "RecoveryRolledBack",
		},
		{
			Name:       "emergency-access-created",
			Pattern:    eventPattern("override.created", `%s.override_type = "emergency_access"`),
			MetricName: "EmergencyAccessCreated",
		},
		{
			Name:       "override-denied",
			Pattern:    eventPattern("override.denied", ""),
			MetricName: "OverrideDenied",
		},
		{
			Name:       "access-issued",
			Pattern:    eventPattern("access.issued", ""),
			MetricName: "AccessIssued",
		},
	}
}

// DefaultAlarms returns the alarms created on top of DefaultMetricFilters.
func DefaultAlarms() []Alarm {
	return []Alarm{
		{
			Name:        "mfa-recovery-lockouts",
			Description: "Recovery requests locked after exhausting attempts",
			MetricName:  "RecoveryLocked",
			Period:      300,
			Threshold:   3,
		},
		{
			Name:        "mfa-recovery-dispatch-failures",
			Description: "Recovery secrets could not be delivered",
			MetricName:  "RecoveryRolledBack",
			Period:      300,
			Threshold:   5,
		},
		{
			Name:        "mfa-recovery-emergency-access",
			Description: "An emergency_access override was created",
			MetricName:  "EmergencyAccessCreated",
			Period:      60,
			Threshold:   1,
		},
		{
			Name:        "mfa-recovery-override-denials",
			Description: "Override actions denied for missing role or self-approval",
			MetricName:  "OverrideDenied",
			Period:      300,
			Threshold:   5,
		},
	}
}

// MonitoringInput configures Setup.
type MonitoringInput struct {
	LogGroup  string
	Namespace string
	TopicName string
	// Email, when set, is subscribed to the alert topic.
	Email string
}

// MonitoringResult reports what Setup created.
type MonitoringResult struct {
	TopicARN       string   `json:"topic_arn,omitempty"`
	FiltersCreated []string `json:"filters_created"`
	AlarmsCreated  []string `json:"alarms_created"`
	Errors         []string `json:"errors,omitempty"`
}

// Setup creates the alert topic, the default metric filters on the audit
// log group and the default alarms. All calls are idempotent. Individual
// failures are collected in the result; alarms are skipped when the topic
// cannot be created.
func (m *MonitoringSetup) Setup(ctx context.Context, input MonitoringInput) (*MonitoringResult, error) {
	if input.LogGroup == "" {
		return nil, fmt.Errorf("audit log group is required")
	}
	namespace := input.Namespace
	if namespace == "" {
		namespace = DefaultMetricNamespace
	}
	topicName := input.TopicName
	if topicName == "" {
		topicName = DefaultAlertTopicName
	}

	result := &MonitoringResult{FiltersCreated: []string{}, AlarmsCreated: []string{}}

	for _, f := range DefaultMetricFilters() {
		_, err := m.filters.PutMetricFilter(ctx, &cloudwatchlogs.PutMetricFilterInput{
			LogGroupName:  aws.String(input.LogGroup),
			FilterName:    aws.String(f.Name),
			FilterPattern: aws.String(f.Pattern),
			MetricTransformations: []cwltypes.MetricTransformation{
				{
					MetricName:      aws.String(f.MetricName),
					MetricNamespace: aws.String(namespace),
					MetricValue:     aws.String("1"),
					DefaultValue:    aws.Float64(0),
				},
			},
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("metric filter %s: %v", f.Name, err))
			continue
		}
		result.FiltersCreated = append(result.FiltersCreated, f.Name)
	}

	topic, err := m.topics.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(topicName)})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("topic %s: %v", topicName, err))
		return result, nil
	}
	result.TopicARN = aws.ToString(topic.TopicArn)

	if input.Email != "" {
		_, err := m.topics.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: topic.TopicArn,
			Protocol: aws.String("email"),
			Endpoint: aws.String(input.Email),
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("subscribe %s: %v", input.Email, err))
		}
	}

	for _, a := range DefaultAlarms() {
		_, err := m.alarms.PutMetricAlarm(ctx, &cloudwatch.PutMetricAlarmInput{
			AlarmName:          aws.String(a.Name),
			AlarmDescription:   aws.String(a.Description),
			MetricName:         aws.String(a.MetricName),
			Namespace:          aws.String(namespace),
			Statistic:          cwtypes.StatisticSum,
			Period:             aws.Int32(a.Period),
			EvaluationPeriods:  aws.Int32(1),
			Threshold:          aws.Float64(a.Threshold),
			ComparisonOperator: cwtypes.ComparisonOperatorGreaterThanOrEqualToThreshold,
			TreatMissingData:   aws.String("notBreaching"),
			AlarmActions:       []string{result.TopicARN},
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("alarm %s: %v", a.Name, err))
			continue
		}
		result.AlarmsCreated = append(result.AlarmsCreated, a.Name)
	}
	return result, nil
}
