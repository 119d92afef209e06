package lambda

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/byteness/mfa-recovery/access"
	recoveryconfig "github.com/byteness/mfa-recovery/config"
	"github.com/byteness/mfa-recovery/contacts"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/metrics"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/override"
	"github.com/byteness/mfa-recovery/ratelimit"
	"github.com/byteness/mfa-recovery/recovery"
	"github.com/byteness/mfa-recovery/roles"
)

// Environment variable names for handler configuration.
const (
	EnvRegion          = "AWS_REGION"
	EnvConfigParameter = "RECOVERY_CONFIG_PARAMETER" // SSM parameter holding config YAML (optional)

	// DynamoDB tables.
	EnvRequestTable  = "RECOVERY_REQUEST_TABLE"
	EnvOverrideTable = "RECOVERY_OVERRIDE_TABLE"
	EnvGrantTable    = "RECOVERY_GRANT_TABLE"
	EnvRoleTable     = "RECOVERY_ROLE_TABLE"
	EnvContactTable  = "RECOVERY_CONTACT_TABLE"

	// Rate limiting backend. Redis wins when both are set.
	EnvRateLimitTable        = "RECOVERY_RATE_LIMIT_TABLE"
	EnvRedisAddr             = "RECOVERY_REDIS_ADDR"
	EnvRedisTLS              = "RECOVERY_REDIS_TLS"
	EnvRedisPasswordSecretID = "RECOVERY_REDIS_PASSWORD_SECRET_ID"

	// Audit sinks.
	EnvAuditTable            = "RECOVERY_AUDIT_TABLE"
	EnvCloudWatchGroup       = "RECOVERY_CLOUDWATCH_LOG_GROUP"
	EnvCloudWatchStream      = "RECOVERY_CLOUDWATCH_STREAM" // default: function name
	EnvAuditSigningSecretID  = "RECOVERY_AUDIT_SIGNING_SECRET_ID"
	EnvAuditSigningKey       = "RECOVERY_AUDIT_SIGNING_KEY" // hex, deprecated in favour of the secret
	EnvAuditSigningKeyID     = "RECOVERY_AUDIT_SIGNING_KEY_ID"
	EnvLambdaFunctionName    = "AWS_LAMBDA_FUNCTION_NAME"
	EnvMetricsNamespace      = "RECOVERY_METRICS_NAMESPACE"
	EnvPushgatewayURL        = "RECOVERY_PUSHGATEWAY_URL"
	EnvLambdaLogStream       = "AWS_LAMBDA_LOG_STREAM_NAME"
	EnvNotifyTopicARN        = "RECOVERY_NOTIFY_TOPIC_ARN"
	EnvNotifyWebhookURL      = "RECOVERY_NOTIFY_WEBHOOK_URL"
	EnvNotifyWebhookSecretID = "RECOVERY_NOTIFY_WEBHOOK_SECRET_ID"

	// Delivery channels.
	EnvSMSSenderID           = "RECOVERY_SMS_SENDER_ID"
	EnvSMSRatePerSecond      = "RECOVERY_SMS_RATE_PER_SECOND"
	EnvSMTPHost              = "RECOVERY_SMTP_HOST"
	EnvSMTPPort              = "RECOVERY_SMTP_PORT"
	EnvSMTPFrom              = "RECOVERY_SMTP_FROM"
	EnvSMTPFromName          = "RECOVERY_SMTP_FROM_NAME"
	EnvSMTPUsername          = "RECOVERY_SMTP_USERNAME"
	EnvSMTPPasswordSecretID  = "RECOVERY_SMTP_PASSWORD_SECRET_ID"
	EnvSMTPDisableTLS        = "RECOVERY_SMTP_DISABLE_TLS"

	DefaultSMTPPort       = 587
	DefaultRedisKeyPrefix = "recovery:ratelimit:"
	DefaultMetricsJob     = "mfa-recovery"
)

// Settings is the parsed environment. It holds no AWS clients so it can be
// validated without credentials.
type Settings struct {
	Region          string
	ConfigParameter string

	RequestTable  string
	OverrideTable string
	GrantTable    string
	RoleTable     string
	ContactTable  string

	RateLimitTable string
	RedisAddr      string
	RedisTLS       bool

	AuditTable       string
	CloudWatchGroup  string
	CloudWatchStream string
	SigningKeyID     string

	MetricsNamespace string
	PushgatewayURL   string
	MetricsInstance  string
	NotifyTopicARN   string
	NotifyWebhookURL string

	SMSSenderID      string
	SMSRatePerSecond float64

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPFromName string
	SMTPUsername string
	SMTPTLS      bool
}

// SettingsFromEnv reads and validates Settings from the environment.
func SettingsFromEnv() (Settings, error) {
	s := Settings{
		Region:           os.Getenv(EnvRegion),
		ConfigParameter:  os.Getenv(EnvConfigParameter),
		RequestTable:     os.Getenv(EnvRequestTable),
		OverrideTable:    os.Getenv(EnvOverrideTable),
		GrantTable:       os.Getenv(EnvGrantTable),
		RoleTable:        os.Getenv(EnvRoleTable),
		ContactTable:     os.Getenv(EnvContactTable),
		RateLimitTable:   os.Getenv(EnvRateLimitTable),
		RedisAddr:        os.Getenv(EnvRedisAddr),
		RedisTLS:         os.Getenv(EnvRedisTLS) == "true",
		AuditTable:       os.Getenv(EnvAuditTable),
		CloudWatchGroup:  os.Getenv(EnvCloudWatchGroup),
		CloudWatchStream: os.Getenv(EnvCloudWatchStream),
		SigningKeyID:     os.Getenv(EnvAuditSigningKeyID),
		MetricsNamespace: os.Getenv(EnvMetricsNamespace),
		PushgatewayURL:   os.Getenv(EnvPushgatewayURL),
		MetricsInstance:  os.Getenv(EnvLambdaLogStream),
		NotifyTopicARN:   os.Getenv(EnvNotifyTopicARN),
		NotifyWebhookURL: os.Getenv(EnvNotifyWebhookURL),
		SMSSenderID:      os.Getenv(EnvSMSSenderID),
		SMTPHost:         os.Getenv(EnvSMTPHost),
		SMTPPort:         DefaultSMTPPort,
		SMTPFrom:         os.Getenv(EnvSMTPFrom),
		SMTPFromName:     os.Getenv(EnvSMTPFromName),
		SMTPUsername:     os.Getenv(EnvSMTPUsername),
		SMTPTLS:          os.Getenv(EnvSMTPDisableTLS) != "true",
	}
	if s.CloudWatchStream == "" {
		s.CloudWatchStream = os.Getenv(EnvLambdaFunctionName)
	}

	if v := os.Getenv(EnvSMTPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return Settings{}, fmt.Errorf("invalid %s: %q", EnvSMTPPort, v)
		}
		s.SMTPPort = port
	}
	if v := os.Getenv(EnvSMSRatePerSecond); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return Settings{}, fmt.Errorf("invalid %s: %q", EnvSMSRatePerSecond, v)
		}
		s.SMSRatePerSecond = r
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that every required table is named.
func (s Settings) Validate() error {
	required := []struct{ env, value string }{
		{EnvRequestTable, s.RequestTable},
		{EnvOverrideTable, s.OverrideTable},
		{EnvGrantTable, s.GrantTable},
		{EnvRoleTable, s.RoleTable},
		{EnvContactTable, s.ContactTable},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.env)
		}
	}
	if s.SMTPHost != "" && s.SMTPFrom == "" {
		return fmt.Errorf("%s is required when %s is set", EnvSMTPFrom, EnvSMTPHost)
	}
	if s.MetricsNamespace != "" && s.PushgatewayURL == "" {
		return fmt.Errorf("%s is required when %s is set", EnvPushgatewayURL, EnvMetricsNamespace)
	}
	return nil
}

// MetricsExporter sends recorded metrics somewhere they can be read.
type MetricsExporter interface {
	Push(ctx context.Context) error
}

// HandlerConfig holds the wired components used by the handlers.
type HandlerConfig struct {
	Config    recoveryconfig.Config
	Recovery  *recovery.Manager
	Overrides *override.Manager
	Issuer    *access.Issuer
	Audit     logging.Logger

	// Metrics is nil when metrics are disabled.
	Metrics MetricsExporter
}

// Finish waits for background deliveries and exports metrics. Lambda
// freezes the process once a handler returns, so every invocation calls
// Finish before returning.
func (c *HandlerConfig) Finish(ctx context.Context) {
	c.Recovery.Wait()
	c.Overrides.Wait()
	if c.Metrics == nil {
		return
	}
	if err := c.Metrics.Push(ctx); err != nil {
		log.Printf("WARNING: Failed to export metrics: %v", err)
	}
}

// LoadConfigFromEnv builds a HandlerConfig from environment variables.
// This is the primary way to configure the Lambda in production.
func LoadConfigFromEnv(ctx context.Context) (*HandlerConfig, error) {
	settings, err := SettingsFromEnv()
	if err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(settings.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return Build(ctx, awsCfg, settings, NewCachedSecretsLoader(awsCfg))
}

// Build loads the recovery configuration named by settings and wires every
// component.
func Build(ctx context.Context, awsCfg aws.Config, s Settings, secrets SecretsLoader) (*HandlerConfig, error) {
	cfg := recoveryconfig.Default()
	if s.ConfigParameter != "" {
		loaded, err := recoveryconfig.NewSSMLoader(awsCfg).Load(ctx, s.ConfigParameter)
		if err != nil {
			return nil, fmt.Errorf("failed to load recovery config: %w", err)
		}
		cfg = loaded
		log.Printf("INFO: Loaded recovery config from %s", s.ConfigParameter)
	} else {
		log.Printf("INFO: Using built-in recovery config (%s not set)", EnvConfigParameter)
	}
	return BuildWithConfig(ctx, awsCfg, cfg, s, secrets)
}

// BuildWithConfig wires every component described by settings around an
// already loaded recovery configuration.
func BuildWithConfig(ctx context.Context, awsCfg aws.Config, cfg recoveryconfig.Config, s Settings, secrets SecretsLoader) (*HandlerConfig, error) {
	audit, err := configureAuditLogger(ctx, awsCfg, s, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to configure audit log: %w", err)
	}

	limiter, err := configureRateLimiter(ctx, awsCfg, s, secrets, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure rate limiter: %w", err)
	}

	sender, err := configureSender(ctx, awsCfg, s, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to configure notification sender: %w", err)
	}

	notifier, err := configureNotifier(ctx, awsCfg, s, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to configure notifier: %w", err)
	}

	recorder, exporter, err := configureMetrics(s)
	if err != nil {
		return nil, fmt.Errorf("failed to configure metrics: %w", err)
	}

	lookup := roles.NewDynamoDBLookup(awsCfg, s.RoleTable)
	directory := contacts.NewDynamoDBLookup(awsCfg, s.ContactTable)

	issuer, err := access.NewIssuer(access.NewDynamoDBStore(awsCfg, s.GrantTable), audit, cfg.Access.TokenTTL,
		access.WithMetrics(recorder))
	if err != nil {
		return nil, err
	}

	overrideOpts := []override.Option{override.WithMetrics(recorder)}
	recoveryOpts := []recovery.Option{recovery.WithMetrics(recorder)}
	if notifier != nil {
		overrideOpts = append(overrideOpts, override.WithNotifier(notifier))
		recoveryOpts = append(recoveryOpts, recovery.WithNotifier(notifier))
	}

	overrides, err := override.NewManager(cfg, override.NewDynamoDBStore(awsCfg, s.OverrideTable), lookup, audit, limiter, overrideOpts...)
	if err != nil {
		return nil, err
	}

	recoveryOpts = append(recoveryOpts, recovery.WithOverrides(overrides), recovery.WithRoleLookup(lookup))
	mgr, err := recovery.NewManager(cfg, recovery.NewDynamoDBStore(awsCfg, s.RequestTable), limiter, directory, sender, issuer, audit, recoveryOpts...)
	if err != nil {
		return nil, err
	}

	return &HandlerConfig{
		Config:    cfg,
		Recovery:  mgr,
		Overrides: overrides,
		Issuer:    issuer,
		Audit:     audit,
		Metrics:   exporter,
	}, nil
}

// configureMetrics records into a private registry that is pushed to the
// gateway after each invocation. With no namespace, nothing is recorded.
func configureMetrics(s Settings) (metrics.Recorder, MetricsExporter, error) {
	if s.MetricsNamespace == "" {
		return metrics.NopRecorder{}, nil, nil
	}
	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg, s.MetricsNamespace)
	pusher, err := metrics.NewPusher(s.PushgatewayURL, DefaultMetricsJob, reg, map[string]string{"instance": s.MetricsInstance})
	if err != nil {
		return nil, nil, err
	}
	log.Printf("INFO: Metrics pushed to %s (namespace: %s)", s.PushgatewayURL, s.MetricsNamespace)
	return recorder, pusher, nil
}

// configureAuditLogger builds the audit sink chain:
//   - CloudWatch group set: CloudWatchLogger (signed when a key is configured)
//   - otherwise: SignedLogger or JSONLogger to stdout
//   - audit table set: DynamoDBLogger in addition to the above
//
// Every sink must accept an event for the append to succeed.
func configureAuditLogger(ctx context.Context, awsCfg aws.Config, s Settings, secrets SecretsLoader) (logging.Logger, error) {
	keyHex, err := loadSecret(ctx, secrets, EnvAuditSigningSecretID, EnvAuditSigningKey)
	if err != nil {
		return nil, err
	}
	var sign *logging.SignatureConfig
	if keyHex != "" {
		key, err := decodeHexKey(EnvAuditSigningKey, keyHex, logging.MinKeyLength)
		if err != nil {
			return nil, err
		}
		sign = &logging.SignatureConfig{KeyID: s.SigningKeyID, SecretKey: key}
	}

	var sinks []logging.Logger
	switch {
	case s.CloudWatchGroup != "":
		cw, err := logging.NewCloudWatchLogger(awsCfg, &logging.CloudWatchConfig{
			LogGroupName:  s.CloudWatchGroup,
			LogStreamName: s.CloudWatchStream,
			SignConfig:    sign,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("INFO: Audit to CloudWatch (group: %s, signed: %v)", s.CloudWatchGroup, sign != nil)
		sinks = append(sinks, cw)
	case sign != nil:
		signed, err := logging.NewSignedLogger(os.Stdout, sign)
		if err != nil {
			return nil, err
		}
		log.Printf("INFO: Signed audit to stdout (key: %s)", s.SigningKeyID)
		sinks = append(sinks, signed)
	default:
		log.Printf("INFO: Audit to stdout (unsigned)")
		sinks = append(sinks, logging.NewJSONLogger(os.Stdout))
	}

	if s.AuditTable != "" {
		sinks = append(sinks, logging.NewDynamoDBLogger(awsCfg, s.AuditTable))
		log.Printf("INFO: Audit persisted to DynamoDB (table: %s)", s.AuditTable)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return logging.NewMultiLogger(sinks...), nil
}

// configureRateLimiter selects Redis, DynamoDB or in-memory limiting.
func configureRateLimiter(ctx context.Context, awsCfg aws.Config, s Settings, secrets SecretsLoader, cfg recoveryconfig.Config) (ratelimit.Limiter, error) {
	policies := ratelimit.PoliciesFromConfig(cfg)

	switch {
	case s.RedisAddr != "":
		password, err := loadSecret(ctx, secrets, EnvRedisPasswordSecretID, "")
		if err != nil {
			return nil, err
		}
		opts := &redis.Options{
			Addr:         s.RedisAddr,
			Password:     password,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		}
		if s.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		log.Printf("INFO: Distributed rate limiting via Redis (%s)", s.RedisAddr)
		rl, err := ratelimit.NewRedisLimiter(redis.NewClient(opts), DefaultRedisKeyPrefix, policies)
		if err != nil {
			return nil, err
		}
		return rl, nil

	case s.RateLimitTable != "":
		log.Printf("INFO: Distributed rate limiting via DynamoDB (table: %s)", s.RateLimitTable)
		dl, err := ratelimit.NewDynamoDBLimiter(dynamodb.NewFromConfig(awsCfg), s.RateLimitTable, policies)
		if err != nil {
			return nil, err
		}
		return dl, nil

	default:
		log.Printf("WARNING: Using in-memory rate limiting - not effective across Lambda instances. Set %s or %s.",
			EnvRedisAddr, EnvRateLimitTable)
		ml, err := ratelimit.NewMemoryLimiter(policies)
		if err != nil {
			return nil, err
		}
		return ml, nil
	}
}

// configureSender wires SMS through SNS and email through SMTP.
func configureSender(ctx context.Context, awsCfg aws.Config, s Settings, secrets SecretsLoader) (notification.Sender, error) {
	var snsOpts []notification.SNSSenderOption
	if s.SMSRatePerSecond > 0 {
		snsOpts = append(snsOpts, notification.WithPublishRate(s.SMSRatePerSecond, 1))
	}
	sms := notification.NewSNSSender(awsCfg, s.SMSSenderID, snsOpts...)

	if s.SMTPHost == "" {
		log.Printf("WARNING: %s not set; email recovery tokens cannot be delivered", EnvSMTPHost)
		return notification.NewRoutingSender(nil, sms), nil
	}

	password, err := loadSecret(ctx, secrets, EnvSMTPPasswordSecretID, "")
	if err != nil {
		return nil, err
	}
	email, err := notification.NewSMTPSender(notification.SMTPConfig{
		Host:     s.SMTPHost,
		Port:     s.SMTPPort,
		Username: s.SMTPUsername,
		Password: password,
		From:     s.SMTPFrom,
		FromName: s.SMTPFromName,
		TLS:      s.SMTPTLS,
	})
	if err != nil {
		return nil, err
	}
	return notification.NewRoutingSender(email, sms), nil
}

// configureNotifier builds the lifecycle notifier. Returns nil when no
// channel is configured.
func configureNotifier(ctx context.Context, awsCfg aws.Config, s Settings, secrets SecretsLoader) (notification.Notifier, error) {
	var notifiers []notification.Notifier
	if s.NotifyTopicARN != "" {
		notifiers = append(notifiers, notification.NewSNSNotifier(awsCfg, s.NotifyTopicARN))
	}
	if s.NotifyWebhookURL != "" {
		secret, err := loadSecret(ctx, secrets, EnvNotifyWebhookSecretID, "")
		if err != nil {
			return nil, err
		}
		wh, err := notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:    s.NotifyWebhookURL,
			Secret: []byte(secret),
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, wh)
	}

	switch len(notifiers) {
	case 0:
		return nil, nil
	case 1:
		return notifiers[0], nil
	}
	return notification.NewMultiNotifier(notifiers...), nil
}
