package lambda

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	recoveryconfig "github.com/byteness/mfa-recovery/config"
	"github.com/byteness/mfa-recovery/logging"
	"github.com/byteness/mfa-recovery/metrics"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/ratelimit"
)

// fakeSecrets is an in-memory SecretsLoader.
type fakeSecrets map[string]string

func (f fakeSecrets) GetSecret(ctx context.Context, secretID string) (string, error) {
	v, ok := f[secretID]
	if !ok {
		return "", errors.New("secret not found")
	}
	return v, nil
}

func setRequiredTables(t *testing.T) {
	t.Helper()
	t.Setenv(EnvRequestTable, "recovery-requests")
	t.Setenv(EnvOverrideTable, "recovery-overrides")
	t.Setenv(EnvGrantTable, "recovery-grants")
	t.Setenv(EnvRoleTable, "recovery-roles")
	t.Setenv(EnvContactTable, "recovery-contacts")
}

func TestSettingsFromEnv(t *testing.T) {
	setRequiredTables(t)
	t.Setenv(EnvSMTPHost, "smtp.example.com")
	t.Setenv(EnvSMTPFrom, "recovery@example.com")
	t.Setenv(EnvSMTPPort, "2525")
	t.Setenv(EnvSMSRatePerSecond, "0.5")
	t.Setenv(EnvLambdaFunctionName, "mfa-recovery-api")

	s, err := SettingsFromEnv()
	if err != nil {
		t.Fatalf("SettingsFromEnv() error = %v", err)
	}
	if s.RequestTable != "recovery-requests" || s.RoleTable != "recovery-roles" {
		t.Errorf("tables = %+v", s)
	}
	if s.SMTPPort != 2525 || !s.SMTPTLS {
		t.Errorf("SMTP port/TLS = %d/%v, want 2525/true", s.SMTPPort, s.SMTPTLS)
	}
	if s.SMSRatePerSecond != 0.5 {
		t.Errorf("SMSRatePerSecond = %v, want 0.5", s.SMSRatePerSecond)
	}
	if s.ContactTable != "recovery-contacts" {
		t.Errorf("ContactTable = %q", s.ContactTable)
	}
	if s.CloudWatchStream != "mfa-recovery-api" {
		t.Errorf("CloudWatchStream = %q, want function name", s.CloudWatchStream)
	}
}

func TestSettingsFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing grant table",
			env:     map[string]string{EnvGrantTable: ""},
			wantErr: EnvGrantTable,
		},
		{
			name:    "missing contact table",
			env:     map[string]string{EnvContactTable: ""},
			wantErr: EnvContactTable,
		},
		{
			name:    "metrics without pushgateway",
			env:     map[string]string{EnvMetricsNamespace: "mfa"},
			wantErr: EnvPushgatewayURL,
		},
		{
			name:    "bad smtp port",
			env:     map[string]string{EnvSMTPPort: "99999"},
			wantErr: EnvSMTPPort,
		},
		{
			name:    "negative sms rate",
			env:     map[string]string{EnvSMSRatePerSecond: "-1"},
			wantErr: EnvSMSRatePerSecond,
		},
		{
			name:    "smtp host without sender",
			env:     map[string]string{EnvSMTPHost: "smtp.example.com"},
			wantErr: EnvSMTPFrom,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredTables(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := SettingsFromEnv()
			if err == nil {
				t.Fatal("SettingsFromEnv() expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestConfigureAuditLogger(t *testing.T) {
	key := hex.EncodeToString([]byte(strings.Repeat("k", logging.MinKeyLength)))

	t.Run("unsigned stdout", func(t *testing.T) {
		l, err := configureAuditLogger(context.Background(), aws.Config{}, Settings{}, nil)
		if err != nil {
			t.Fatalf("configureAuditLogger() error = %v", err)
		}
		if _, ok := l.(*logging.JSONLogger); !ok {
			t.Errorf("logger = %T, want *logging.JSONLogger", l)
		}
	})

	t.Run("signed from secrets manager", func(t *testing.T) {
		t.Setenv(EnvAuditSigningSecretID, "audit-key")
		l, err := configureAuditLogger(context.Background(), aws.Config{}, Settings{SigningKeyID: "v1"},
			fakeSecrets{"audit-key": key})
		if err != nil {
			t.Fatalf("configureAuditLogger() error = %v", err)
		}
		if _, ok := l.(*logging.SignedLogger); !ok {
			t.Errorf("logger = %T, want *logging.SignedLogger", l)
		}
	})

	t.Run("deprecated plain key with dynamodb sink", func(t *testing.T) {
		t.Setenv(EnvAuditSigningKey, key)
		l, err := configureAuditLogger(context.Background(), aws.Config{}, Settings{AuditTable: "audit"}, nil)
		if err != nil {
			t.Fatalf("configureAuditLogger() error = %v", err)
		}
		if _, ok := l.(*logging.MultiLogger); !ok {
			t.Errorf("logger = %T, want *logging.MultiLogger", l)
		}
	})

	t.Run("short key rejected", func(t *testing.T) {
		t.Setenv(EnvAuditSigningKey, hex.EncodeToString([]byte("short")))
		if _, err := configureAuditLogger(context.Background(), aws.Config{}, Settings{}, nil); err == nil {
			t.Error("expected error for short signing key")
		}
	})

	t.Run("missing secret fails", func(t *testing.T) {
		t.Setenv(EnvAuditSigningSecretID, "absent")
		if _, err := configureAuditLogger(context.Background(), aws.Config{}, Settings{}, fakeSecrets{}); err == nil {
			t.Error("expected error when the signing secret cannot be loaded")
		}
	})
}

func TestConfigureRateLimiter(t *testing.T) {
	cfg := recoveryconfig.Default()

	t.Run("memory fallback", func(t *testing.T) {
		l, err := configureRateLimiter(context.Background(), aws.Config{}, Settings{}, nil, cfg)
		if err != nil {
			t.Fatalf("configureRateLimiter() error = %v", err)
		}
		ml, ok := l.(*ratelimit.MemoryLimiter)
		if !ok {
			t.Fatalf("limiter = %T, want *ratelimit.MemoryLimiter", l)
		}
		ml.Close()
	})

	t.Run("dynamodb", func(t *testing.T) {
		l, err := configureRateLimiter(context.Background(), aws.Config{}, Settings{RateLimitTable: "rl"}, nil, cfg)
		if err != nil {
			t.Fatalf("configureRateLimiter() error = %v", err)
		}
		if _, ok := l.(*ratelimit.DynamoDBLimiter); !ok {
			t.Errorf("limiter = %T, want *ratelimit.DynamoDBLimiter", l)
		}
	})

	t.Run("redis preferred", func(t *testing.T) {
		mr := miniredis.RunT(t)
		mr.RequireAuth("hunter2")
		t.Setenv(EnvRedisPasswordSecretID, "redis-pass")

		s := Settings{RedisAddr: mr.Addr(), RateLimitTable: "rl"}
		l, err := configureRateLimiter(context.Background(), aws.Config{}, s, fakeSecrets{"redis-pass": "hunter2"}, cfg)
		if err != nil {
			t.Fatalf("configureRateLimiter() error = %v", err)
		}
		if _, ok := l.(*ratelimit.RedisLimiter); !ok {
			t.Fatalf("limiter = %T, want *ratelimit.RedisLimiter", l)
		}

		d, err := l.Record(context.Background(), "carol", recoveryconfig.MethodEmail)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if !d.Allowed {
			t.Error("first attempt should be allowed")
		}
		keys := mr.Keys()
		if len(keys) == 0 || !strings.HasPrefix(keys[0], DefaultRedisKeyPrefix) {
			t.Errorf("redis keys = %v, want prefix %q", keys, DefaultRedisKeyPrefix)
		}
	})
}

func TestConfigureSender(t *testing.T) {
	t.Run("sms only", func(t *testing.T) {
		s, err := configureSender(context.Background(), aws.Config{}, Settings{SMSRatePerSecond: 1}, nil)
		if err != nil {
			t.Fatalf("configureSender() error = %v", err)
		}
		rs, ok := s.(*notification.RoutingSender)
		if !ok {
			t.Fatalf("sender = %T, want *notification.RoutingSender", s)
		}
		if rs.Email != nil || rs.SMS == nil {
			t.Errorf("routing = %+v, want SMS only", rs)
		}
		if err := rs.SendEmail(context.Background(), "a@example.com", "tok"); !errors.Is(err, notification.ErrNoChannel) {
			t.Errorf("SendEmail() error = %v, want ErrNoChannel", err)
		}
	})

	t.Run("smtp with secret password", func(t *testing.T) {
		t.Setenv(EnvSMTPPasswordSecretID, "smtp-pass")
		settings := Settings{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPFrom: "recovery@example.com", SMTPUsername: "mailer", SMTPTLS: true}
		s, err := configureSender(context.Background(), aws.Config{}, settings, fakeSecrets{"smtp-pass": "pw"})
		if err != nil {
			t.Fatalf("configureSender() error = %v", err)
		}
		if rs := s.(*notification.RoutingSender); rs.Email == nil {
			t.Error("email channel should be configured")
		}
	})
}

func TestConfigureNotifier(t *testing.T) {
	n, err := configureNotifier(context.Background(), aws.Config{}, Settings{}, nil)
	if err != nil || n != nil {
		t.Fatalf("configureNotifier(empty) = %v, %v; want nil, nil", n, err)
	}

	n, err = configureNotifier(context.Background(), aws.Config{}, Settings{NotifyTopicARN: "arn:aws:sns:us-east-1:123456789012:recovery"}, nil)
	if err != nil {
		t.Fatalf("configureNotifier(topic) error = %v", err)
	}
	if _, ok := n.(*notification.SNSNotifier); !ok {
		t.Errorf("notifier = %T, want *notification.SNSNotifier", n)
	}

	t.Setenv(EnvNotifyWebhookSecretID, "hook")
	n, err = configureNotifier(context.Background(), aws.Config{}, Settings{
		NotifyTopicARN:   "arn:aws:sns:us-east-1:123456789012:recovery",
		NotifyWebhookURL: "https://hooks.example.com/recovery",
	}, fakeSecrets{"hook": "webhook-signing-secret"})
	if err != nil {
		t.Fatalf("configureNotifier(both) error = %v", err)
	}
	if _, ok := n.(*notification.MultiNotifier); !ok {
		t.Errorf("notifier = %T, want *notification.MultiNotifier", n)
	}
}

func TestConfigureMetrics(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec, exp, err := configureMetrics(Settings{})
		if err != nil {
			t.Fatalf("configureMetrics() error = %v", err)
		}
		if _, ok := rec.(metrics.NopRecorder); !ok || exp != nil {
			t.Errorf("recorder = %T, exporter = %v; want nop and none", rec, exp)
		}
	})

	t.Run("pushed to gateway", func(t *testing.T) {
		var paths []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		rec, exp, err := configureMetrics(Settings{MetricsNamespace: "mfa", PushgatewayURL: srv.URL, MetricsInstance: "stream-1"})
		if err != nil {
			t.Fatalf("configureMetrics() error = %v", err)
		}
		rec.RecoveryInitiated("email", metrics.OutcomeSuccess)
		if err := exp.Push(context.Background()); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if len(paths) != 1 || paths[0] != "/metrics/job/"+DefaultMetricsJob+"/instance/stream-1" {
			t.Errorf("pushed paths = %v", paths)
		}
	})
}
