package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/byteness/mfa-recovery/contacts"
	recoveryerrors "github.com/byteness/mfa-recovery/errors"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/roles"
)

func TestClock(t *testing.T) {
	start := MustParseTime(time.RFC3339, "2026-03-10T12:00:00Z")
	c := NewClock(start)
	AssertEqual(t, c.Now(), start)
	c.Advance(time.Hour)
	AssertEqual(t, c.Now(), start.Add(time.Hour))
	c.Set(start)
	AssertEqual(t, c.Now(), start)
	AssertEqual(t, FixedClock(start)(), start)
}

func TestMockSender_RecordsSecrets(t *testing.T) {
	ctx := context.Background()
	s := NewMockSender()
	AssertNoError(t, s.SendSMS(ctx, "+15551234567", "123456"))
	AssertNoError(t, s.SendEmail(ctx, "a@example.com", "tok"))
	AssertEqual(t, s.SentCount(), 2)
	AssertEqual(t, s.LastSecret(), "tok")
	AssertEqual(t, s.Sent[0].Channel, "sms")

	s.Err = errors.New("down")
	AssertError(t, s.SendEmail(ctx, "a@example.com", "tok2"))
}

func TestMockSender_RecordsNotices(t *testing.T) {
	ctx := context.Background()
	s := NewMockSender()
	n := notification.Notice{Subject: "Recovered", Body: "done"}
	AssertNoError(t, s.SendEmailNotice(ctx, "a@example.com", n))
	AssertNoError(t, s.SendSMSNotice(ctx, "+15551234567", n))
	AssertEqual(t, len(s.NoticesTo("a@example.com")), 1)
	AssertEqual(t, s.SentCount(), 0)

	s.NoticeErr = errors.New("down")
	AssertError(t, s.SendEmailNotice(ctx, "a@example.com", n))
}

func TestMockContactLookup(t *testing.T) {
	l := NewMockContactLookup(map[string]contacts.Contact{"alice": {Email: "alice@example.com"}})
	got, err := l.ContactOf(context.Background(), "alice", contacts.ChannelEmail)
	AssertNoError(t, err)
	AssertEqual(t, got, "alice@example.com")

	_, err = l.ContactOf(context.Background(), "alice", contacts.ChannelSMS)
	AssertTrue(t, errors.Is(err, contacts.ErrNoContact), "missing phone is ErrNoContact")
	AssertEqual(t, len(l.Calls), 2)
}

func TestMockNotifier_EventsOfType(t *testing.T) {
	n := NewMockNotifier()
	now := time.Now()
	_ = n.Notify(context.Background(), notification.NewEvent(notification.EventOverrideCreated, "bob", "admin", "id1", now))
	_ = n.Notify(context.Background(), notification.NewEvent(notification.EventOverrideRevoked, "bob", "admin", "id1", now))
	AssertEqual(t, len(n.EventsOfType(notification.EventOverrideRevoked)), 1)
}

func TestMockRoleLookup(t *testing.T) {
	l := NewMockRoleLookup(map[string][]roles.Role{"alice": {roles.RoleAdmin}})
	got, err := l.RolesOf(context.Background(), "alice")
	AssertNoError(t, err)
	AssertTrue(t, roles.HasRole(got, roles.RoleSupport), "admin satisfies support")

	l.Err = errors.New("table missing")
	_, err = l.RolesOf(context.Background(), "alice")
	AssertError(t, err)
	AssertEqual(t, len(l.Calls), 2)
}

func TestMockSSMClient_Parameters(t *testing.T) {
	m := &MockSSMClient{Parameters: map[string]string{"/recovery/config": "version: \"1\""}}
	out, err := m.GetParameter(context.Background(), &ssm.GetParameterInput{Name: aws.String("/recovery/config")})
	AssertNoError(t, err)
	AssertEqual(t, aws.ToString(out.Parameter.Value), "version: \"1\"")

	_, err = m.GetParameter(context.Background(), &ssm.GetParameterInput{Name: aws.String("/missing")})
	AssertError(t, err)
	AssertEqual(t, m.GetParameterCallCount(), 2)
}

func TestMockSecretsManagerClient(t *testing.T) {
	m := &MockSecretsManagerClient{Secrets: map[string]string{"signing-key": "k"}}
	out, err := m.GetSecretValue(context.Background(), &secretsmanager.GetSecretValueInput{SecretId: aws.String("signing-key")})
	AssertNoError(t, err)
	AssertEqual(t, aws.ToString(out.SecretString), "k")
	AssertEqual(t, m.GetSecretValueCallCount(), 1)
}

func TestAssertKind(t *testing.T) {
	AssertKind(t, recoveryerrors.RateLimited(time.Now()), recoveryerrors.KindRateLimited)
	AssertErrorIs(t, recoveryerrors.InvalidCredential(2), recoveryerrors.ErrInvalidCredential)
}
