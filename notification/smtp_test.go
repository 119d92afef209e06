package notification

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"
)

type mockDialer struct {
	msgs []*mail.Msg
	err  error
}

func (m *mockDialer) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	m.msgs = append(m.msgs, messages...)
	return m.err
}

func TestSMTPConfig_Validate(t *testing.T) {
	if err := (SMTPConfig{From: "a@b.c"}).Validate(); err == nil {
		t.Error("missing host should be invalid")
	}
	if err := (SMTPConfig{Host: "smtp"}).Validate(); err == nil {
		t.Error("missing from should be invalid")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"}); err != nil {
		t.Errorf("NewSMTPSender() error = %v", err)
	}
}

func TestSMTPSender_SendEmail(t *testing.T) {
	dialer := &mockDialer{}
	sender := newSMTPSenderWithDialer(SMTPConfig{
		Host:     "smtp.example.com",
		From:     "noreply@example.com",
		FromName: "Account Security",
	}, dialer)

	token := strings.Repeat("ab", 32)
	if err := sender.SendEmail(context.Background(), "alice@example.com", token); err != nil {
		t.Fatalf("SendEmail() error = %v", err)
	}
	if len(dialer.msgs) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(dialer.msgs))
	}

	msg := dialer.msgs[0]
	if to := msg.GetToString(); len(to) != 1 || !strings.Contains(to[0], "alice@example.com") {
		t.Errorf("To = %v", to)
	}
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != DefaultEmailSubject {
		t.Errorf("Subject = %v", subj)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), token) {
		t.Error("message body does not contain the token")
	}
}

func TestSMTPSender_SendEmailNotice(t *testing.T) {
	dialer := &mockDialer{}
	sender := newSMTPSenderWithDialer(SMTPConfig{Host: "h", From: "noreply@example.com"}, dialer)

	n := Notice{Subject: "Your account was recovered", Body: "Access was restored at 12:00 UTC."}
	if err := sender.SendEmailNotice(context.Background(), "alice@example.com", n); err != nil {
		t.Fatalf("SendEmailNotice() error = %v", err)
	}
	if len(dialer.msgs) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(dialer.msgs))
	}
	msg := dialer.msgs[0]
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != n.Subject {
		t.Errorf("Subject = %v", subj)
	}
	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Access was restored") {
		t.Error("message body does not contain the notice")
	}
}

func TestSMTPSender_Errors(t *testing.T) {
	t.Run("invalid recipient", func(t *testing.T) {
		sender := newSMTPSenderWithDialer(SMTPConfig{Host: "h", From: "noreply@example.com"}, &mockDialer{})
		if err := sender.SendEmail(context.Background(), "not an address", "tok"); err == nil {
			t.Error("expected error for invalid address")
		}
	})

	t.Run("send failure", func(t *testing.T) {
		dialer := &mockDialer{err: errors.New("connection refused")}
		sender := newSMTPSenderWithDialer(SMTPConfig{Host: "h", From: "noreply@example.com"}, dialer)
		err := sender.SendEmail(context.Background(), "alice@example.com", "tok")
		if err == nil {
			t.Fatal("expected error")
		}
		if strings.Contains(err.Error(), "alice@example.com") {
			t.Error("error message leaks the full address")
		}
	})
}
