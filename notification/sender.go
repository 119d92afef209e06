// Package notification delivers recovery secrets to users and lifecycle
// events to security channels.
//
// A Sender carries one-time secrets (email tokens, SMS codes) to the
// contact on file. A Notifier publishes after-the-fact events such as
// "recovery completed" or "override approved" to SNS topics and webhooks.
// Notifier payloads never contain secret material.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoChannel is returned when a RoutingSender has no sender for a channel.
var ErrNoChannel = errors.New("no sender configured for channel")

// Notice is a message to a user that carries no secret, such as the
// confirmation that their account was recovered.
type Notice struct {
	Subject string
	Body    string
}

// Sender delivers one-time recovery secrets and notices to users.
type Sender interface {
	// SendEmail delivers a recovery token to an email address.
	SendEmail(ctx context.Context, address, token string) error

	// SendSMS delivers a numeric code to an E.164 phone number.
	SendSMS(ctx context.Context, phone, code string) error

	// SendEmailNotice delivers a notice to an email address.
	SendEmailNotice(ctx context.Context, address string, n Notice) error

	// SendSMSNotice delivers a notice to an E.164 phone number.
	SendSMSNotice(ctx context.Context, phone string, n Notice) error
}

// EmailSender delivers email only.
type EmailSender interface {
	SendEmail(ctx context.Context, address, token string) error
	SendEmailNotice(ctx context.Context, address string, n Notice) error
}

// SMSSender delivers SMS only.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, code string) error
	SendSMSNotice(ctx context.Context, phone string, n Notice) error
}

// RoutingSender combines an email and an SMS backend into a Sender.
// Either may be nil, in which case that channel returns ErrNoChannel.
type RoutingSender struct {
	Email EmailSender
	SMS   SMSSender
}

// NewRoutingSender creates a RoutingSender.
func NewRoutingSender(email EmailSender, sms SMSSender) *RoutingSender {
	return &RoutingSender{Email: email, SMS: sms}
}

// SendEmail routes to the email backend.
func (r *RoutingSender) SendEmail(ctx context.Context, address, token string) error {
	if r.Email == nil {
		return fmt.Errorf("email: %w", ErrNoChannel)
	}
	return r.Email.SendEmail(ctx, address, token)
}

// SendSMS routes to the SMS backend.
func (r *RoutingSender) SendSMS(ctx context.Context, phone, code string) error {
	if r.SMS == nil {
		return fmt.Errorf("sms: %w", ErrNoChannel)
	}
	return r.SMS.SendSMS(ctx, phone, code)
}

// SendEmailNotice routes to the email backend.
func (r *RoutingSender) SendEmailNotice(ctx context.Context, address string, n Notice) error {
	if r.Email == nil {
		return fmt.Errorf("email: %w", ErrNoChannel)
	}
	return r.Email.SendEmailNotice(ctx, address, n)
}

// SendSMSNotice routes to the SMS backend.
func (r *RoutingSender) SendSMSNotice(ctx context.Context, phone string, n Notice) error {
	if r.SMS == nil {
		return fmt.Errorf("sms: %w", ErrNoChannel)
	}
	return r.SMS.SendSMSNotice(ctx, phone, n)
}

// MaskPhone masks a phone number showing only the last 4 digits.
// Example: "+15551234567" -> "***-***-4567"
func MaskPhone(phone string) string {
	if len(phone) < 4 {
		return "***"
	}
	return "***-***-" + phone[len(phone)-4:]
}

// MaskEmail keeps the first character of the local part and the domain.
// Example: "alice@example.com" -> "a***@example.com"
func MaskEmail(address string) string {
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "***"
	}
	return address[:1] + "***" + address[at:]
}

// MaskContact masks an email address or phone number.
func MaskContact(contact string) string {
	if strings.Contains(contact, "@") {
		return MaskEmail(contact)
	}
	return MaskPhone(contact)
}

var _ Sender = (*RoutingSender)(nil)
