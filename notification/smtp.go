package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
)

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// TLS enables mandatory TLS; port 465 uses implicit TLS, others STARTTLS.
	TLS bool

	// Subject overrides the default subject line.
	Subject string
}

// Validate checks the required fields.
func (c SMTPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("SMTP host is required")
	}
	if c.From == "" {
		return errors.New("SMTP from address is required")
	}
	return nil
}

// DefaultSMTPPort is the submission port used when none is configured.
const DefaultSMTPPort = 587

// DefaultEmailSubject is the subject of recovery token emails.
const DefaultEmailSubject = "Your account recovery link"

// mailDialer sends messages over an SMTP connection.
type mailDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPSender delivers recovery tokens by email using go-mail.
type SMTPSender struct {
	cfg  SMTPConfig
	dial func() (mailDialer, error)
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultSMTPPort
	}
	s := &SMTPSender{cfg: cfg}
	s.dial = s.newClient
	return s, nil
}

// newSMTPSenderWithDialer creates an SMTPSender with a custom dialer (for testing).
func newSMTPSenderWithDialer(cfg SMTPConfig, d mailDialer) *SMTPSender {
	return &SMTPSender{
		cfg:  cfg,
		dial: func() (mailDialer, error) { return d, nil },
	}
}

// SendEmail sends the token to address.
func (s *SMTPSender) SendEmail(ctx context.Context, address, token string) error {
	subject := s.cfg.Subject
	if subject == "" {
		subject = DefaultEmailSubject
	}
	return s.send(ctx, address, subject, emailBody(token))
}

// SendEmailNotice sends a notice to address.
func (s *SMTPSender) SendEmailNotice(ctx context.Context, address string, n Notice) error {
	return s.send(ctx, address, n.Subject, n.Body)
}

func (s *SMTPSender) send(ctx context.Context, address, subject, body string) error {
	msg, err := s.buildMessage(address, subject, body)
	if err != nil {
		return err
	}
	client, err := s.dial()
	if err != nil {
		return fmt.Errorf("creating mail client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email to %s: %w", MaskEmail(address), err)
	}
	return nil
}

func (s *SMTPSender) buildMessage(to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()

	if s.cfg.FromName != "" {
		if err := msg.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	} else {
		if err := msg.From(s.cfg.From); err != nil {
			return nil, fmt.Errorf("setting from address: %w", err)
		}
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("setting to address: %w", err)
	}

	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func emailBody(token string) string {
	return "Someone asked to recover access to your account.\n\n" +
		"Your recovery token is:\n\n" +
		token + "\n\n" +
		"If this was not you, ignore this message and contact your administrator.\n"
}

func (s *SMTPSender) newClient() (mailDialer, error) {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		if s.cfg.Port == 465 {
			opts = append(opts, mail.WithSSL())
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

var _ EmailSender = (*SMTPSender)(nil)
