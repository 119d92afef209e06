package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/byteness/mfa-recovery/contacts"
	"github.com/byteness/mfa-recovery/notification"
	"github.com/byteness/mfa-recovery/roles"
)

// ============================================================================
// MockSender - implements notification.Sender
// ============================================================================

// SentMessage records one delivery made through MockSender.
type SentMessage struct {
	Channel string // "email" or "sms"
	To      string
	Secret  string
}

// SentNotice records one notice delivered through MockSender.
type SentNotice struct {
	Channel string // "email" or "sms"
	To      string
	Notice  notification.Notice
}

// MockSender implements notification.Sender for testing. It records every
// secret it is asked to deliver so tests can present it back to Verify.
type MockSender struct {
	mu sync.Mutex

	// Configurable behavior functions
	SendEmailFunc func(ctx context.Context, address, token string) error
	SendSMSFunc   func(ctx context.Context, phone, code string) error

	// Error injection (used if behavior function is nil)
	Err error

	// NoticeErr fails notice deliveries.
	NoticeErr error

	Sent    []SentMessage
	Notices []SentNotice
}

// NewMockSender creates a MockSender that accepts every message.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// SendEmail records the token and returns the configured result.
func (m *MockSender) SendEmail(ctx context.Context, address, token string) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, SentMessage{Channel: "email", To: address, Secret: token})
	m.mu.Unlock()

	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, address, token)
	}
	return m.Err
}

// SendSMS records the code and returns the configured result.
func (m *MockSender) SendSMS(ctx context.Context, phone, code string) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, SentMessage{Channel: "sms", To: phone, Secret: code})
	m.mu.Unlock()

	if m.SendSMSFunc != nil {
		return m.SendSMSFunc(ctx, phone, code)
	}
	return m.Err
}

// SendEmailNotice records the notice.
func (m *MockSender) SendEmailNotice(ctx context.Context, address string, n notification.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, SentNotice{Channel: "email", To: address, Notice: n})
	return m.NoticeErr
}

// SendSMSNotice records the notice.
func (m *MockSender) SendSMSNotice(ctx context.Context, phone string, n notification.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, SentNotice{Channel: "sms", To: phone, Notice: n})
	return m.NoticeErr
}

// NoticesTo returns the notices delivered to address.
func (m *MockSender) NoticesTo(address string) []notification.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notification.Notice
	for _, n := range m.Notices {
		if n.To == address {
			out = append(out, n.Notice)
		}
	}
	return out
}

// Recipients returns every address a secret was sent to, in order.
func (m *MockSender) Recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Sent))
	for i, s := range m.Sent {
		out[i] = s.To
	}
	return out
}

// LastSecret returns the most recently delivered secret, or "" if none.
func (m *MockSender) LastSecret() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return ""
	}
	return m.Sent[len(m.Sent)-1].Secret
}

// SentCount returns the number of deliveries attempted.
func (m *MockSender) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// ============================================================================
// MockNotifier - implements notification.Notifier
// ============================================================================

// MockNotifier implements notification.Notifier for testing.
type MockNotifier struct {
	mu sync.Mutex

	NotifyFunc func(ctx context.Context, event *notification.Event) error
	Err        error

	Events []*notification.Event
}

// NewMockNotifier creates a MockNotifier that accepts every event.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Notify records the event.
func (m *MockNotifier) Notify(ctx context.Context, event *notification.Event) error {
	m.mu.Lock()
	m.Events = append(m.Events, event)
	m.mu.Unlock()

	if m.NotifyFunc != nil {
		return m.NotifyFunc(ctx, event)
	}
	return m.Err
}

// EventsOfType returns recorded events of type t.
func (m *MockNotifier) EventsOfType(t notification.EventType) []*notification.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*notification.Event
	for _, e := range m.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ============================================================================
// MockRoleLookup - implements roles.Lookup
// ============================================================================

// MockRoleLookup implements roles.Lookup for testing.
type MockRoleLookup struct {
	mu sync.Mutex

	Roles map[string][]roles.Role
	Err   error

	Calls []string
}

// NewMockRoleLookup creates a MockRoleLookup with the given assignments.
func NewMockRoleLookup(assignments map[string][]roles.Role) *MockRoleLookup {
	return &MockRoleLookup{Roles: assignments}
}

// RolesOf returns the configured roles for userID.
func (m *MockRoleLookup) RolesOf(ctx context.Context, userID string) ([]roles.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, userID)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Roles[userID], nil
}

// ============================================================================
// MockContactLookup - implements contacts.Lookup
// ============================================================================

// MockContactLookup implements contacts.Lookup for testing.
type MockContactLookup struct {
	mu sync.Mutex

	Contacts map[string]contacts.Contact
	Err      error

	Calls []string
}

// NewMockContactLookup creates a MockContactLookup with the given contacts.
func NewMockContactLookup(entries map[string]contacts.Contact) *MockContactLookup {
	return &MockContactLookup{Contacts: entries}
}

// ContactOf returns the configured address of userID on channel.
func (m *MockContactLookup) ContactOf(ctx context.Context, userID, channel string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, userID+"/"+channel)
	if m.Err != nil {
		return "", m.Err
	}
	c := m.Contacts[userID]
	addr := c.Email
	if channel == contacts.ChannelSMS {
		addr = c.Phone
	}
	if addr == "" {
		return "", fmt.Errorf("%w: %s/%s", contacts.ErrNoContact, userID, channel)
	}
	return addr, nil
}

// Compile-time interface verification.
var (
	_ notification.Sender   = (*MockSender)(nil)
	_ notification.Notifier = (*MockNotifier)(nil)
	_ roles.Lookup          = (*MockRoleLookup)(nil)
	_ contacts.Lookup       = (*MockContactLookup)(nil)
)
