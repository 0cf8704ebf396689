package messaging

import (
	"context"
	"sync"

	"github.com/flowdesk/DripFlow/internal/models"
)

// MockSender records delivered steps for tests. A non-nil SendErr makes
// every send fail with that error.
type MockSender struct {
	mu      sync.Mutex
	sent    []SentStep
	SendErr error
}

// SentStep is one recorded delivery.
type SentStep struct {
	Conversation models.Conversation
	Step         models.Step
}

// Compile-time check that MockSender implements Sender.
var _ Sender = (*MockSender)(nil)

// NewMockSender creates a new MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

func (m *MockSender) SendStep(ctx context.Context, conv models.Conversation, step models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentStep{Conversation: conv, Step: step})
	return nil
}

func (m *MockSender) Start(ctx context.Context) error { return nil }
func (m *MockSender) Stop() error                     { return nil }

// Sent returns a copy of the recorded deliveries.
func (m *MockSender) Sent() []SentStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentStep, len(m.sent))
	copy(out, m.sent)
	return out
}
