package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/twiliowhatsapp"
)

// TwilioService implements Sender using the Twilio WhatsApp API.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService wrapping the given client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number for the Twilio API.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	// Twilio expects E.164.
	return "+" + canonical, nil
}

// Start is a no-op for Twilio (no live connection).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped; further sends are rejected.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendStep delivers one message step via the Twilio API.
func (s *TwilioService) SendStep(ctx context.Context, conv models.Conversation, step models.Step) error {
	if s.isStopped() {
		return ErrServiceStopped
	}

	to, err := s.ValidateAndCanonicalizeRecipient(conv.ContactAddress)
	if err != nil {
		slog.Error("TwilioService SendStep validation error", "error", err, "conversationID", conv.ID)
		return err
	}

	switch {
	case step.Type == models.StepTypeText:
		err = s.client.SendMessage(ctx, to, step.Body)
	case step.Type.IsMedia():
		err = s.client.SendMediaMessage(ctx, to, step.MediaURL, stepCaption(step))
	default:
		return fmt.Errorf("step type %q carries no message", step.Type)
	}
	if err != nil {
		slog.Error("TwilioService SendStep error", "error", err, "to", to, "stepID", step.ID)
		return err
	}

	slog.Debug("TwilioService step delivered", "to", to, "stepID", step.ID, "type", step.Type)
	return nil
}
