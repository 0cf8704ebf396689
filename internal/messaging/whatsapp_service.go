package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/whatsapp"
)

// WhatsAppService implements Sender using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number. It removes all non-numeric characters and validates the
// result has enough digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start is a no-op; the whatsapp client manages its own connection.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	return nil
}

// Stop is a no-op; the whatsapp client manages its own connection.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendStep delivers one message step over the linked WhatsApp device.
func (s *WhatsAppService) SendStep(ctx context.Context, conv models.Conversation, step models.Step) error {
	to, err := s.ValidateAndCanonicalizeRecipient(conv.ContactAddress)
	if err != nil {
		slog.Error("WhatsAppService SendStep validation error", "error", err, "conversationID", conv.ID)
		return err
	}

	switch {
	case step.Type == models.StepTypeText:
		err = s.client.SendMessage(ctx, to, step.Body)
	case step.Type.IsMedia():
		err = s.client.SendMediaMessage(ctx, to, whatsapp.Media{
			Kind:     whatsapp.MediaKind(step.Type),
			URL:      step.MediaURL,
			MimeType: step.MediaType,
			FileName: step.FileName,
			Caption:  stepCaption(step),
		})
	default:
		return fmt.Errorf("step type %q carries no message", step.Type)
	}
	if err != nil {
		slog.Error("WhatsAppService SendStep error", "error", err, "to", to, "stepID", step.ID)
		return err
	}

	slog.Debug("WhatsAppService step delivered", "to", to, "stepID", step.ID, "type", step.Type)
	return nil
}
