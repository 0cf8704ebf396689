package messaging

import (
	"context"
	"strings"
	"testing"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/twiliowhatsapp"
	"github.com/flowdesk/DripFlow/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain digits", "15551230000", "15551230000", false},
		{"formatted number", "+1 (555) 123-0000", "15551230000", false},
		{"dots and dashes", "555.123.0000", "5551230000", false},
		{"empty", "", "", true},
		{"no digits", "not-a-number", "", true},
		{"too short", "+12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalizeRecipient(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("canonicalizeRecipient(%q) expected error, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalizeRecipient(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("canonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestWhatsAppServiceSendStep(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	conv := models.Conversation{ID: "conv_1", ContactAddress: "+1 (555) 123-0000"}

	err := svc.SendStep(context.Background(), conv, models.Step{Type: models.StepTypeText, Body: "hello"})
	if err != nil {
		t.Fatalf("SendStep text failed: %v", err)
	}
	if len(client.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(client.SentMessages))
	}
	if client.SentMessages[0].To != "15551230000" {
		t.Errorf("expected canonical recipient, got %q", client.SentMessages[0].To)
	}

	err = svc.SendStep(context.Background(), conv, models.Step{
		Type:     models.StepTypeImage,
		MediaURL: "https://cdn/img.png",
		Body:     "caption",
	})
	if err != nil {
		t.Fatalf("SendStep image failed: %v", err)
	}
	if len(client.SentMedia) != 1 {
		t.Fatalf("expected 1 sent media, got %d", len(client.SentMedia))
	}
	sent := client.SentMedia[0]
	if sent.Media.Kind != whatsapp.MediaKindImage || sent.Media.Caption != "caption" {
		t.Errorf("unexpected media payload: %+v", sent.Media)
	}

	// Delay steps carry no message.
	err = svc.SendStep(context.Background(), conv, models.Step{Type: models.StepTypeDelay, DelayMinutes: 5})
	if err == nil {
		t.Error("expected error sending a delay step")
	}

	// Bad recipient fails before reaching the client.
	bad := models.Conversation{ID: "conv_2", ContactAddress: "nope"}
	if err := svc.SendStep(context.Background(), bad, models.Step{Type: models.StepTypeText, Body: "x"}); err == nil {
		t.Error("expected error for invalid recipient")
	}
}

func TestTwilioServiceSendStep(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	conv := models.Conversation{ID: "conv_1", ContactAddress: "555-123-0000"}

	if err := svc.SendStep(context.Background(), conv, models.Step{Type: models.StepTypeText, Body: "hi"}); err != nil {
		t.Fatalf("SendStep text failed: %v", err)
	}
	if len(client.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(client.SentMessages))
	}
	if !strings.HasPrefix(client.SentMessages[0].To, "+") {
		t.Errorf("expected E.164 recipient, got %q", client.SentMessages[0].To)
	}

	if err := svc.SendStep(context.Background(), conv, models.Step{
		Type:     models.StepTypeDocument,
		MediaURL: "https://cdn/f.pdf",
		Body:     "see attached",
	}); err != nil {
		t.Fatalf("SendStep media failed: %v", err)
	}
	if len(client.MediaMessages) != 1 {
		t.Fatalf("expected 1 media message, got %d", len(client.MediaMessages))
	}
	if client.MediaMessages[0].Caption != "see attached" {
		t.Errorf("expected caption forwarded, got %q", client.MediaMessages[0].Caption)
	}

	// Sends after Stop are rejected.
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	err := svc.SendStep(context.Background(), conv, models.Step{Type: models.StepTypeText, Body: "late"})
	if err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestRouterDispatch(t *testing.T) {
	waSender := NewMockSender()
	twilioSender := NewMockSender()

	router := NewRouter(models.ChannelWhatsApp)
	router.Register(models.ChannelWhatsApp, waSender)
	router.Register(models.ChannelTwilio, twilioSender)

	step := models.Step{ID: "step_1", Type: models.StepTypeText, Body: "hi"}

	err := router.SendStep(context.Background(), models.Conversation{Channel: models.ChannelTwilio, ContactAddress: "15551230000"}, step)
	if err != nil {
		t.Fatalf("SendStep twilio failed: %v", err)
	}
	if len(twilioSender.Sent()) != 1 || len(waSender.Sent()) != 0 {
		t.Error("step was not routed to the twilio sender")
	}

	// Empty channel falls back to the default.
	err = router.SendStep(context.Background(), models.Conversation{ContactAddress: "15551230000"}, step)
	if err != nil {
		t.Fatalf("SendStep default channel failed: %v", err)
	}
	if len(waSender.Sent()) != 1 {
		t.Error("step was not routed to the default sender")
	}

	// Unregistered channel fails the send.
	err = router.SendStep(context.Background(), models.Conversation{Channel: "carrier-pigeon"}, step)
	if err == nil {
		t.Error("expected error for unregistered channel")
	}
}
