// Package messaging defines the delivery abstraction the sequence engine
// sends steps through, with WhatsApp and Twilio implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
)

// Constants shared by the sender implementations.
const (
	// DefaultSendTimeout bounds a single step delivery; the runner wraps
	// each send with it.
	DefaultSendTimeout = 30 * time.Second
	// MinPhoneDigits is the minimum digit count for a canonical recipient.
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Sender delivers sequence steps to a conversation's contact.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendStep delivers one message step to the conversation's contact.
	// Delay steps carry no message and are rejected.
	SendStep(ctx context.Context, conv models.Conversation, step models.Step) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// canonicalizeRecipient strips a recipient down to its digits and validates
// the result. All current channels address contacts by phone number.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}

	if canonical != recipient {
		slog.Debug("canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// stepCaption returns the text to attach to a media step, if any.
func stepCaption(step models.Step) string {
	return step.Body
}
