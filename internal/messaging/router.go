package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowdesk/DripFlow/internal/models"
)

// Router dispatches step delivery to the sender matching the conversation's
// channel. Channels without a configured sender fail the send.
type Router struct {
	senders map[models.ChannelType]Sender
	// defaultChannel resolves conversations whose channel field is empty.
	defaultChannel models.ChannelType
}

// Compile-time check that Router implements Sender.
var _ Sender = (*Router)(nil)

// NewRouter creates a router over the given channel senders.
func NewRouter(defaultChannel models.ChannelType) *Router {
	return &Router{
		senders:        make(map[models.ChannelType]Sender),
		defaultChannel: defaultChannel,
	}
}

// Register attaches a sender to a channel.
func (r *Router) Register(channel models.ChannelType, sender Sender) {
	r.senders[channel] = sender
	slog.Debug("Router registered sender", "channel", channel)
}

// senderFor resolves the sender for a conversation.
func (r *Router) senderFor(channel models.ChannelType) (Sender, error) {
	if channel == "" {
		channel = r.defaultChannel
	}
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender configured for channel %q", channel)
	}
	return s, nil
}

// ValidateAndCanonicalizeRecipient canonicalizes through the default channel's
// sender, falling back to the shared phone number rules.
func (r *Router) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if s, err := r.senderFor(r.defaultChannel); err == nil {
		return s.ValidateAndCanonicalizeRecipient(recipient)
	}
	return canonicalizeRecipient(recipient)
}

// SendStep routes the step to the conversation's channel sender.
func (r *Router) SendStep(ctx context.Context, conv models.Conversation, step models.Step) error {
	s, err := r.senderFor(conv.Channel)
	if err != nil {
		slog.Error("Router SendStep failed", "error", err, "conversationID", conv.ID)
		return err
	}
	return s.SendStep(ctx, conv, step)
}

// Start starts every registered sender.
func (r *Router) Start(ctx context.Context) error {
	for channel, s := range r.senders {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s sender: %w", channel, err)
		}
	}
	return nil
}

// Stop stops every registered sender, reporting the first error.
func (r *Router) Stop() error {
	var firstErr error
	for channel, s := range r.senders {
		if err := s.Stop(); err != nil {
			slog.Error("Router failed to stop sender", "error", err, "channel", channel)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
