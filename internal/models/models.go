// Package models defines the core data structures for DripFlow.
//
// It includes types for message sequences, their steps, and sequence
// executions, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// SequenceStatus represents the lifecycle status of a message sequence.
type SequenceStatus string

const (
	// SequenceStatusDraft indicates the sequence is being edited and cannot be started.
	SequenceStatusDraft SequenceStatus = "draft"
	// SequenceStatusActive indicates the sequence may be started against conversations.
	SequenceStatusActive SequenceStatus = "active"
	// SequenceStatusPaused indicates the sequence is temporarily disabled.
	SequenceStatusPaused SequenceStatus = "paused"
	// SequenceStatusArchived indicates the sequence is retired.
	SequenceStatusArchived SequenceStatus = "archived"
)

// IsValidSequenceStatus checks if the given sequence status is supported.
func IsValidSequenceStatus(s SequenceStatus) bool {
	switch s {
	case SequenceStatusDraft, SequenceStatusActive, SequenceStatusPaused, SequenceStatusArchived:
		return true
	default:
		return false
	}
}

// StepType defines what a sequence step does when it is performed.
type StepType string

const (
	// StepTypeText sends a plain text message.
	StepTypeText StepType = "text"
	// StepTypeImage sends an image message.
	StepTypeImage StepType = "image"
	// StepTypeVideo sends a video message.
	StepTypeVideo StepType = "video"
	// StepTypeAudio sends an audio message.
	StepTypeAudio StepType = "audio"
	// StepTypeDocument sends a document message.
	StepTypeDocument StepType = "document"
	// StepTypeDelay performs no send; it shifts the next due time forward.
	StepTypeDelay StepType = "delay"
)

// IsValidStepType checks if the given step type is supported.
func IsValidStepType(st StepType) bool {
	switch st {
	case StepTypeText, StepTypeImage, StepTypeVideo, StepTypeAudio, StepTypeDocument, StepTypeDelay:
		return true
	default:
		return false
	}
}

// IsMedia reports whether the step type carries a media payload.
func (st StepType) IsMedia() bool {
	switch st {
	case StepTypeImage, StepTypeVideo, StepTypeAudio, StepTypeDocument:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxSequenceNameLength defines the maximum allowed length for sequence names
	MaxSequenceNameLength = 255
	// MaxShortcutLength defines the maximum allowed length for sequence shortcuts
	MaxShortcutLength = 64
	// MaxStepBodyLength defines the maximum allowed length for step body content
	MaxStepBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySequenceName     = errors.New("sequence name cannot be empty")
	ErrSequenceNameTooLong   = errors.New("sequence name exceeds maximum length")
	ErrInvalidSequenceStatus = errors.New("invalid sequence status")
	ErrShortcutTooLong       = errors.New("shortcut exceeds maximum length")
	ErrShortcutWhitespace    = errors.New("shortcut cannot contain whitespace")
	ErrInvalidStepType       = errors.New("invalid step type")
	ErrEmptyStepBody         = errors.New("body is required for text steps")
	ErrStepBodyTooLong       = errors.New("step body exceeds maximum length")
	ErrMissingMediaURL       = errors.New("media URL is required for media steps")
	ErrMissingDelay          = errors.New("a positive delay duration is required for delay steps")
	ErrUnexpectedDelay       = errors.New("delay duration is only valid on delay steps")
	ErrUnexpectedContent     = errors.New("message content is not valid on delay steps")
)

// NormalizeShortcut canonicalizes a shortcut for storage and comparison.
// Shortcuts are matched case-insensitively, so they are stored lowercase.
func NormalizeShortcut(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateShortcut checks a normalized shortcut. Empty is allowed (no shortcut).
func ValidateShortcut(s string) error {
	if len(s) > MaxShortcutLength {
		return ErrShortcutTooLong
	}
	if strings.ContainsAny(s, " \t\n") {
		return ErrShortcutWhitespace
	}
	return nil
}

// Sequence is a named, ordered list of steps belonging to one organization.
type Sequence struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	Name          string         `json:"name"`
	Shortcut      string         `json:"shortcut,omitempty"`
	Description   string         `json:"description,omitempty"`
	Status        SequenceStatus `json:"status"`
	TriggerType   string         `json:"trigger_type,omitempty"`
	TriggerConfig string         `json:"trigger_config,omitempty"` // opaque JSON, not interpreted by the engine
	UsageCount    int            `json:"usage_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Validate performs validation on a Sequence structure.
func (s *Sequence) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptySequenceName
	}
	if len(s.Name) > MaxSequenceNameLength {
		return ErrSequenceNameTooLong
	}
	if !IsValidSequenceStatus(s.Status) {
		return ErrInvalidSequenceStatus
	}
	return ValidateShortcut(s.Shortcut)
}

// Step is one unit of a sequence: a message to send or a pure time delay.
// Content fields are interpreted according to Type; mismatched content is
// rejected at the write boundary.
type Step struct {
	ID         string   `json:"id"`
	SequenceID string   `json:"sequence_id"`
	Order      int      `json:"order"` // zero-based, dense within a sequence
	Type       StepType `json:"type"`

	Body         string `json:"body,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the step's content matches its declared type.
func (st *Step) Validate() error {
	if !IsValidStepType(st.Type) {
		return ErrInvalidStepType
	}
	switch st.Type {
	case StepTypeDelay:
		if st.DelayMinutes <= 0 && st.DelaySeconds <= 0 {
			return ErrMissingDelay
		}
		if st.Body != "" || st.MediaURL != "" {
			return ErrUnexpectedContent
		}
		return nil
	case StepTypeText:
		if st.DelayMinutes != 0 || st.DelaySeconds != 0 {
			return ErrUnexpectedDelay
		}
		if st.Body == "" {
			return ErrEmptyStepBody
		}
		if len(st.Body) > MaxStepBodyLength {
			return ErrStepBodyTooLong
		}
		return nil
	default: // image, video, audio, document
		if st.DelayMinutes != 0 || st.DelaySeconds != 0 {
			return ErrUnexpectedDelay
		}
		if st.MediaURL == "" {
			return ErrMissingMediaURL
		}
		if len(st.Body) > MaxStepBodyLength {
			return ErrStepBodyTooLong
		}
		return nil
	}
}

// DelayDuration returns the wait a delay step introduces. Minutes take
// precedence; seconds are the alternative unit. Zero for non-delay steps.
func (st *Step) DelayDuration() time.Duration {
	if st.Type != StepTypeDelay {
		return 0
	}
	if st.DelayMinutes > 0 {
		return time.Duration(st.DelayMinutes) * time.Minute
	}
	return time.Duration(st.DelaySeconds) * time.Second
}

// ExecutionStatus represents the lifecycle state of a sequence execution.
type ExecutionStatus string

const (
	// ExecutionStatusScheduled indicates the execution waits for its start time.
	ExecutionStatusScheduled ExecutionStatus = "scheduled"
	// ExecutionStatusRunning indicates the execution is stepping through the sequence.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates all steps were performed.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusStopped indicates the execution was cancelled or superseded.
	ExecutionStatusStopped ExecutionStatus = "stopped"
)

// IsTerminal reports whether the status is final. Terminal executions are
// never reused; a retrigger always creates a fresh record.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusStopped
}

// Execution is one run of a sequence against one conversation.
// CurrentStep is the index of the step the execution is due to perform,
// with 0 meaning "about to run the first step".
type Execution struct {
	ID             string          `json:"id"`
	SequenceID     string          `json:"sequence_id"`
	ConversationID string          `json:"conversation_id"`
	CurrentStep    int             `json:"current_step"`
	Status         ExecutionStatus `json:"status"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	NextStepAt     *time.Time      `json:"next_step_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	LockedAt       *time.Time      `json:"-"` // worker claim lease, not exposed
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ChannelType identifies the transport a conversation runs over.
type ChannelType string

const (
	// ChannelWhatsApp delivers over a linked WhatsApp device.
	ChannelWhatsApp ChannelType = "whatsapp"
	// ChannelTwilio delivers over the Twilio WhatsApp REST API.
	ChannelTwilio ChannelType = "twilio"
)

// Conversation carries the channel and contact context a sender needs to
// deliver a step.
type Conversation struct {
	ID             string      `json:"id"`
	OrgID          string      `json:"org_id"`
	Channel        ChannelType `json:"channel"`
	ContactAddress string      `json:"contact_address"`
	ContactName    string      `json:"contact_name,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// DueScheduledExecution is a claimed scheduled execution whose start time has
// arrived, joined with the context needed to begin running it.
type DueScheduledExecution struct {
	Execution    Execution
	FirstStep    *Step // nil for an empty sequence
	Conversation Conversation
}

// DuePendingExecution is a claimed running execution whose next step is due,
// joined with the full ordered step list and conversation context.
type DuePendingExecution struct {
	Execution    Execution
	Steps        []Step
	Conversation Conversation
}

// CurrentStepRef returns the step the execution is due to perform, or nil if
// the index is out of range (the advancer will finalize completion).
func (d *DuePendingExecution) CurrentStepRef() *Step {
	if d.Execution.CurrentStep < 0 || d.Execution.CurrentStep >= len(d.Steps) {
		return nil
	}
	return &d.Steps[d.Execution.CurrentStep]
}
