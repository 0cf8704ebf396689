// Package models defines API request and response payloads for DripFlow.
package models

import "time"

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// CreateSequenceRequest is the payload for creating a sequence.
type CreateSequenceRequest struct {
	Name          string         `json:"name"`
	Shortcut      string         `json:"shortcut,omitempty"`
	Description   string         `json:"description,omitempty"`
	Status        SequenceStatus `json:"status,omitempty"` // defaults to draft
	TriggerType   string         `json:"trigger_type,omitempty"`
	TriggerConfig string         `json:"trigger_config,omitempty"`
}

// UpdateSequenceRequest is the payload for a partial sequence update.
// Nil fields are left unchanged.
type UpdateSequenceRequest struct {
	Name          *string         `json:"name,omitempty"`
	Shortcut      *string         `json:"shortcut,omitempty"`
	Description   *string         `json:"description,omitempty"`
	Status        *SequenceStatus `json:"status,omitempty"`
	TriggerType   *string         `json:"trigger_type,omitempty"`
	TriggerConfig *string         `json:"trigger_config,omitempty"`
}

// StepRequest is the payload for adding or updating a sequence step.
type StepRequest struct {
	Type         StepType `json:"type"`
	Body         string   `json:"body,omitempty"`
	MediaURL     string   `json:"media_url,omitempty"`
	FileName     string   `json:"file_name,omitempty"`
	MediaType    string   `json:"media_type,omitempty"`
	DelayMinutes int      `json:"delay_minutes,omitempty"`
	DelaySeconds int      `json:"delay_seconds,omitempty"`
}

// ReorderStepsRequest is the payload for rewriting step order. StepIDs must
// contain every step of the sequence exactly once, in the desired order.
type ReorderStepsRequest struct {
	StepIDs []string `json:"step_ids"`
}

// StartExecutionRequest is the payload for starting a sequence execution.
type StartExecutionRequest struct {
	ConversationID string     `json:"conversation_id"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"` // if in the future, the start is deferred
}

// CreateConversationRequest is the payload for registering conversation context.
type CreateConversationRequest struct {
	Channel        ChannelType `json:"channel"`
	ContactAddress string      `json:"contact_address"`
	ContactName    string      `json:"contact_name,omitempty"`
}
