package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNormalizeShortcut(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Welcome", "welcome"},
		{"  THANKS  ", "thanks"},
		{"already", "already"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeShortcut(tt.in); got != tt.want {
			t.Errorf("NormalizeShortcut(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateShortcut(t *testing.T) {
	if err := ValidateShortcut(""); err != nil {
		t.Errorf("empty shortcut should be allowed, got %v", err)
	}
	if err := ValidateShortcut("has space"); !errors.Is(err, ErrShortcutWhitespace) {
		t.Errorf("expected ErrShortcutWhitespace, got %v", err)
	}
	if err := ValidateShortcut(strings.Repeat("x", MaxShortcutLength+1)); !errors.Is(err, ErrShortcutTooLong) {
		t.Errorf("expected ErrShortcutTooLong, got %v", err)
	}
	if err := ValidateShortcut(strings.Repeat("x", MaxShortcutLength)); err != nil {
		t.Errorf("max-length shortcut should be allowed, got %v", err)
	}
}

func TestSequenceValidate(t *testing.T) {
	tests := []struct {
		name    string
		seq     Sequence
		wantErr error
	}{
		{"valid", Sequence{Name: "Welcome", Status: SequenceStatusDraft}, nil},
		{"empty name", Sequence{Status: SequenceStatusDraft}, ErrEmptySequenceName},
		{"whitespace name", Sequence{Name: "   ", Status: SequenceStatusDraft}, ErrEmptySequenceName},
		{"name too long", Sequence{Name: strings.Repeat("n", MaxSequenceNameLength+1), Status: SequenceStatusDraft}, ErrSequenceNameTooLong},
		{"bad status", Sequence{Name: "ok", Status: "archived-ish"}, ErrInvalidSequenceStatus},
		{"shortcut whitespace", Sequence{Name: "ok", Status: SequenceStatusActive, Shortcut: "two words"}, ErrShortcutWhitespace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seq.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr error
	}{
		{"valid text", Step{Type: StepTypeText, Body: "hello"}, nil},
		{"valid delay minutes", Step{Type: StepTypeDelay, DelayMinutes: 5}, nil},
		{"valid delay seconds", Step{Type: StepTypeDelay, DelaySeconds: 30}, nil},
		{"valid image", Step{Type: StepTypeImage, MediaURL: "https://cdn/img.png"}, nil},
		{"valid document with caption", Step{Type: StepTypeDocument, MediaURL: "https://cdn/f.pdf", Body: "see attached"}, nil},
		{"unknown type", Step{Type: "sticker"}, ErrInvalidStepType},
		{"text without body", Step{Type: StepTypeText}, ErrEmptyStepBody},
		{"text with delay", Step{Type: StepTypeText, Body: "hi", DelayMinutes: 1}, ErrUnexpectedDelay},
		{"text too long", Step{Type: StepTypeText, Body: strings.Repeat("b", MaxStepBodyLength+1)}, ErrStepBodyTooLong},
		{"delay without duration", Step{Type: StepTypeDelay}, ErrMissingDelay},
		{"delay with body", Step{Type: StepTypeDelay, DelayMinutes: 1, Body: "hi"}, ErrUnexpectedContent},
		{"media without URL", Step{Type: StepTypeVideo}, ErrMissingMediaURL},
		{"media with delay", Step{Type: StepTypeAudio, MediaURL: "https://cdn/a.ogg", DelaySeconds: 2}, ErrUnexpectedDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStepDelayDuration(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want time.Duration
	}{
		{"minutes", Step{Type: StepTypeDelay, DelayMinutes: 10}, 10 * time.Minute},
		{"seconds", Step{Type: StepTypeDelay, DelaySeconds: 45}, 45 * time.Second},
		{"minutes take precedence", Step{Type: StepTypeDelay, DelayMinutes: 2, DelaySeconds: 30}, 2 * time.Minute},
		{"non-delay step", Step{Type: StepTypeText, Body: "x", DelayMinutes: 5}, 0},
	}

	for _, tt := range tests {
		if got := tt.step.DelayDuration(); got != tt.want {
			t.Errorf("%s: DelayDuration() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestStepTypeIsMedia(t *testing.T) {
	media := []StepType{StepTypeImage, StepTypeVideo, StepTypeAudio, StepTypeDocument}
	for _, st := range media {
		if !st.IsMedia() {
			t.Errorf("%s should be a media type", st)
		}
	}
	for _, st := range []StepType{StepTypeText, StepTypeDelay} {
		if st.IsMedia() {
			t.Errorf("%s should not be a media type", st)
		}
	}
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionStatusScheduled, false},
		{ExecutionStatusRunning, false},
		{ExecutionStatusCompleted, true},
		{ExecutionStatusStopped, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCurrentStepRef(t *testing.T) {
	steps := []Step{
		{ID: "step_a", Type: StepTypeText, Body: "one"},
		{ID: "step_b", Type: StepTypeText, Body: "two"},
	}

	work := DuePendingExecution{Execution: Execution{CurrentStep: 1}, Steps: steps}
	if ref := work.CurrentStepRef(); ref == nil || ref.ID != "step_b" {
		t.Errorf("expected step_b, got %+v", ref)
	}

	work.Execution.CurrentStep = 2
	if ref := work.CurrentStepRef(); ref != nil {
		t.Errorf("out-of-range index should return nil, got %+v", ref)
	}

	work.Execution.CurrentStep = -1
	if ref := work.CurrentStepRef(); ref != nil {
		t.Errorf("negative index should return nil, got %+v", ref)
	}
}
