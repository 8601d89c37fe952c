// ABOUTME: Human-in-the-loop interrupt model and the execution control boundary.
// ABOUTME: Defines interrupt types, lifecycle phases, execution status, and resume payloads.

package hil

import (
	"context"
	"time"
)

// InterruptType classifies why execution paused for a human.
type InterruptType string

const (
	InterruptAuthorization   InterruptType = "authorization"
	InterruptAskHuman        InterruptType = "ask_human"
	InterruptReviewEdit      InterruptType = "review_edit"
	InterruptInputValidation InterruptType = "input_validation"
)

// Phase is the lifecycle of a single interrupt.
type Phase string

const (
	PhaseDetected  Phase = "detected"
	PhasePresented Phase = "presented"
	PhaseApproved  Phase = "approved"
	PhaseRejected  Phase = "rejected"
	PhaseExpired   Phase = "expired"
)

// Interrupt is one pause point requiring an explicit human decision before
// the underlying execution continues.
type Interrupt struct {
	ID        string         `json:"id"`
	Type      InterruptType  `json:"type"`
	ThreadID  string         `json:"thread_id"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Phase     Phase          `json:"phase"`
}

// Expired reports whether the interrupt's deadline has passed at now.
func (i *Interrupt) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// ExecutionStatus is the authoritative per-thread execution state. Only the
// coordinator and the streaming pipeline drive transitions.
type ExecutionStatus string

const (
	StatusIdle               ExecutionStatus = "idle"
	StatusRunning            ExecutionStatus = "running"
	StatusInterrupted        ExecutionStatus = "interrupted"
	StatusProcessingResponse ExecutionStatus = "processing_response"
	StatusError              ExecutionStatus = "error"
)

// ResumePayload is the normalized form every human decision reduces to.
type ResumePayload struct {
	Approved bool `json:"approved"`
	Payload  any  `json:"payload,omitempty"`
}

// ResumeRequest asks the execution control service to continue a paused run.
type ResumeRequest struct {
	ThreadID   string        `json:"thread_id"`
	Action     string        `json:"action"` // "approve", "reject", "edit", "input"
	ResumeData ResumePayload `json:"resume_data"`
}

// ResumeResponse acknowledges a resume attempt.
type ResumeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Hooks receive execution-control notifications for one monitored thread.
type Hooks struct {
	OnInterrupt     func(intr Interrupt)
	OnStatusChanged func(status ExecutionStatus)
	OnError         func(err error)
}

// ExecutionControl is the consumed boundary to whatever system actually runs
// the agent: it reports interrupts and accepts resume and rollback commands.
type ExecutionControl interface {
	Monitor(ctx context.Context, threadID string, hooks Hooks) error
	Resume(ctx context.Context, req ResumeRequest) (ResumeResponse, error)
	Rollback(ctx context.Context, threadID, checkpointID string) error
}
