// ABOUTME: No-op ExecutionControl for deployments without an execution backend.
// ABOUTME: Reports no interrupts and acknowledges every resume.

package hil

import "context"

// NopControl satisfies ExecutionControl when no execution backend is
// configured: it never detects interrupts and accepts every resume, so the
// chat path works standalone.
type NopControl struct{}

// Monitor blocks until the context ends; there is nothing to observe.
func (NopControl) Monitor(ctx context.Context, threadID string, hooks Hooks) error {
	<-ctx.Done()
	return ctx.Err()
}

// Resume acknowledges unconditionally.
func (NopControl) Resume(ctx context.Context, req ResumeRequest) (ResumeResponse, error) {
	return ResumeResponse{Success: true}, nil
}

// Rollback is a no-op.
func (NopControl) Rollback(ctx context.Context, threadID, checkpointID string) error {
	return nil
}
