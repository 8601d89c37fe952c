// ABOUTME: State machine coordinating human-in-the-loop interrupts per conversation thread.
// ABOUTME: Pauses streaming, queues interrupts FIFO, normalizes decisions, and drives resume.

package hil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
)

// State is the coordinator's per-thread machine state. idle is initial; the
// machine cycles per interrupt, there is no terminal state.
type State string

const (
	StateIdle             State = "idle"
	StateInterrupted      State = "interrupted"
	StateAwaitingDecision State = "awaiting_decision"
	StateResuming         State = "resuming"
	StateError            State = "error"
)

var (
	// ErrUnknownThread is returned for operations on a thread never attached.
	ErrUnknownThread = errors.New("unknown thread")
	// ErrNoInterrupt is returned for decisions when nothing is presented.
	ErrNoInterrupt = errors.New("no interrupt awaiting decision")
	// ErrDecisionPending is returned when a decision is already resuming.
	ErrDecisionPending = errors.New("a decision is already being resumed")
	// ErrInterruptExpired is returned for decisions on an expired interrupt;
	// expiry never auto-resumes, the interrupt must be dismissed explicitly.
	ErrInterruptExpired = errors.New("interrupt expired; dismiss it to continue")
)

// Transition is emitted to observers on every state change.
type Transition struct {
	ThreadID  string
	From      State
	To        State
	Status    ExecutionStatus
	Interrupt *Interrupt // current interrupt after the transition, if any
}

// threadState is the machine for one conversation thread.
type threadState struct {
	state       State
	status      ExecutionStatus
	ledger      *ledger.Ledger
	current     *Interrupt
	queue       []*Interrupt
	expiryTimer *time.Timer
}

// Coordinator owns the HIL state machine for every attached thread. At most
// one interrupt per thread is presented at a time; later arrivals queue FIFO.
type Coordinator struct {
	mu      sync.Mutex
	threads map[string]*threadState
	control ExecutionControl
	log     *zap.Logger

	subscribers []chan Transition
	closed      bool
}

// NewCoordinator creates a Coordinator over the given execution control
// service. A nil logger is replaced with a nop logger.
func NewCoordinator(control ExecutionControl, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		threads: make(map[string]*threadState),
		control: control,
		log:     log,
	}
}

// Subscribe registers a transition observer channel.
func (c *Coordinator) Subscribe() <-chan Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Transition, 64)
	c.subscribers = append(c.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes an observer channel.
func (c *Coordinator) Unsubscribe(ch <-chan Transition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subscribers {
		if (<-chan Transition)(sub) == ch {
			close(sub)
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// Close closes all observer channels.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
}

// emitLocked publishes a transition. Non-blocking per subscriber.
func (c *Coordinator) emitLocked(t Transition) {
	if c.closed {
		return
	}
	for _, ch := range c.subscribers {
		select {
		case ch <- t:
		default:
		}
	}
}

// transitionLocked moves ts to the new state and notifies observers.
func (c *Coordinator) transitionLocked(threadID string, ts *threadState, to State) {
	from := ts.state
	ts.state = to
	c.emitLocked(Transition{
		ThreadID:  threadID,
		From:      from,
		To:        to,
		Status:    ts.status,
		Interrupt: ts.current,
	})
}

// Attach registers a thread and its ledger with the coordinator. Idempotent;
// re-attaching replaces the ledger reference only.
func (c *Coordinator) Attach(threadID string, l *ledger.Ledger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		ts.ledger = l
		return
	}
	c.threads[threadID] = &threadState{
		state:  StateIdle,
		status: StatusIdle,
		ledger: l,
	}
}

// Monitor wires the coordinator to execution-control notifications for the
// thread. Interrupt detections feed OnInterrupt; status changes update the
// thread's authoritative status.
func (c *Coordinator) Monitor(ctx context.Context, threadID string) error {
	return c.control.Monitor(ctx, threadID, Hooks{
		OnInterrupt: c.OnInterrupt,
		OnStatusChanged: func(status ExecutionStatus) {
			c.setStatus(threadID, status)
		},
		OnError: func(err error) {
			c.log.Warn("execution monitor error",
				zap.String("thread_id", threadID), zap.Error(err))
		},
	})
}

func (c *Coordinator) setStatus(threadID string, status ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		ts.status = status
	}
}

// OnInterrupt feeds a detected interrupt into the machine. If another
// interrupt is already presented for the thread, the new one queues FIFO;
// otherwise streaming halts immediately and the interrupt is presented.
func (c *Coordinator) OnInterrupt(intr Interrupt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.threads[intr.ThreadID]
	if !ok {
		c.log.Warn("interrupt for unattached thread ignored",
			zap.String("thread_id", intr.ThreadID), zap.String("interrupt_id", intr.ID))
		return
	}

	intr.Phase = PhaseDetected
	if intr.CreatedAt.IsZero() {
		intr.CreatedAt = time.Now()
	}

	if ts.current != nil {
		ts.queue = append(ts.queue, &intr)
		c.log.Info("interrupt queued behind presented interrupt",
			zap.String("thread_id", intr.ThreadID),
			zap.String("interrupt_id", intr.ID),
			zap.Int("queue_len", len(ts.queue)))
		return
	}

	ts.status = StatusInterrupted
	c.transitionLocked(intr.ThreadID, ts, StateInterrupted)
	ts.queue = append(ts.queue, &intr)
	c.presentNextLocked(intr.ThreadID, ts)
}

// presentNextLocked pops the queue head and presents it: streaming is forced
// to finish (a stuck spinner is worse than a truncated reply) and the expiry
// timer starts if the interrupt carries a deadline.
func (c *Coordinator) presentNextLocked(threadID string, ts *threadState) {
	if ts.current != nil || len(ts.queue) == 0 {
		return
	}
	intr := ts.queue[0]
	ts.queue = ts.queue[1:]
	intr.Phase = PhasePresented
	ts.current = intr

	if ts.ledger != nil {
		ts.ledger.FinishStreaming()
	}

	if intr.ExpiresAt != nil {
		d := time.Until(*intr.ExpiresAt)
		id := intr.ID
		ts.expiryTimer = time.AfterFunc(d, func() {
			c.expire(threadID, id)
		})
	}

	c.transitionLocked(threadID, ts, StateAwaitingDecision)
}

// expire marks the presented interrupt expired. The state deliberately stays
// awaiting_decision: silently resuming a sensitive operation without explicit
// consent is unsafe, so a human must dismiss it.
func (c *Coordinator) expire(threadID, interruptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.threads[threadID]
	if !ok || ts.current == nil || ts.current.ID != interruptID {
		return
	}
	ts.current.Phase = PhaseExpired
	c.log.Info("interrupt expired awaiting decision",
		zap.String("thread_id", threadID), zap.String("interrupt_id", interruptID))
	c.emitLocked(Transition{
		ThreadID:  threadID,
		From:      StateAwaitingDecision,
		To:        StateAwaitingDecision,
		Status:    ts.status,
		Interrupt: ts.current,
	})
}

// Approve resolves the presented interrupt affirmatively.
func (c *Coordinator) Approve(ctx context.Context, threadID string, data any) error {
	return c.decide(ctx, threadID, "approve", ResumePayload{Approved: true, Payload: data}, PhaseApproved)
}

// Reject resolves the presented interrupt negatively with a reason.
func (c *Coordinator) Reject(ctx context.Context, threadID, reason string) error {
	return c.decide(ctx, threadID, "reject", ResumePayload{Approved: false, Payload: reason}, PhaseRejected)
}

// Edit approves with replacement content, for review_edit interrupts.
func (c *Coordinator) Edit(ctx context.Context, threadID, content string) error {
	return c.decide(ctx, threadID, "edit", ResumePayload{Approved: true, Payload: content}, PhaseApproved)
}

// ProvideInput approves with a supplied value, for ask_human and
// input_validation interrupts.
func (c *Coordinator) ProvideInput(ctx context.Context, threadID string, value any) error {
	return c.decide(ctx, threadID, "input", ResumePayload{Approved: true, Payload: value}, PhaseApproved)
}

// decide normalizes a human decision to a resume payload and drives the
// resume round-trip. On success a fresh streaming message carries the
// continuation; on failure the error lands in the ledger and the machine
// returns to idle for a manual re-trigger.
func (c *Coordinator) decide(ctx context.Context, threadID, action string, payload ResumePayload, resolvedPhase Phase) error {
	c.mu.Lock()
	ts, ok := c.threads[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownThread
	}
	if ts.current == nil {
		c.mu.Unlock()
		return ErrNoInterrupt
	}
	if ts.state == StateResuming {
		c.mu.Unlock()
		return ErrDecisionPending
	}
	if ts.current.Phase == PhaseExpired || ts.current.Expired(time.Now()) {
		c.mu.Unlock()
		return ErrInterruptExpired
	}

	if ts.expiryTimer != nil {
		ts.expiryTimer.Stop() // safe on fired or stopped timers
		ts.expiryTimer = nil
	}
	cur := ts.current
	cur.Phase = resolvedPhase
	l := ts.ledger
	c.transitionLocked(threadID, ts, StateResuming)
	c.mu.Unlock()

	resp, err := c.control.Resume(ctx, ResumeRequest{
		ThreadID:   threadID,
		Action:     action,
		ResumeData: payload,
	})
	if err == nil && !resp.Success {
		err = fmt.Errorf("resume rejected: %s", resp.Message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The presented interrupt may have been replaced while the lock was
	// released; the resuming guard on Dismiss should make that unreachable,
	// but if it happens the machine has moved on and must not be touched.
	if ts.current != cur {
		c.log.Warn("interrupt replaced during resume round-trip",
			zap.String("thread_id", threadID),
			zap.String("interrupt_id", cur.ID))
		return err
	}

	if err != nil {
		c.log.Warn("resume failed", zap.String("thread_id", threadID), zap.Error(err))
		if l != nil {
			l.Append(ledger.NewAssistantMessage(
				"Resuming the paused operation failed: " + err.Error()))
		}
		ts.status = StatusError
		c.transitionLocked(threadID, ts, StateError)
		// No automatic retry: back to idle, interrupt retained so a human
		// can re-trigger the decision.
		cur.Phase = PhasePresented
		ts.status = StatusIdle
		c.transitionLocked(threadID, ts, StateIdle)
		return err
	}

	if l != nil {
		l.BeginStreaming(ledger.NewID(), "resuming")
	}
	ts.current = nil
	ts.status = StatusRunning
	c.transitionLocked(threadID, ts, StateIdle)

	// Present the next queued interrupt, if any.
	if len(ts.queue) > 0 {
		ts.status = StatusInterrupted
		c.transitionLocked(threadID, ts, StateInterrupted)
		c.presentNextLocked(threadID, ts)
	}
	return nil
}

// Dismiss discards the presented interrupt without resuming, used after
// expiry. The next queued interrupt, if any, is presented. Returns
// ErrDecisionPending while a decision's resume round-trip is in flight.
func (c *Coordinator) Dismiss(threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.threads[threadID]
	if !ok {
		return ErrUnknownThread
	}
	if ts.current == nil {
		return ErrNoInterrupt
	}
	if ts.state == StateResuming {
		// A decision is mid-flight; dismissing now would yank the interrupt
		// out from under the resume round-trip.
		return ErrDecisionPending
	}
	if ts.expiryTimer != nil {
		ts.expiryTimer.Stop()
		ts.expiryTimer = nil
	}
	ts.current = nil
	ts.status = StatusIdle
	c.transitionLocked(threadID, ts, StateIdle)

	if len(ts.queue) > 0 {
		ts.status = StatusInterrupted
		c.transitionLocked(threadID, ts, StateInterrupted)
		c.presentNextLocked(threadID, ts)
	}
	return nil
}

// Rollback forwards a checkpoint rollback to the execution control service.
func (c *Coordinator) Rollback(ctx context.Context, threadID, checkpointID string) error {
	return c.control.Rollback(ctx, threadID, checkpointID)
}

// Current returns a copy of the presented interrupt for the thread.
func (c *Coordinator) Current(threadID string) (Interrupt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.threads[threadID]
	if !ok || ts.current == nil {
		return Interrupt{}, false
	}
	return *ts.current, true
}

// State returns the machine state for the thread.
func (c *Coordinator) State(threadID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		return ts.state
	}
	return StateIdle
}

// Status returns the authoritative execution status for the thread.
func (c *Coordinator) Status(threadID string) ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		return ts.status
	}
	return StatusIdle
}

// QueueLen returns the number of interrupts waiting behind the presented one.
func (c *Coordinator) QueueLen(threadID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.threads[threadID]; ok {
		return len(ts.queue)
	}
	return 0
}
