// ABOUTME: Correlates widget requests with their eventual results across an async boundary.
// ABOUTME: Single-resolution waiters with cancelable single-shot timers; direct and brokered modes.

package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode selects how the broker delivers requests to their fulfiller.
type Mode string

const (
	// ModeDirect calls the Fulfiller synchronously; no correlation is needed.
	ModeDirect Mode = "direct"
	// ModeBrokered publishes requests on the outbound channel and matches
	// asynchronous results by correlation id.
	ModeBrokered Mode = "brokered"
)

var (
	// ErrClosed is returned by Submit after the broker has been closed.
	ErrClosed = errors.New("widget broker closed")
	// ErrNoFulfiller is returned by Submit in direct mode when no fulfiller
	// was configured.
	ErrNoFulfiller = errors.New("no widget fulfiller configured")
)

// Failure reasons carried in Result.Err for broker-originated resolutions.
const (
	reasonTimeout     = "timeout waiting for widget result"
	reasonModeChanged = "broker mode changed"
	reasonClosed      = "broker closed"
)

// Fulfiller executes a widget request. In direct mode the broker calls it
// inline; in brokered mode fulfillment arrives as Deliver calls instead.
type Fulfiller interface {
	ProcessRequest(ctx context.Context, req Request) (Result, error)
}

// waiter is one pending request awaiting its result. The result channel is
// buffered so the resolving goroutine never blocks.
type waiter struct {
	ch    chan Result
	timer *time.Timer
}

// Broker correlates UI-issued widget requests with their eventual results.
// Each correlation id has at most one pending waiter and resolves exactly
// once; duplicate or unknown results are logged anomalies, never errors.
// Delivery mode is explicit state set at construction or via SetMode, never
// ambient global state.
type Broker struct {
	mu        sync.Mutex
	mode      Mode
	fulfiller Fulfiller
	waiters   map[string]*waiter
	outbound  chan Request
	closed    bool

	log *zap.Logger
}

// NewBroker creates a Broker in the given mode. The fulfiller may be nil when
// starting in brokered mode. A nil logger is replaced with a nop logger.
func NewBroker(mode Mode, fulfiller Fulfiller, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		mode:      mode,
		fulfiller: fulfiller,
		waiters:   make(map[string]*waiter),
		outbound:  make(chan Request, 64),
		log:       log,
	}
}

// Mode returns the broker's current delivery mode.
func (b *Broker) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Outbound returns the channel on which brokered-mode requests are published.
// The fulfilling side consumes it and answers via Deliver.
func (b *Broker) Outbound() <-chan Request {
	return b.outbound
}

// Submit sends the request to its fulfiller and blocks until exactly one
// resolution arrives: a result, a timeout failure, or a context error. In
// direct mode the fulfiller is invoked synchronously under a context deadline.
func (b *Broker) Submit(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Result{}, ErrClosed
	}
	mode := b.mode
	fulfiller := b.fulfiller

	if mode == ModeDirect {
		b.mu.Unlock()
		return b.submitDirect(ctx, fulfiller, req, timeout)
	}

	// Brokered: register the waiter before publishing so a fast result can
	// never race past an unregistered correlation id.
	id := uuid.New().String()
	req.CorrelationID = id
	req.IssuedAt = time.Now()
	req.Deadline = req.IssuedAt.Add(timeout)

	w := &waiter{ch: make(chan Result, 1)}
	b.waiters[id] = w
	w.timer = time.AfterFunc(timeout, func() {
		if b.resolve(id, Failure(id, reasonTimeout)) {
			b.log.Debug("widget request timed out", zap.String("correlation_id", id))
		}
	})
	b.mu.Unlock()

	select {
	case b.outbound <- req:
	case <-ctx.Done():
		b.abandon(id)
		return Result{}, ctx.Err()
	}

	select {
	case res := <-w.ch:
		return res, nil
	case <-ctx.Done():
		b.abandon(id)
		return Result{}, ctx.Err()
	}
}

// submitDirect invokes the fulfiller inline with a deadline. Fulfiller errors
// come back as failed Results so callers see a uniform resolution shape.
func (b *Broker) submitDirect(ctx context.Context, fulfiller Fulfiller, req Request, timeout time.Duration) (Result, error) {
	if fulfiller == nil {
		return Result{}, ErrNoFulfiller
	}
	req.IssuedAt = time.Now()
	req.Deadline = req.IssuedAt.Add(timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := fulfiller.ProcessRequest(ctx, req)
	if err != nil {
		return Failure(req.CorrelationID, err.Error()), nil
	}
	res.Success = res.Err == ""
	return res, nil
}

// Deliver routes an asynchronous result to its pending waiter. A result for
// an unknown or already-resolved correlation id is a protocol anomaly: logged
// at Warn and otherwise ignored.
func (b *Broker) Deliver(res Result) {
	res.Success = res.Err == ""
	if !b.resolve(res.CorrelationID, res) {
		b.log.Warn("widget result for unknown or resolved correlation id",
			zap.String("correlation_id", res.CorrelationID))
	}
}

// resolve completes the waiter for id exactly once. Returns false if no
// waiter is pending for id. Stopping an already-fired timer is a safe no-op.
func (b *Broker) resolve(id string, res Result) bool {
	b.mu.Lock()
	w, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.ch <- res
	return true
}

// abandon drops the waiter for id without delivering a result, used when the
// submitting context is cancelled.
func (b *Broker) abandon(id string) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}
	b.mu.Unlock()
	if ok && w.timer != nil {
		w.timer.Stop()
	}
}

// SetMode switches the delivery mode. All waiters pending under the previous
// mode are torn down and rejected with a mode-changed failure so none leak.
func (b *Broker) SetMode(mode Mode, fulfiller Fulfiller) {
	b.mu.Lock()
	if b.mode == mode && fulfiller == nil {
		b.mu.Unlock()
		return
	}
	b.mode = mode
	if fulfiller != nil {
		b.fulfiller = fulfiller
	}
	pending := b.drainWaitersLocked()
	b.mu.Unlock()

	for id, w := range pending {
		w.ch <- Failure(id, reasonModeChanged)
	}
	if len(pending) > 0 {
		b.log.Info("broker mode changed, pending waiters rejected",
			zap.String("mode", string(mode)),
			zap.Int("rejected", len(pending)))
	}
}

// Close rejects all pending waiters and closes the outbound channel. Submit
// calls after Close return ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.drainWaitersLocked()
	close(b.outbound)
	b.mu.Unlock()

	for id, w := range pending {
		w.ch <- Failure(id, reasonClosed)
	}
}

// drainWaitersLocked removes and returns all pending waiters, stopping their
// timers. Caller must hold b.mu.
func (b *Broker) drainWaitersLocked() map[string]*waiter {
	pending := b.waiters
	b.waiters = make(map[string]*waiter)
	for _, w := range pending {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	return pending
}

// Pending returns the number of requests currently awaiting resolution.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
