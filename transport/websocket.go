// ABOUTME: ChatTransport adapter that relays chat over a WebSocket envelope protocol.
// ABOUTME: Also carries brokered widget results and interrupt signals from the host side.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
)

// Envelope frames every message crossing the WebSocket boundary.
type Envelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Text          string          `json:"text,omitempty"`
	Status        string          `json:"status,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Files         []ledger.File   `json:"files,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Envelope types spoken on the wire.
const (
	envMessage       = "message"
	envWidgetRequest = "widget_request"
	envStart         = "start"
	envChunk         = "chunk"
	envStatus        = "status"
	envComplete      = "complete"
	envError         = "error"
	envWidgetResult  = "widget_result"
	envInterrupt     = "interrupt"
)

// ErrSendInFlight is returned when a send is attempted while another reply
// stream is still open on the same connection.
var ErrSendInFlight = errors.New("websocket transport: send already in flight")

// WSTransport relays chat through a host-controlled execution context over a
// single WebSocket connection. At most one reply stream is in flight at a
// time; widget results and interrupts arrive interleaved and are forwarded to
// the registered handlers.
type WSTransport struct {
	conn      *websocket.Conn
	sessionID string
	log       *zap.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	active *Callbacks
	done   chan error

	// ResultHandler receives widget_result envelopes, keyed by correlation id.
	// Wired to the broker's Deliver in brokered mode.
	ResultHandler func(correlationID string, payload json.RawMessage, errMsg string)

	// InterruptHandler receives interrupt envelopes from the host.
	InterruptHandler func(payload json.RawMessage)
}

// DialWS connects to a WebSocket chat host and starts the read loop.
func DialWS(ctx context.Context, url, sessionID string, log *zap.Logger) (*WSTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	t := &WSTransport{
		conn:      conn,
		sessionID: sessionID,
		log:       log,
	}
	go t.readLoop()
	return t, nil
}

// SendMessage implements ChatTransport.
func (t *WSTransport) SendMessage(ctx context.Context, text string, meta Metadata, cb Callbacks) error {
	return t.sendEnvelope(ctx, Envelope{
		Type:      envMessage,
		SessionID: t.sessionID,
		Text:      text,
		Metadata:  meta,
	}, cb)
}

// SendMultimodal implements ChatTransport.
func (t *WSTransport) SendMultimodal(ctx context.Context, text string, files []ledger.File, meta Metadata, cb Callbacks) error {
	return t.sendEnvelope(ctx, Envelope{
		Type:      envMessage,
		SessionID: t.sessionID,
		Text:      text,
		Files:     files,
		Metadata:  meta,
	}, cb)
}

// SendWidgetRequest forwards a brokered widget request to the host. Results
// come back as widget_result envelopes routed through ResultHandler.
func (t *WSTransport) SendWidgetRequest(correlationID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode widget request: %w", err)
	}
	return t.write(Envelope{
		Type:          envWidgetRequest,
		SessionID:     t.sessionID,
		CorrelationID: correlationID,
		Payload:       raw,
	})
}

func (t *WSTransport) sendEnvelope(ctx context.Context, env Envelope, cb Callbacks) error {
	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		return ErrSendInFlight
	}
	done := make(chan error, 1)
	t.active = &cb
	t.done = done
	t.mu.Unlock()

	if err := t.write(env); err != nil {
		t.clearActive()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		t.clearActive()
		return ctx.Err()
	}
}

func (t *WSTransport) write(env Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *WSTransport) clearActive() {
	t.mu.Lock()
	t.active = nil
	t.done = nil
	t.mu.Unlock()
}

// finish resolves the in-flight send with err and clears it.
func (t *WSTransport) finish(err error) {
	t.mu.Lock()
	done := t.done
	t.active = nil
	t.done = nil
	t.mu.Unlock()
	if done != nil {
		done <- err
	}
}

// callbacks returns the active callbacks, or zero-value callbacks whose
// invocations are all no-ops.
func (t *WSTransport) callbacks() Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return Callbacks{}
	}
	return *t.active
}

func (t *WSTransport) readLoop() {
	for {
		var env Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			cb := t.callbacks()
			cb.fail(err)
			t.finish(err)
			t.log.Warn("websocket read loop ended", zap.Error(err))
			return
		}

		switch env.Type {
		case envStart:
			t.callbacks().start(env.ID, env.Status)
		case envChunk:
			t.callbacks().chunk(env.Text)
		case envStatus:
			t.callbacks().status(env.Status)
		case envComplete:
			t.callbacks().complete()
			t.finish(nil)
		case envError:
			err := errors.New(env.Error)
			t.callbacks().fail(err)
			t.finish(err)
		case envWidgetResult:
			if t.ResultHandler != nil {
				t.ResultHandler(env.CorrelationID, env.Payload, env.Error)
			} else {
				t.log.Warn("widget result with no handler",
					zap.String("correlation_id", env.CorrelationID))
			}
		case envInterrupt:
			if t.InterruptHandler != nil {
				t.InterruptHandler(env.Payload)
			} else {
				t.log.Warn("interrupt envelope with no handler")
			}
		default:
			t.log.Warn("unknown envelope type", zap.String("type", env.Type))
		}
	}
}

// Close closes the underlying connection, which also stops the read loop.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}
