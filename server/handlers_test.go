// ABOUTME: End-to-end HTTP tests over httptest with fake chat and execution backends.
// ABOUTME: Exercises message flow, panels, widget brokering, auth, and interrupt decisions.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/2389-research/parley/hil"
	"github.com/2389-research/parley/ledger"
	"github.com/2389-research/parley/transport"
	"github.com/2389-research/parley/widget"
)

// scriptedTransport streams a canned reply through the callbacks for every
// send, mirroring how a real backend drives the ledger.
type scriptedTransport struct {
	reply string
}

func (s *scriptedTransport) SendMessage(ctx context.Context, text string, meta transport.Metadata, cb transport.Callbacks) error {
	if cb.OnStart != nil {
		cb.OnStart("", "thinking")
	}
	for _, word := range strings.SplitAfter(s.reply, " ") {
		if cb.OnChunk != nil {
			cb.OnChunk(word)
		}
	}
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return nil
}

func (s *scriptedTransport) SendMultimodal(ctx context.Context, text string, files []ledger.File, meta transport.Metadata, cb transport.Callbacks) error {
	return s.SendMessage(ctx, text, meta, cb)
}

type echoFulfiller struct{}

func (echoFulfiller) ProcessRequest(ctx context.Context, req widget.Request) (widget.Result, error) {
	payload, _ := json.Marshal(map[string]string{"kind": string(req.Kind)})
	return widget.Result{CorrelationID: req.CorrelationID, Success: true, Payload: payload}, nil
}

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{Bind: "127.0.0.1:0", WidgetMode: widget.ModeDirect, WidgetTimeout: 2 * time.Second}
	}
	log := zap.NewNop()
	broker := widget.NewBroker(cfg.WidgetMode, echoFulfiller{}, log)
	coordinator := hil.NewCoordinator(hil.NopControl{}, log)
	srv := NewServer(cfg, &scriptedTransport{reply: "Hello from the model"}, broker, coordinator, nil, nil, log)
	t.Cleanup(func() {
		srv.closeSessions()
		broker.Close()
		coordinator.Close()
	})
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddlewareProtectsAPI(t *testing.T) {
	cfg := &Config{Bind: "127.0.0.1:0", AuthToken: "s3cret", WidgetMode: widget.ModeDirect, WidgetTimeout: time.Second}
	srv := newTestServer(t, cfg)

	// Health stays open.
	if rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	// API without token is rejected.
	if rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	// API with the bearer token passes.
	req := httptest.NewRequest(http.MethodGet, "/api/threads/t1/transcript", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestPostMessageStreamsReply(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/messages", map[string]any{"text": "hello there"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var posted map[string]string
	decodeBody(t, rec, &posted)
	if posted["id"] == "" {
		t.Fatal("response missing message id")
	}

	// The dispatcher runs asynchronously; poll the transcript for the reply.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil)
		var body struct {
			Messages []ledger.Message `json:"messages"`
		}
		decodeBody(t, rec, &body)
		if len(body.Messages) == 2 && !body.Messages[1].IsStreaming {
			reply := body.Messages[1]
			if reply.Role != ledger.RoleAssistant {
				t.Fatalf("second message role = %q", reply.Role)
			}
			if reply.Content != "Hello from the model" {
				t.Fatalf("reply content = %q", reply.Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no assistant reply after deadline; transcript has %d messages", len(body.Messages))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPostMessageRejectsEmpty(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/messages", map[string]any{"text": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTriggerOpensPanel(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/messages",
		map[string]any{"text": "draw me an image of a lighthouse"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/panels", nil)
		var body struct {
			Panels []PanelState `json:"panels"`
		}
		decodeBody(t, rec, &body)
		if len(body.Panels) == 1 {
			if body.Panels[0].Kind != widget.KindImage {
				t.Fatalf("panel kind = %q, want image", body.Panels[0].Kind)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("image panel never opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWidgetRequestDirect(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/widget/requests", widget.Request{
		Kind:   widget.KindSearch,
		Search: &widget.SearchParams{Query: "tide tables"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res widget.Result
	decodeBody(t, rec, &res)
	if !res.Success {
		t.Fatalf("result not successful: %s", res.Err)
	}
	if !bytes.Contains(res.Payload, []byte("search")) {
		t.Errorf("payload = %s", res.Payload)
	}
}

func TestWidgetRequestRejectsInvalid(t *testing.T) {
	srv := newTestServer(t, nil)

	// Kind without its params struct fails validation before submission.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/widget/requests",
		widget.Request{Kind: widget.KindImage})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWidgetResultEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	// Missing correlation id is a client error.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/widget/results", widget.Result{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// Unknown correlation ids are accepted and logged as anomalies.
	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/widget/results",
		widget.Result{CorrelationID: "nope", Success: true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestInterruptLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	// Touch the session so the coordinator has the thread attached.
	doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil)

	srv.coordinator.OnInterrupt(hil.Interrupt{
		ID:       "int-1",
		Type:     hil.InterruptAuthorization,
		ThreadID: "t1",
		Message:  "allow shell access?",
	})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/interrupt", nil)
	var status struct {
		State     string         `json:"state"`
		Interrupt *hil.Interrupt `json:"interrupt"`
	}
	decodeBody(t, rec, &status)
	if status.State != string(hil.StateAwaitingDecision) {
		t.Fatalf("state = %q, want awaiting_decision", status.State)
	}
	if status.Interrupt == nil || status.Interrupt.ID != "int-1" {
		t.Fatalf("interrupt = %+v", status.Interrupt)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/interrupt/decision",
		map[string]any{"action": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status = %d, body %s", rec.Code, rec.Body.String())
	}
	var decided map[string]string
	decodeBody(t, rec, &decided)
	if decided["state"] != string(hil.StateIdle) {
		t.Errorf("post-approve state = %q, want idle", decided["state"])
	}
}

func TestDecisionWithoutInterrupt(t *testing.T) {
	srv := newTestServer(t, nil)
	doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/interrupt/decision",
		map[string]any{"action": "approve"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/interrupt/decision",
		map[string]any{"action": "shrug"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d, want 400", rec.Code)
	}
}

func TestDismissWithoutInterrupt(t *testing.T) {
	srv := newTestServer(t, nil)
	doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/interrupt/dismiss", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRollbackEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	doJSON(t, srv.Handler(), http.MethodGet, "/api/threads/t1/transcript", nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/rollback",
		map[string]any{"checkpoint_id": "cp-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/threads/t1/rollback", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing checkpoint status = %d, want 400", rec.Code)
	}
}
