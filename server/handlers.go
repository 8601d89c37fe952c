// ABOUTME: HTTP handlers for messages, transcripts, panels, widgets, and interrupt decisions.
// ABOUTME: JSON in/out; decisions map onto the coordinator's normalized decision methods.

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/2389-research/parley/hil"
	"github.com/2389-research/parley/ledger"
	"github.com/2389-research/parley/widget"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// postMessageRequest is the body of POST /api/threads/{threadID}/messages.
type postMessageRequest struct {
	Text  string            `json:"text"`
	Files []ledger.File     `json:"files,omitempty"`
	Meta  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.Text == "" && len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "message needs text or files")
		return
	}

	sess := s.session(threadID)
	msg := ledger.NewUserMessage(req.Text, req.Files)
	msg.Metadata = req.Meta
	sess.Ledger.Append(msg)

	// Dispatch happens asynchronously via the ledger subscription.
	writeJSON(w, http.StatusAccepted, map[string]string{"id": msg.ID})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := s.session(chi.URLParam(r, "threadID"))
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": sess.Ledger.Messages(),
	})
}

func (s *Server) handlePanels(w http.ResponseWriter, r *http.Request) {
	sess := s.session(chi.URLParam(r, "threadID"))
	writeJSON(w, http.StatusOK, map[string]any{
		"panels": sess.Panels.Open(),
	})
}

func (s *Server) handleGetInterrupt(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.session(threadID)

	resp := map[string]any{
		"state":  s.coordinator.State(threadID),
		"status": s.coordinator.Status(threadID),
		"queued": s.coordinator.QueueLen(threadID),
	}
	if intr, ok := s.coordinator.Current(threadID); ok {
		resp["interrupt"] = intr
	}
	writeJSON(w, http.StatusOK, resp)
}

// decisionRequest is the body of POST /api/threads/{threadID}/interrupt/decision.
type decisionRequest struct {
	Action  string `json:"action"` // approve | reject | edit | input
	Payload any    `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.session(threadID)

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	var err error
	switch req.Action {
	case "approve":
		err = s.coordinator.Approve(r.Context(), threadID, req.Payload)
	case "reject":
		err = s.coordinator.Reject(r.Context(), threadID, req.Reason)
	case "edit":
		err = s.coordinator.Edit(r.Context(), threadID, req.Content)
	case "input":
		err = s.coordinator.ProvideInput(r.Context(), threadID, req.Payload)
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coordinator.State(threadID))})
	case errors.Is(err, hil.ErrNoInterrupt), errors.Is(err, hil.ErrUnknownThread):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hil.ErrInterruptExpired), errors.Is(err, hil.ErrDecisionPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		// Resume failures already surfaced in the transcript; report them.
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.session(threadID)

	if err := s.coordinator.Dismiss(threadID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.coordinator.State(threadID))})
}

// handleWidgetResult injects an asynchronous widget result in brokered mode.
func (s *Server) handleWidgetResult(w http.ResponseWriter, r *http.Request) {
	var res widget.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if res.CorrelationID == "" {
		writeError(w, http.StatusBadRequest, "correlation_id required")
		return
	}
	// Unknown correlation ids are protocol anomalies handled inside the
	// broker; the HTTP response is 202 either way.
	s.broker.Deliver(res)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleWidgetRequest submits a widget request on behalf of a panel UI and
// blocks until it resolves (success, failure, or timeout).
func (s *Server) handleWidgetRequest(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.session(threadID)

	var req widget.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req.SessionID = threadID

	res, err := s.broker.Submit(r.Context(), req, s.cfg.WidgetTimeout)
	if err != nil {
		s.log.Warn("widget submit failed", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rollbackRequest is the body of POST /api/threads/{threadID}/rollback.
type rollbackRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	s.session(threadID)

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.CheckpointID == "" {
		writeError(w, http.StatusBadRequest, "checkpoint_id required")
		return
	}
	if err := s.coordinator.Rollback(r.Context(), threadID, req.CheckpointID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled back"})
}
