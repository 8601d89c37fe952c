// ABOUTME: Per-thread session assembly: ledger, panels, dispatcher, persistence, monitoring.
// ABOUTME: Sessions are created lazily on first API touch and torn down on server shutdown.

package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/2389-research/parley/dispatch"
	"github.com/2389-research/parley/ledger"
)

// Session bundles the live coordination state for one conversation thread.
type Session struct {
	ThreadID string
	Ledger   *ledger.Ledger
	Panels   *PanelRegistry

	cancel context.CancelFunc
}

// session returns the live session for threadID, creating it on first touch.
// Creation reloads the persisted transcript, then starts the dispatcher,
// persistence follower, and execution monitor goroutines.
func (s *Server) session(threadID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[threadID]; ok {
		return sess
	}

	l := ledger.New(s.log.Named("ledger"))
	panels := NewPanelRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	sess := &Session{
		ThreadID: threadID,
		Ledger:   l,
		Panels:   panels,
		cancel:   cancel,
	}
	s.sessions[threadID] = sess

	// Replay the durable transcript before the dispatcher subscribes, so
	// history is never re-dispatched.
	if s.store != nil {
		if history, err := s.store.LoadThread(threadID); err != nil {
			s.log.Warn("transcript reload failed",
				zap.String("thread_id", threadID), zap.Error(err))
		} else {
			for _, m := range history {
				l.Append(m)
			}
		}
	}

	pipeline := dispatch.NewChatPipeline(l, s.transport, s.log.Named("pipeline"))
	d := dispatch.New(l, s.rules, panels, pipeline, s.log.Named("dispatch"))
	go d.Run(ctx)

	if s.store != nil {
		go s.store.Persist(ctx, threadID, l)
	}

	s.coordinator.Attach(threadID, l)
	go func() {
		if err := s.coordinator.Monitor(ctx, threadID); err != nil && ctx.Err() == nil {
			s.log.Warn("execution monitor exited",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}()

	s.log.Info("session started", zap.String("thread_id", threadID))
	return sess
}

// closeSessions cancels every session's goroutines and closes its ledger.
func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.cancel()
		sess.Ledger.Close()
	}
	s.sessions = make(map[string]*Session)
}
