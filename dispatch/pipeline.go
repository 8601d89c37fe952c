// ABOUTME: Chat pipeline that folds transport stream callbacks into ledger streaming calls.
// ABOUTME: Transport failures surface as ordinary assistant messages so the transcript stays authoritative.

package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
	"github.com/2389-research/parley/transport"
)

// ChatPipeline drives one chat backend exchange: the user message goes out
// through the transport and the streamed reply is accumulated into the ledger.
type ChatPipeline struct {
	Ledger    *ledger.Ledger
	Transport transport.ChatTransport
	Log       *zap.Logger
}

// NewChatPipeline wires a pipeline. A nil logger is replaced with a nop logger.
func NewChatPipeline(l *ledger.Ledger, t transport.ChatTransport, log *zap.Logger) *ChatPipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatPipeline{Ledger: l, Transport: t, Log: log}
}

// Send forwards the user message to the chat backend and folds the streamed
// reply into the ledger. Blocks until the stream completes or fails. Failures
// are appended as non-streaming assistant messages, never returned to the UI.
func (p *ChatPipeline) Send(ctx context.Context, msg ledger.Message) {
	surfaced := false
	surface := func(err error) {
		if surfaced {
			return
		}
		surfaced = true
		p.Ledger.FinishStreaming()
		p.Ledger.Append(ledger.NewAssistantMessage(
			"Something went wrong while replying: " + err.Error()))
		p.Log.Warn("chat transport failed", zap.String("message_id", msg.ID), zap.Error(err))
	}

	cb := transport.Callbacks{
		OnStart: func(id, status string) {
			if id == "" {
				id = ledger.NewID()
			}
			p.Ledger.BeginStreaming(id, status)
		},
		OnChunk:    p.Ledger.AppendToStreaming,
		OnStatus:   p.Ledger.UpdateStreamingStatus,
		OnComplete: p.Ledger.FinishStreaming,
		OnError:    surface,
	}

	meta := transport.Metadata{"message_id": msg.ID}
	var err error
	if len(msg.Files) > 0 {
		err = p.Transport.SendMultimodal(ctx, msg.Content, msg.Files, meta, cb)
	} else {
		err = p.Transport.SendMessage(ctx, msg.Content, meta, cb)
	}
	// Transports report stream failures through OnError before returning, but
	// a send can also fail before any callback fires.
	if err != nil {
		surface(err)
	}
}
