// ABOUTME: Chat transport boundary consumed by the coordination core.
// ABOUTME: Defines the callback contract that drives the ledger's streaming API.

package transport

import (
	"context"

	"github.com/2389-research/parley/ledger"
)

// Metadata carries opaque key/value pairs alongside an outgoing message.
type Metadata map[string]string

// Callbacks receive the lifecycle of one streamed assistant reply. Every
// send resolves through exactly one of OnComplete or OnError; OnChunk calls
// arrive strictly in stream order. Any callback may be nil.
type Callbacks struct {
	OnStart    func(id, status string)
	OnChunk    func(text string)
	OnStatus   func(text string)
	OnComplete func()
	OnError    func(err error)
}

func (c Callbacks) start(id, status string) {
	if c.OnStart != nil {
		c.OnStart(id, status)
	}
}

func (c Callbacks) chunk(text string) {
	if c.OnChunk != nil {
		c.OnChunk(text)
	}
}

func (c Callbacks) status(text string) {
	if c.OnStatus != nil {
		c.OnStatus(text)
	}
}

func (c Callbacks) complete() {
	if c.OnComplete != nil {
		c.OnComplete()
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// ChatTransport sends user input to the chat backend and streams the reply
// through Callbacks. Implementations must not invoke callbacks concurrently.
type ChatTransport interface {
	// SendMessage sends a text-only message.
	SendMessage(ctx context.Context, text string, meta Metadata, cb Callbacks) error

	// SendMultimodal sends a message with attached files.
	SendMultimodal(ctx context.Context, text string, files []ledger.File, meta Metadata, cb Callbacks) error
}
