// ABOUTME: Reactive dispatcher that routes new user messages to widgets or the chat backend.
// ABOUTME: Diffs ledger snapshots, claims messages exactly once, and recovers classifier failures.

package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/2389-research/parley/ledger"
	"github.com/2389-research/parley/widget"
)

// PanelHost opens and closes widget panels on behalf of the dispatcher. The
// core never renders panels; it only decides when to open them and what
// triggering text to prime them with. OpenPanel on an already-open panel
// re-primes it with the new text.
type PanelHost interface {
	OpenPanel(kind widget.Kind, triggerText string)
	ClosePanel(kind widget.Kind)
	IsOpen(kind widget.Kind) bool
}

// Dispatcher observes ledger changes and routes each new, unprocessed user
// message exactly once: to a widget panel, to the chat backend, or — when the
// matching panel is already open — to both (deliberate dual-delivery policy).
type Dispatcher struct {
	ledger *ledger.Ledger
	rules  []widget.Rule
	panels PanelHost
	chat   *ChatPipeline
	log    *zap.Logger
}

// New creates a Dispatcher. Empty rules fall back to widget.DefaultRules.
// A nil logger is replaced with a nop logger.
func New(l *ledger.Ledger, rules []widget.Rule, panels PanelHost, chat *ChatPipeline, log *zap.Logger) *Dispatcher {
	if len(rules) == 0 {
		rules = widget.DefaultRules()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		ledger: l,
		rules:  rules,
		panels: panels,
		chat:   chat,
		log:    log,
	}
}

// Run subscribes to the ledger and dispatches until the context is cancelled
// or the ledger closes. Events are handled sequentially, so dispatch never
// overlaps for one conversation thread.
//
// After subscribing, Run performs a catch-up pass over the current transcript
// so messages appended before the subscription took effect are not orphaned.
// A message landing in both the catch-up pass and the event stream is claimed
// exactly once through MarkProcessed.
func (d *Dispatcher) Run(ctx context.Context) {
	ch := d.ledger.Subscribe()
	defer d.ledger.Unsubscribe(ch)

	d.HandleEvent(ctx, ledger.ChangeEvent{Messages: d.ledger.Messages()})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent dispatches every new, unprocessed user message in the event.
// Safe under duplicate or re-entrant notifications: each message is claimed
// through the ledger's MarkProcessed transition before any asynchronous work,
// so at most one invocation dispatches it.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev ledger.ChangeEvent) {
	for _, msg := range newUnprocessed(ev) {
		if !d.ledger.MarkProcessed(msg.ID) {
			continue // another notification already claimed it
		}
		d.route(ctx, msg)
	}
}

// newUnprocessed returns the user messages that should be considered for
// dispatch: with no previous snapshot, all unprocessed user messages;
// otherwise, unprocessed user messages whose id was absent from the previous
// snapshot.
func newUnprocessed(ev ledger.ChangeEvent) []ledger.Message {
	var out []ledger.Message
	if len(ev.Previous) == 0 {
		for _, m := range ev.Messages {
			if m.Role == ledger.RoleUser && !m.Processed {
				out = append(out, m)
			}
		}
		return out
	}

	prev := make(map[string]bool, len(ev.Previous))
	for _, m := range ev.Previous {
		prev[m.ID] = true
	}
	for _, m := range ev.Messages {
		if m.Role == ledger.RoleUser && !m.Processed && !prev[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) route(ctx context.Context, msg ledger.Message) {
	kind := d.classify(msg)

	switch {
	case kind == widget.KindNone:
		d.chat.Send(ctx, msg)

	case d.panels.IsOpen(kind):
		// Dual delivery: an already-open widget is assumed still relevant,
		// but the user likely also wants continued conversation. Confirmed
		// product policy, not a bug.
		d.panels.OpenPanel(kind, msg.Content)
		d.chat.Send(ctx, msg)

	default:
		d.panels.OpenPanel(kind, msg.Content)
	}
}

// classify runs the trigger classifier, converting any panic into KindNone so
// a classifier failure can never block chat.
func (d *Dispatcher) classify(msg ledger.Message) (kind widget.Kind) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("classifier panicked, falling back to chat",
				zap.String("message_id", msg.ID),
				zap.String("panic", fmt.Sprint(r)))
			kind = widget.KindNone
		}
	}()
	return widget.ClassifyWith(d.rules, msg.Content, len(msg.Files) > 0)
}
