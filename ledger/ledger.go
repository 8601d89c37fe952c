// ABOUTME: Ordered, append-only message ledger with in-place streaming accumulation.
// ABOUTME: Publishes snapshot-pair change events so subscribers can diff for new entries.

package ledger

import (
	"sync"

	"go.uber.org/zap"
)

// ChangeEvent carries the full ordered transcript after a mutation, plus the
// snapshot that preceded it. Consumers diff the two to find what changed;
// both slices are deep copies and safe to retain.
type ChangeEvent struct {
	Messages []Message
	Previous []Message
}

// Ledger is the ordered transcript for one conversation thread. At most one
// message is streaming at any instant; streamed chunks are concatenated in
// arrival order. All methods are safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	messages    []Message
	index       map[string]int // message id -> position in messages
	streamingID string         // id of the active streaming message, "" if none

	subscribers []chan ChangeEvent
	closed      bool

	log *zap.Logger
}

// New creates an empty Ledger. A nil logger is replaced with a nop logger.
func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		index: make(map[string]int),
		log:   log,
	}
}

// Subscribe registers a new subscriber channel and returns it.
// The channel has a buffer of 64 to reduce the likelihood of blocking.
func (l *Ledger) Subscribe() <-chan ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan ChangeEvent, 64)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (l *Ledger) Unsubscribe(ch <-chan ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, sub := range l.subscribers {
		if (<-chan ChangeEvent)(sub) == ch {
			close(sub)
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			return
		}
	}
}

// Close closes the ledger's subscriber channels. Mutations after Close still
// update state but emit no events.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for _, ch := range l.subscribers {
		close(ch)
	}
	l.subscribers = nil
}

// snapshotLocked returns a deep copy of the current message sequence.
func (l *Ledger) snapshotLocked() []Message {
	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.clone()
	}
	return out
}

// notifyLocked emits a ChangeEvent to all subscribers. Non-blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (l *Ledger) notifyLocked(prev []Message) {
	if l.closed {
		return
	}
	ev := ChangeEvent{Messages: l.snapshotLocked(), Previous: prev}
	for _, ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop event for slow subscribers rather than blocking
		}
	}
}

// Append inserts the message if its id is unseen, or replaces the existing
// entry with the same id in place. An upsert that replaces the active
// streaming message with a finalized one also ends the stream, so later
// streaming calls cannot mutate a message already reported as final.
// Subscribers are notified either way.
func (l *Ledger) Append(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.snapshotLocked()
	if pos, ok := l.index[m.ID]; ok {
		l.messages[pos] = m.clone()
		if m.ID == l.streamingID && !m.IsStreaming {
			l.streamingID = ""
		}
	} else {
		l.index[m.ID] = len(l.messages)
		l.messages = append(l.messages, m.clone())
	}
	l.notifyLocked(prev)
}

// BeginStreaming appends a new empty assistant message with the given id and
// marks it as the active stream. Returns false without mutating anything if
// another message is already streaming; the duplicate start is logged as a
// protocol anomaly.
func (l *Ledger) BeginStreaming(id, initialStatus string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID != "" {
		l.log.Warn("duplicate stream start ignored",
			zap.String("active", l.streamingID),
			zap.String("requested", id))
		return false
	}

	prev := l.snapshotLocked()
	m := NewAssistantMessage("")
	if id != "" {
		m.ID = id
	}
	m.IsStreaming = true
	m.StreamingStatus = initialStatus
	l.index[m.ID] = len(l.messages)
	l.messages = append(l.messages, m)
	l.streamingID = m.ID
	l.notifyLocked(prev)
	return true
}

// AppendToStreaming concatenates chunk onto the active streaming message's
// content. Chunks are applied strictly in call order. No-op if nothing is
// streaming.
func (l *Ledger) AppendToStreaming(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID == "" {
		return
	}
	prev := l.snapshotLocked()
	pos := l.index[l.streamingID]
	l.messages[pos].Content += chunk
	l.notifyLocked(prev)
}

// UpdateStreamingStatus sets the status label on the active streaming message
// without touching its content. No-op if nothing is streaming.
func (l *Ledger) UpdateStreamingStatus(status string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID == "" {
		return
	}
	prev := l.snapshotLocked()
	pos := l.index[l.streamingID]
	l.messages[pos].StreamingStatus = status
	l.notifyLocked(prev)
}

// FinishStreaming finalizes the active streaming message, clearing its
// streaming flag and status. The message keeps whatever content it has
// accumulated. No-op if nothing is streaming.
func (l *Ledger) FinishStreaming() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streamingID == "" {
		return
	}
	prev := l.snapshotLocked()
	pos := l.index[l.streamingID]
	l.messages[pos].IsStreaming = false
	l.messages[pos].StreamingStatus = ""
	l.streamingID = ""
	l.notifyLocked(prev)
}

// MarkProcessed transitions the message's Processed flag from false to true.
// Returns true only for the call that performed the transition, making it the
// atomic claim point for dispatch. The transition never reverts.
func (l *Ledger) MarkProcessed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok || l.messages[pos].Processed {
		return false
	}
	prev := l.snapshotLocked()
	l.messages[pos].Processed = true
	l.notifyLocked(prev)
	return true
}

// Messages returns a deep copy of the current transcript.
func (l *Ledger) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Get returns a copy of the message with the given id.
func (l *Ledger) Get(id string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[pos].clone(), true
}

// StreamingID returns the id of the active streaming message, or "" if none.
func (l *Ledger) StreamingID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamingID
}

// Len returns the number of messages in the transcript.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
