// ABOUTME: Tests for the message ledger's streaming accumulation and change events.
// ABOUTME: Covers upsert semantics, single-stream invariant, FIFO chunk order, and MarkProcessed claims.

package ledger

import (
	"testing"
	"time"
)

func TestAppendInsertsAndUpserts(t *testing.T) {
	l := New(nil)
	defer l.Close()

	m := NewUserMessage("hello", nil)
	l.Append(m)
	if l.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", l.Len())
	}

	// Same id replaces in place, not duplicates
	m.Content = "hello, edited"
	l.Append(m)
	if l.Len() != 1 {
		t.Fatalf("upsert should not grow the ledger, got %d", l.Len())
	}
	got, ok := l.Get(m.ID)
	if !ok {
		t.Fatal("message not found after upsert")
	}
	if got.Content != "hello, edited" {
		t.Errorf("expected upserted content, got %q", got.Content)
	}
}

func TestStreamingAccumulation(t *testing.T) {
	l := New(nil)
	defer l.Close()

	if !l.BeginStreaming("stream-1", "thinking") {
		t.Fatal("BeginStreaming should succeed on an idle ledger")
	}

	chunks := []string{"H", "i", "!", " how", " are", " you?"}
	want := ""
	for _, c := range chunks {
		l.AppendToStreaming(c)
		want += c

		got, _ := l.Get("stream-1")
		if !got.IsStreaming {
			t.Fatal("message should be streaming until FinishStreaming")
		}
	}

	l.FinishStreaming()
	got, _ := l.Get("stream-1")
	if got.Content != want {
		t.Errorf("expected content %q, got %q", want, got.Content)
	}
	if got.IsStreaming {
		t.Error("IsStreaming should be false after FinishStreaming")
	}
	if got.StreamingStatus != "" {
		t.Errorf("StreamingStatus should be cleared, got %q", got.StreamingStatus)
	}
}

func TestBeginStreamingRefusesSecondStream(t *testing.T) {
	l := New(nil)
	defer l.Close()

	if !l.BeginStreaming("first", "") {
		t.Fatal("first BeginStreaming should succeed")
	}
	if l.BeginStreaming("second", "") {
		t.Error("second BeginStreaming should be refused while a stream is active")
	}
	if l.Len() != 1 {
		t.Errorf("refused stream must not grow the ledger, got %d messages", l.Len())
	}
	if l.StreamingID() != "first" {
		t.Errorf("active stream should still be %q, got %q", "first", l.StreamingID())
	}

	l.FinishStreaming()
	if !l.BeginStreaming("second", "") {
		t.Error("BeginStreaming should succeed after the first stream finishes")
	}
}

func TestStreamingOpsAreNoOpsWithoutStream(t *testing.T) {
	l := New(nil)
	defer l.Close()

	l.AppendToStreaming("lost?")
	l.UpdateStreamingStatus("searching")
	l.FinishStreaming()

	if l.Len() != 0 {
		t.Errorf("no-op streaming calls must not create messages, got %d", l.Len())
	}
}

func TestUpdateStreamingStatusLeavesContent(t *testing.T) {
	l := New(nil)
	defer l.Close()

	l.BeginStreaming("s", "starting")
	l.AppendToStreaming("partial")
	l.UpdateStreamingStatus("calling tool")

	got, _ := l.Get("s")
	if got.Content != "partial" {
		t.Errorf("status update must not touch content, got %q", got.Content)
	}
	if got.StreamingStatus != "calling tool" {
		t.Errorf("expected status %q, got %q", "calling tool", got.StreamingStatus)
	}
}

func TestUpsertFinalizingStreamingMessageEndsStream(t *testing.T) {
	l := New(nil)
	defer l.Close()

	l.BeginStreaming("s", "thinking")
	l.AppendToStreaming("partial")

	// Upsert the streaming entry with a finalized copy, as a widget artifact
	// replacing a placeholder would.
	final, _ := l.Get("s")
	final.IsStreaming = false
	final.StreamingStatus = ""
	final.Content = "final answer"
	l.Append(final)

	if l.StreamingID() != "" {
		t.Errorf("finalizing upsert must end the stream, still tracking %q", l.StreamingID())
	}
	l.AppendToStreaming(" corrupted")
	got, _ := l.Get("s")
	if got.Content != "final answer" {
		t.Errorf("finalized message must be immutable, got %q", got.Content)
	}

	// A new stream can start now that none is active.
	if !l.BeginStreaming("s2", "") {
		t.Error("BeginStreaming should succeed after the finalizing upsert")
	}
}

func TestMarkProcessedClaimsOnce(t *testing.T) {
	l := New(nil)
	defer l.Close()

	m := NewUserMessage("dispatch me", nil)
	l.Append(m)

	if !l.MarkProcessed(m.ID) {
		t.Fatal("first MarkProcessed should claim the message")
	}
	if l.MarkProcessed(m.ID) {
		t.Error("second MarkProcessed must not claim again")
	}
	if l.MarkProcessed("no-such-id") {
		t.Error("MarkProcessed on unknown id must return false")
	}

	got, _ := l.Get(m.ID)
	if !got.Processed {
		t.Error("Processed flag should be set")
	}
}

func TestChangeEventsCarryPreviousSnapshot(t *testing.T) {
	l := New(nil)
	defer l.Close()

	ch := l.Subscribe()

	first := NewUserMessage("one", nil)
	l.Append(first)

	ev := recvEvent(t, ch)
	if len(ev.Previous) != 0 {
		t.Errorf("first event should have empty previous snapshot, got %d", len(ev.Previous))
	}
	if len(ev.Messages) != 1 {
		t.Fatalf("first event should carry 1 message, got %d", len(ev.Messages))
	}

	second := NewUserMessage("two", nil)
	l.Append(second)

	ev = recvEvent(t, ch)
	if len(ev.Previous) != 1 || ev.Previous[0].ID != first.ID {
		t.Error("second event's previous snapshot should hold only the first message")
	}
	if len(ev.Messages) != 2 {
		t.Errorf("second event should carry 2 messages, got %d", len(ev.Messages))
	}
}

func TestSnapshotsAreIsolatedCopies(t *testing.T) {
	l := New(nil)
	defer l.Close()

	m := NewUserMessage("original", nil)
	m.Metadata = map[string]string{"k": "v"}
	l.Append(m)

	snap := l.Messages()
	snap[0].Content = "mutated"
	snap[0].Metadata["k"] = "changed"

	got, _ := l.Get(m.ID)
	if got.Content != "original" {
		t.Error("mutating a snapshot must not affect ledger state")
	}
	if got.Metadata["k"] != "v" {
		t.Error("mutating snapshot metadata must not affect ledger state")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	l := New(nil)
	defer l.Close()

	ch1 := l.Subscribe()
	ch2 := l.Subscribe()
	l.Unsubscribe(ch1)

	l.Append(NewUserMessage("after unsubscribe", nil))

	recvEvent(t, ch2)

	select {
	case _, ok := <-ch1:
		if ok {
			t.Error("unsubscribed channel should be closed, not receive events")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("unsubscribed channel should have been closed")
	}
}

func TestConcurrentChunksAllAccumulate(t *testing.T) {
	l := New(nil)
	defer l.Close()

	l.BeginStreaming("s", "")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			l.AppendToStreaming("x")
		}
		close(done)
	}()
	for i := 0; i < 50; i++ {
		l.AppendToStreaming("y")
	}
	<-done
	l.FinishStreaming()

	got, _ := l.Get("s")
	if len(got.Content) != 100 {
		t.Errorf("expected 100 accumulated chunks, got %d", len(got.Content))
	}
}

func recvEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func TestNewIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		if len(id) != 26 {
			t.Fatalf("expected 26-char ULID, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}
