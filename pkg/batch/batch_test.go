package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes [][]bus.InboundMessage
}

func (r *flushRecorder) flush(chatID string, msgs []bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, msgs)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) all() [][]bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]bus.InboundMessage, len(r.flushes))
	copy(out, r.flushes)
	return out
}

func (r *flushRecorder) last() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushes) == 0 {
		return nil
	}
	return r.flushes[len(r.flushes)-1]
}

func textMsg(chatID, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: "test",
		ChatID:  chatID,
		Blocks:  []bus.ContentBlock{{Kind: bus.BlockText, Text: text}},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBuffer_BurstFlushesOnceCombined(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(60*time.Millisecond, rec.flush)
	defer b.Close()

	// Two messages inside one quiet window: a single combined flush.
	b.Add(textMsg("chat", "first"))
	time.Sleep(30 * time.Millisecond)
	b.Add(textMsg("chat", "second"))

	// The first message's deadline has passed, but the second arrival slid
	// the window: nothing flushed yet.
	time.Sleep(45 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("batch flushed before the chat went quiet")
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	msgs := rec.last()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in the batch, got %d", len(msgs))
	}
	if msgs[0].Blocks[0].Text != "first" || msgs[1].Blocks[0].Text != "second" {
		t.Errorf("batch order wrong: %q, %q", msgs[0].Blocks[0].Text, msgs[1].Blocks[0].Text)
	}
	if b.Pending() != 0 {
		t.Errorf("flushed batch should be removed, %d pending", b.Pending())
	}
}

func TestBuffer_SeparateBurstsFlushSeparately(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(20*time.Millisecond, rec.flush)
	defer b.Close()

	b.Add(textMsg("chat", "one"))
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	b.Add(textMsg("chat", "two"))
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })

	if len(rec.last()) != 1 {
		t.Fatalf("second burst should contain only its own message, got %d", len(rec.last()))
	}
}

func TestBuffer_ChatsAreIndependent(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(20*time.Millisecond, rec.flush)
	defer b.Close()

	b.Add(textMsg("chat-a", "a"))
	b.Add(textMsg("chat-b", "b"))

	waitFor(t, time.Second, func() bool { return rec.count() == 2 })

	for _, msgs := range rec.all() {
		if len(msgs) != 1 {
			t.Errorf("expected 1 message per chat batch, got %d", len(msgs))
		}
	}
}

func TestBuffer_CancelDiscardsWithoutFlushing(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(20*time.Millisecond, rec.flush)
	defer b.Close()

	b.Add(textMsg("chat", "one"))
	b.Add(textMsg("chat", "two"))

	if dropped := b.Cancel("chat"); dropped != 2 {
		t.Fatalf("Cancel dropped %d messages, want 2", dropped)
	}

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("canceled batch must not flush")
	}
	if b.Cancel("chat") != 0 {
		t.Fatal("second cancel should find nothing")
	}
}

func TestBuffer_ZeroQuietStillBatchesSingleMessage(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(0, rec.flush)
	defer b.Close()

	b.Add(textMsg("chat", "solo"))

	waitFor(t, time.Second, func() bool { return rec.count() == 1 })
	if len(rec.last()) != 1 {
		t.Fatalf("expected single-message batch, got %d", len(rec.last()))
	}
}

func TestBuffer_CloseCancelsEverything(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(20*time.Millisecond, rec.flush)

	b.Add(textMsg("chat-a", "a"))
	b.Add(textMsg("chat-b", "b"))
	b.Close()

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("Close must drop all pending batches without flushing")
	}
	if b.Pending() != 0 {
		t.Fatal("no batches should remain after Close")
	}
}

func TestBuffer_ArrivalDuringFlushOpensNewBatch(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBuffer(10*time.Millisecond, rec.flush)
	defer b.Close()

	b.Add(textMsg("chat", "one"))
	waitFor(t, time.Second, func() bool { return rec.count() == 1 })

	// The chat is idle again; a new message starts a fresh batch rather
	// than resurrecting the flushed one.
	b.Add(textMsg("chat", "two"))
	if b.Pending() != 1 {
		t.Fatalf("expected a fresh pending batch, got %d", b.Pending())
	}
	waitFor(t, time.Second, func() bool { return rec.count() == 2 })
}
