// Package batch coalesces bursts of messages from one chat into a single
// unit of work. A batch flushes once its chat has been quiet for the
// configured duration; every new arrival slides the deadline forward.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
)

// FlushFunc receives the accumulated messages of one chat in arrival order.
// It runs on the timer goroutine; the callee handles its own serialization.
type FlushFunc func(chatID string, msgs []bus.InboundMessage)

type pendingBatch struct {
	id    string
	msgs  []bus.InboundMessage
	timer *time.Timer
	// gen invalidates a fired timer that lost the race against a newer
	// arrival or a cancel. Checked under the buffer lock.
	gen uint64
}

// Buffer holds at most one pending batch per chat.
type Buffer struct {
	mu      sync.Mutex
	quiet   time.Duration
	flush   FlushFunc
	pending map[string]*pendingBatch
}

func NewBuffer(quiet time.Duration, flush FlushFunc) *Buffer {
	if quiet < 0 {
		quiet = 0
	}
	return &Buffer{
		quiet:   quiet,
		flush:   flush,
		pending: make(map[string]*pendingBatch),
	}
}

// Add appends the message to its chat's pending batch, creating one if
// needed, and re-arms the quiet-window timer from now.
func (b *Buffer) Add(msg bus.InboundMessage) {
	chatID := msg.ChatID

	b.mu.Lock()
	p := b.pending[chatID]
	if p == nil {
		p = &pendingBatch{id: uuid.NewString()}
		b.pending[chatID] = p
		logger.DebugCF("batch", "Opened batch", map[string]interface{}{
			"batch_id": p.id,
			"chat_id":  chatID,
		})
	}
	p.msgs = append(p.msgs, msg)

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(b.quiet, func() { b.fire(chatID, gen) })
	b.mu.Unlock()
}

func (b *Buffer) fire(chatID string, gen uint64) {
	b.mu.Lock()
	p := b.pending[chatID]
	if p == nil || p.gen != gen {
		// A newer arrival re-armed the timer, or the batch was canceled.
		b.mu.Unlock()
		return
	}
	delete(b.pending, chatID)
	b.mu.Unlock()

	logger.DebugCF("batch", "Flushing batch", map[string]interface{}{
		"batch_id": p.id,
		"chat_id":  chatID,
		"messages": len(p.msgs),
	})
	b.flush(chatID, p.msgs)
}

// Cancel discards the chat's pending batch without flushing and returns
// how many messages were dropped.
func (b *Buffer) Cancel(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.pending[chatID]
	if p == nil {
		return 0
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	delete(b.pending, chatID)
	return len(p.msgs)
}

// Pending returns the number of chats with an open batch.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close cancels every pending batch. Accumulated-but-unflushed messages
// are intentionally dropped: they were never accepted into history.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for chatID, p := range b.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.gen++
		delete(b.pending, chatID)
	}
}
