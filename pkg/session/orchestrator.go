// Package session drives the relay: it gates inbound messages, applies the
// per-user message limit, coalesces bursts through the batching buffer, and
// turns flushed batches into completion requests and outbound replies.
// Work for a single chat is serialized; chats never block each other.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/access"
	"github.com/dotsetgreg/chatrelay/pkg/archive"
	"github.com/dotsetgreg/chatrelay/pkg/batch"
	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/conversation"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/providers"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

// ChatState is the per-chat position in the Idle -> Accumulating ->
// Flushing -> Idle loop.
type ChatState string

const (
	StateIdle         ChatState = "idle"
	StateAccumulating ChatState = "accumulating"
	StateFlushing     ChatState = "flushing"
)

// Archiver is the durable exchange log. Optional; a nil archiver disables
// /retry and audit recording but never affects live traffic.
type Archiver interface {
	Record(ctx context.Context, ex archive.Exchange) error
	Last(ctx context.Context, chatID string) (archive.Exchange, bool, error)
}

type Options struct {
	Bus        *bus.MessageBus
	Gate       *access.Gate
	History    *conversation.Store
	Limiter    *conversation.Limiter
	Provider   providers.CompletionProvider
	Archive    Archiver // may be nil
	BufferTime time.Duration
	Version    string
}

type Orchestrator struct {
	bus      *bus.MessageBus
	gate     *access.Gate
	history  *conversation.Store
	limiter  *conversation.Limiter
	provider providers.CompletionProvider
	archive  Archiver
	buffer   *batch.Buffer
	version  string

	running atomic.Bool

	ctxMu  sync.RWMutex
	runCtx context.Context

	chatMu sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]ChatState
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		bus:      opts.Bus,
		gate:     opts.Gate,
		history:  opts.History,
		limiter:  opts.Limiter,
		provider: opts.Provider,
		archive:  opts.Archive,
		version:  opts.Version,
		runCtx:   context.Background(),
		locks:    make(map[string]*sync.Mutex),
		states:   make(map[string]ChatState),
	}
	o.buffer = batch.NewBuffer(opts.BufferTime, o.onFlush)
	return o
}

// Run consumes inbound messages until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctxMu.Lock()
	o.runCtx = ctx
	o.ctxMu.Unlock()
	o.running.Store(true)

	logger.InfoC("session", "Orchestrator started")

	for o.running.Load() {
		select {
		case <-ctx.Done():
			o.buffer.Close()
			return nil
		default:
			msg, ok := o.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}
			o.handleInbound(msg)
		}
	}

	o.buffer.Close()
	return nil
}

func (o *Orchestrator) Stop() {
	o.running.Store(false)
	o.buffer.Close()
}

func (o *Orchestrator) context() context.Context {
	o.ctxMu.RLock()
	defer o.ctxMu.RUnlock()
	return o.runCtx
}

func (o *Orchestrator) handleInbound(msg bus.InboundMessage) {
	if len(msg.Blocks) == 0 {
		return
	}

	if !o.gate.IsAllowed(msg.SenderID, msg.ChatID) {
		logger.DebugCF("session", "Message rejected by access gate", map[string]interface{}{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})
		return
	}

	if cmd, ok := commandOf(msg); ok {
		// Commands may block on the chat's lock or call the provider;
		// they must not stall the consume loop for other chats.
		go o.handleCommand(msg, cmd)
		return
	}

	now := time.Now()
	if !o.gate.IsExempt(msg.SenderID) && !o.limiter.TryConsume(msg.SenderID, now) {
		wait := o.limiter.RetryAfter(msg.SenderID, now)
		logger.InfoCF("session", "Message rate limited", map[string]interface{}{
			"sender_id":   msg.SenderID,
			"chat_id":     msg.ChatID,
			"retry_after": wait.String(),
		})
		o.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("Please wait %s before asking a new question.", utils.FormatDuration(wait)),
			Notice:  bus.NoticeRateLimited,
		})
		return
	}

	o.setState(msg.ChatID, StateAccumulating)
	o.buffer.Add(msg)
}

// onFlush runs on the batching timer goroutine. The per-chat lock keeps a
// slow dispatch from overlapping with the next batch of the same chat.
func (o *Orchestrator) onFlush(chatID string, msgs []bus.InboundMessage) {
	lock := o.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	o.setState(chatID, StateFlushing)
	defer o.setState(chatID, StateIdle)

	last := msgs[len(msgs)-1]
	var blocks []bus.ContentBlock
	for _, msg := range msgs {
		blocks = append(blocks, msg.Blocks...)
	}

	o.dispatch(chatID, last.Channel, last.SenderID, blocks)
}

// dispatch sends one merged question to the completion backend and relays
// the outcome. A failed call leaves the conversation window untouched.
func (o *Orchestrator) dispatch(chatID, channel, userID string, blocks []bus.ContentBlock) {
	ctx := o.context()

	start := time.Now()
	answer, err := o.provider.Complete(ctx, blocks, o.history.Read(chatID))
	if err != nil {
		logger.ErrorCF("session", "Dispatch failed", map[string]interface{}{
			"chat_id": chatID,
			"error":   err.Error(),
		})
		o.bus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: "Sorry, I couldn't process that. Please try again.",
			Notice:  bus.NoticeError,
		})
		return
	}

	logger.InfoCF("session", "Exchange completed", map[string]interface{}{
		"chat_id":  chatID,
		"blocks":   len(blocks),
		"duration": time.Since(start).Round(time.Millisecond).String(),
		"preview":  utils.Truncate(answer, 60),
	})

	turn := conversation.Turn{Question: blocks, Answer: answer, At: time.Now()}
	o.history.Append(chatID, turn)

	if o.archive != nil {
		err := o.archive.Record(ctx, archive.Exchange{
			Channel:  channel,
			ChatID:   chatID,
			UserID:   userID,
			Question: blocks,
			Answer:   answer,
		})
		if err != nil {
			logger.WarnCF("session", "Failed to archive exchange", map[string]interface{}{
				"chat_id": chatID,
				"error":   err.Error(),
			})
		}
	}

	o.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: answer,
	})
}

// Reset cancels any pending batch for the chat and clears its history.
// The chat lock orders the clear after any in-flight flush, so a late
// answer cannot repopulate a chat the user just reset.
func (o *Orchestrator) Reset(chatID string) int {
	lock := o.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	dropped := o.buffer.Cancel(chatID)
	o.history.Clear(chatID)
	o.setState(chatID, StateIdle)
	return dropped
}

// State reports the chat's current position in the batching loop.
func (o *Orchestrator) State(chatID string) ChatState {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	if st, ok := o.states[chatID]; ok {
		return st
	}
	return StateIdle
}

func (o *Orchestrator) setState(chatID string, st ChatState) {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	if st == StateIdle {
		delete(o.states, chatID)
		return
	}
	o.states[chatID] = st
}

func (o *Orchestrator) chatLock(chatID string) *sync.Mutex {
	o.chatMu.Lock()
	defer o.chatMu.Unlock()
	lock, ok := o.locks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[chatID] = lock
	}
	return lock
}
