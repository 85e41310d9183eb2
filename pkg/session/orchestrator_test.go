package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/access"
	"github.com/dotsetgreg/chatrelay/pkg/archive"
	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/conversation"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   [][]bus.ContentBlock
	history [][]conversation.Turn
	answer  string
	err     error
	delay   time.Duration
}

func (f *fakeProvider) Complete(ctx context.Context, question []bus.ContentBlock, history []conversation.Turn) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	f.history = append(f.history, history)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeProvider) Model() string { return "fake-model" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryArchive struct {
	mu        sync.Mutex
	exchanges []archive.Exchange
}

func (m *memoryArchive) Record(ctx context.Context, ex archive.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, ex)
	return nil
}

func (m *memoryArchive) Last(ctx context.Context, chatID string) (archive.Exchange, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if m.exchanges[i].ChatID == chatID {
			return m.exchanges[i], true, nil
		}
	}
	return archive.Exchange{}, false, nil
}

type fixture struct {
	bus      *bus.MessageBus
	orch     *Orchestrator
	provider *fakeProvider
	history  *conversation.Store
	limiter  *conversation.Limiter
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	if opts.Bus == nil {
		opts.Bus = bus.NewMessageBus()
	}
	if opts.Gate == nil {
		opts.Gate = access.NewGate(nil, nil, nil)
	}
	if opts.History == nil {
		opts.History = conversation.NewStore(5)
	}
	if opts.Limiter == nil {
		opts.Limiter = conversation.NewLimiter(0, time.Minute)
	}
	provider, _ := opts.Provider.(*fakeProvider)
	if provider == nil {
		provider = &fakeProvider{answer: "ok"}
		opts.Provider = provider
	}
	if opts.Version == "" {
		opts.Version = "test"
	}

	orch := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)

	t.Cleanup(func() {
		cancel()
		orch.Stop()
		opts.Bus.Close()
	})

	return &fixture{
		bus:      opts.Bus,
		orch:     orch,
		provider: provider,
		history:  opts.History,
		limiter:  opts.Limiter,
		cancel:   cancel,
	}
}

func inbound(chatID, sender, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "test",
		SenderID:  sender,
		ChatID:    chatID,
		Blocks:    []bus.ContentBlock{{Kind: bus.BlockText, Text: text}},
		Timestamp: time.Now(),
	}
}

func awaitOutbound(t *testing.T, mb *bus.MessageBus, timeout time.Duration) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, ok := mb.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message before timeout")
	}
	return msg
}

func TestOrchestrator_BurstBecomesOneExchange(t *testing.T) {
	f := newFixture(t, Options{BufferTime: 30 * time.Millisecond})

	f.bus.PublishInbound(inbound("chat", "alice", "first part"))
	f.bus.PublishInbound(inbound("chat", "alice", "second part"))

	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Content != "ok" || out.Notice != bus.NoticeNone {
		t.Fatalf("unexpected outbound: %+v", out)
	}

	if f.provider.callCount() != 1 {
		t.Fatalf("expected one combined dispatch, got %d", f.provider.callCount())
	}
	question := f.provider.calls[0]
	if len(question) != 2 || question[0].Text != "first part" || question[1].Text != "second part" {
		t.Fatalf("merged question wrong: %+v", question)
	}

	turns := f.history.Read("chat")
	if len(turns) != 1 {
		t.Fatalf("expected one history turn, got %d", len(turns))
	}
	if turns[0].Answer != "ok" {
		t.Errorf("turn answer = %q", turns[0].Answer)
	}

	if st := f.orch.State("chat"); st != StateIdle {
		t.Errorf("chat should be idle after the flush, state = %s", st)
	}
}

func TestOrchestrator_HistoryFlowsToProvider(t *testing.T) {
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond})

	f.bus.PublishInbound(inbound("chat", "alice", "one"))
	awaitOutbound(t, f.bus, 2*time.Second)

	f.bus.PublishInbound(inbound("chat", "alice", "two"))
	awaitOutbound(t, f.bus, 2*time.Second)

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.history) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(f.provider.history))
	}
	if len(f.provider.history[0]) != 0 {
		t.Errorf("first dispatch should see empty history")
	}
	if len(f.provider.history[1]) != 1 || f.provider.history[1][0].Question[0].Text != "one" {
		t.Errorf("second dispatch should see the first turn, got %+v", f.provider.history[1])
	}
}

func TestOrchestrator_RateLimitedMessageGetsNotice(t *testing.T) {
	limiter := conversation.NewLimiter(1, time.Minute)
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Limiter: limiter})

	f.bus.PublishInbound(inbound("chat", "alice", "first"))
	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Notice != bus.NoticeNone {
		t.Fatalf("first message should succeed, got notice %q", out.Notice)
	}

	f.bus.PublishInbound(inbound("chat", "alice", "second"))
	out = awaitOutbound(t, f.bus, 2*time.Second)
	if out.Notice != bus.NoticeRateLimited {
		t.Fatalf("expected rate-limited notice, got %+v", out)
	}
	if !strings.Contains(out.Content, "Please wait") {
		t.Errorf("notice should tell the user to wait: %q", out.Content)
	}

	// The rejected message never reached the provider or history.
	if f.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.callCount())
	}
	if turns := f.history.Read("chat"); len(turns) != 1 {
		t.Errorf("history turns = %d, want 1", len(turns))
	}
}

func TestOrchestrator_ExemptUserBypassesLimit(t *testing.T) {
	limiter := conversation.NewLimiter(1, time.Minute)
	gate := access.NewGate(nil, nil, []string{"root"})
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Limiter: limiter, Gate: gate})

	for i := 0; i < 3; i++ {
		f.bus.PublishInbound(inbound("chat", "root", "msg"))
		out := awaitOutbound(t, f.bus, 2*time.Second)
		if out.Notice == bus.NoticeRateLimited {
			t.Fatalf("exempt user must never be limited (message %d)", i+1)
		}
	}
}

func TestOrchestrator_DisallowedSenderDroppedSilently(t *testing.T) {
	gate := access.NewGate([]string{"alice"}, nil, nil)
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Gate: gate})

	f.bus.PublishInbound(inbound("chat", "mallory", "let me in"))

	time.Sleep(80 * time.Millisecond)
	if f.provider.callCount() != 0 {
		t.Fatal("disallowed sender must not reach the provider")
	}
}

func TestOrchestrator_DispatchFailureLeavesHistoryAlone(t *testing.T) {
	provider := &fakeProvider{err: errors.New("backend exploded")}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Provider: provider})

	f.bus.PublishInbound(inbound("chat", "alice", "hello"))

	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Notice != bus.NoticeError {
		t.Fatalf("expected error notice, got %+v", out)
	}
	if turns := f.history.Read("chat"); len(turns) != 0 {
		t.Fatalf("failed dispatch must not pollute history, got %d turns", len(turns))
	}
}

func TestOrchestrator_ResetCommandClearsHistoryAndBatch(t *testing.T) {
	f := newFixture(t, Options{BufferTime: 200 * time.Millisecond})

	// Complete one exchange first.
	f.bus.PublishInbound(bus.InboundMessage{
		Channel: "test", SenderID: "alice", ChatID: "chat",
		Blocks: []bus.ContentBlock{{Kind: bus.BlockText, Text: "remember this"}},
	})
	awaitOutbound(t, f.bus, 2*time.Second)

	// Leave a message accumulating, then reset before it flushes.
	f.bus.PublishInbound(inbound("chat", "alice", "pending"))
	f.bus.PublishInbound(inbound("chat", "alice", "/reset"))

	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Content != "Conversation history cleared." {
		t.Fatalf("unexpected reply: %q", out.Content)
	}

	if turns := f.history.Read("chat"); len(turns) != 0 {
		t.Errorf("history should be empty after reset, got %d turns", len(turns))
	}

	// The pending batch was discarded: no flush arrives.
	time.Sleep(300 * time.Millisecond)
	if f.provider.callCount() != 1 {
		t.Errorf("canceled batch must not dispatch, calls = %d", f.provider.callCount())
	}
}

func TestOrchestrator_ResetDuringFlushClearsLateAnswer(t *testing.T) {
	provider := &fakeProvider{answer: "slow answer", delay: 200 * time.Millisecond}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Provider: provider})

	f.bus.PublishInbound(inbound("chat", "alice", "question"))

	// Let the flush start; the provider call is now in flight.
	time.Sleep(80 * time.Millisecond)
	f.bus.PublishInbound(inbound("chat", "alice", "/reset"))

	// Both the answer and the reset confirmation arrive, in that order:
	// the reset waits for the in-flight flush before clearing.
	awaitOutbound(t, f.bus, 2*time.Second)
	awaitOutbound(t, f.bus, 2*time.Second)

	if turns := f.history.Read("chat"); len(turns) != 0 {
		t.Fatalf("an answer landing mid-reset must not repopulate the chat, got %d turns", len(turns))
	}
}

func TestOrchestrator_CommandsDoNotBlockOtherChats(t *testing.T) {
	arch := &memoryArchive{}
	if err := arch.Record(context.Background(), archive.Exchange{
		ChatID:   "chat-a",
		UserID:   "alice",
		Question: []bus.ContentBlock{{Kind: bus.BlockText, Text: "original"}},
		Answer:   "old answer",
	}); err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	provider := &fakeProvider{answer: "ok", delay: 400 * time.Millisecond}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Provider: provider, Archive: arch})

	start := time.Now()
	f.bus.PublishInbound(inbound("chat-a", "alice", "/retry"))
	f.bus.PublishInbound(inbound("chat-b", "bob", "/help"))

	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.ChatID != "chat-b" {
		t.Fatalf("chat-b's help reply should not wait for chat-a's retry, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("help reply took %v, stalled behind another chat's provider call", elapsed)
	}

	// Drain the retry answer.
	out = awaitOutbound(t, f.bus, 2*time.Second)
	if out.ChatID != "chat-a" || out.Content != "ok" {
		t.Errorf("retry answer = %+v", out)
	}
}

func TestOrchestrator_RetryCommand(t *testing.T) {
	arch := &memoryArchive{}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Archive: arch})

	f.bus.PublishInbound(inbound("chat", "alice", "original question"))
	awaitOutbound(t, f.bus, 2*time.Second)

	f.bus.PublishInbound(inbound("chat", "alice", "/retry"))
	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Content != "ok" {
		t.Fatalf("retry should produce a fresh answer, got %q", out.Content)
	}

	if f.provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", f.provider.callCount())
	}
	f.provider.mu.Lock()
	retried := f.provider.calls[1]
	f.provider.mu.Unlock()
	if retried[0].Text != "original question" {
		t.Errorf("retried question = %q", retried[0].Text)
	}

	// The old turn was replaced, not doubled.
	if turns := f.history.Read("chat"); len(turns) != 1 {
		t.Errorf("history turns = %d, want 1", len(turns))
	}
}

func TestOrchestrator_RetryWithoutHistory(t *testing.T) {
	arch := &memoryArchive{}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Archive: arch})

	f.bus.PublishInbound(inbound("chat", "alice", "/retry"))
	out := awaitOutbound(t, f.bus, 2*time.Second)
	if out.Content != "Nothing to retry yet." {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
}

func TestOrchestrator_UnknownCommand(t *testing.T) {
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond})

	f.bus.PublishInbound(inbound("chat", "alice", "/frobnicate now"))
	out := awaitOutbound(t, f.bus, 2*time.Second)
	if !strings.Contains(out.Content, "Unknown command") {
		t.Fatalf("unexpected reply: %q", out.Content)
	}
}

func TestOrchestrator_VersionCommand(t *testing.T) {
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Version: "9.9.9"})

	f.bus.PublishInbound(inbound("chat", "alice", "/version"))
	out := awaitOutbound(t, f.bus, 2*time.Second)
	if !strings.Contains(out.Content, "9.9.9") || !strings.Contains(out.Content, "fake-model") {
		t.Fatalf("version reply = %q", out.Content)
	}
}

func TestOrchestrator_ArchiveRecordsExchanges(t *testing.T) {
	arch := &memoryArchive{}
	f := newFixture(t, Options{BufferTime: 10 * time.Millisecond, Archive: arch})

	f.bus.PublishInbound(inbound("chat", "alice", "log me"))
	awaitOutbound(t, f.bus, 2*time.Second)

	last, ok, err := arch.Last(context.Background(), "chat")
	if err != nil || !ok {
		t.Fatalf("archive should hold the exchange: ok=%v err=%v", ok, err)
	}
	if last.UserID != "alice" || last.Answer != "ok" {
		t.Errorf("archived exchange = %+v", last)
	}
}

func TestCommandOf(t *testing.T) {
	if cmd, ok := commandOf(inbound("c", "u", "/Reset@relaybot now")); !ok || cmd != "/reset" {
		t.Errorf("commandOf = %q, %v", cmd, ok)
	}
	if _, ok := commandOf(inbound("c", "u", "not a command")); ok {
		t.Error("plain text should not be a command")
	}
	withFile := bus.InboundMessage{
		ChatID: "c",
		Blocks: []bus.ContentBlock{
			{Kind: bus.BlockText, Text: "/reset"},
			{Kind: bus.BlockFileRef, Ref: "x"},
		},
	}
	if _, ok := commandOf(withFile); ok {
		t.Error("messages with attachments are not commands")
	}
}
