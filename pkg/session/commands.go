package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

const helpText = `Commands:
/reset - forget the conversation history for this chat
/retry - ask the last question again
/version - show the relay version
/help - this message`

// commandOf extracts a slash command from a single-text-block message.
// Messages with attachments are never treated as commands.
func commandOf(msg bus.InboundMessage) (string, bool) {
	if len(msg.Blocks) != 1 || msg.Blocks[0].Kind != bus.BlockText {
		return "", false
	}
	text := strings.TrimSpace(msg.Blocks[0].Text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0]
	// Platform suffixes like /reset@botname.
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	return strings.ToLower(cmd), true
}

func (o *Orchestrator) handleCommand(msg bus.InboundMessage, cmd string) {
	logger.InfoCF("session", "Handling command", map[string]interface{}{
		"command":   cmd,
		"sender_id": msg.SenderID,
		"chat_id":   msg.ChatID,
	})

	reply := func(content string) {
		o.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: content,
		})
	}

	switch cmd {
	case "/start", "/help":
		reply(helpText)

	case "/version":
		reply(fmt.Sprintf("chatrelay %s (model: %s)", o.version, o.provider.Model()))

	case "/reset":
		dropped := o.Reset(msg.ChatID)
		if dropped > 0 {
			logger.DebugCF("session", "Reset discarded pending batch", map[string]interface{}{
				"chat_id": msg.ChatID,
				"dropped": dropped,
			})
		}
		reply("Conversation history cleared.")

	case "/retry":
		o.retry(msg)

	default:
		reply("Unknown command. Try /help.")
	}
}

// retry re-asks the chat's last archived question. The matching turn is
// dropped from the window first so the exchange is replaced, not doubled.
func (o *Orchestrator) retry(msg bus.InboundMessage) {
	reply := func(content string) {
		o.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: content,
		})
	}

	if o.archive == nil {
		reply("Retry is not available.")
		return
	}

	last, ok, err := o.archive.Last(o.context(), msg.ChatID)
	if err != nil {
		logger.ErrorCF("session", "Failed to load last exchange", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		reply("Retry is not available right now.")
		return
	}
	if !ok {
		reply("Nothing to retry yet.")
		return
	}

	// A retry is still a message for quota purposes.
	now := time.Now()
	if !o.gate.IsExempt(msg.SenderID) && !o.limiter.TryConsume(msg.SenderID, now) {
		wait := o.limiter.RetryAfter(msg.SenderID, now)
		o.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("Please wait %s before asking a new question.", utils.FormatDuration(wait)),
			Notice:  bus.NoticeRateLimited,
		})
		return
	}

	lock := o.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	o.setState(msg.ChatID, StateFlushing)
	defer o.setState(msg.ChatID, StateIdle)

	o.history.DropLast(msg.ChatID)
	o.dispatch(msg.ChatID, msg.Channel, msg.SenderID, last.Question)
}
