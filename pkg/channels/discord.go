package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
	"github.com/dotsetgreg/chatrelay/pkg/config"
	"github.com/dotsetgreg/chatrelay/pkg/logger"
	"github.com/dotsetgreg/chatrelay/pkg/utils"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second

	// Discord caps messages at 2000 characters; leave headroom so a chunk
	// can be extended to close an open code fence.
	messageChunkLimit = 1500
)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	config   config.DiscordConfig
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	cancel context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus),
		session:     session,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord relay")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord relay connected", map[string]interface{}{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord relay")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord relay not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("chat ID is empty")
	}
	defer c.endTyping(msg.ChatID)

	if msg.Content == "" {
		return nil
	}

	for _, chunk := range splitMessage(msg.Content, messageChunkLimit) {
		if err := c.sendChunk(ctx, msg.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == s.State.User.ID {
		return
	}

	senderName := m.Author.Username
	if m.Author.Discriminator != "" && m.Author.Discriminator != "0" {
		senderName += "#" + m.Author.Discriminator
	}

	blocks := blocksFromDiscord(m.Content, m.Attachments)
	if len(blocks) == 0 {
		return
	}

	c.beginTyping(m.ChannelID)

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_name": senderName,
		"sender_id":   m.Author.ID,
		"blocks":      len(blocks),
		"preview":     utils.Truncate(bus.PlainText(blocks), 50),
	})

	c.Publish(m.Author.ID, senderName, m.ChannelID, blocks, map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
		"is_dm":      fmt.Sprintf("%t", m.GuildID == ""),
	})
}

// blocksFromDiscord reduces a raw Discord message to normalized content
// blocks. Attachments become references; bytes are never carried inward.
func blocksFromDiscord(content string, attachments []*discordgo.MessageAttachment) []bus.ContentBlock {
	var blocks []bus.ContentBlock

	if text := strings.TrimSpace(content); text != "" {
		blocks = append(blocks, bus.ContentBlock{Kind: bus.BlockText, Text: text})
	}

	for _, att := range attachments {
		if att == nil || att.URL == "" {
			continue
		}
		if utils.IsImageFile(att.Filename, att.ContentType) {
			blocks = append(blocks, bus.ContentBlock{
				Kind: bus.BlockImageRef,
				Ref:  att.URL,
				Name: att.Filename,
			})
			continue
		}
		blocks = append(blocks, bus.ContentBlock{
			Kind: bus.BlockFileRef,
			Ref:  att.URL,
			Name: att.Filename,
		})
	}

	return blocks
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if _, ok := c.typing[channelID]; ok {
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	if sess, ok := c.typing[channelID]; ok {
		delete(c.typing, channelID)
		sess.cancel()
	}
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

// splitMessage breaks long content into chunks at natural boundaries. A
// chunk that would cut an open ``` fence is extended to the closing fence
// when it is close, otherwise the split moves before the fence.
func splitMessage(content string, limit int) []string {
	var chunks []string

	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		end := naturalBreak(content[:limit])

		if openIdx := lastOpenFence(content[:end]); openIdx >= 0 {
			if closeIdx := nextCloseFence(content, end); closeIdx > 0 && closeIdx <= limit+500 {
				end = closeIdx
			} else if before := naturalBreak(content[:openIdx]); before > 0 {
				end = before
			} else {
				end = openIdx
			}
		}

		if end <= 0 {
			end = limit
		}

		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}

	return chunks
}

// naturalBreak prefers a newline near the end, then a space, then a hard cut.
func naturalBreak(s string) int {
	if idx := lastIndexWithin(s, "\n", 200); idx > 0 {
		return idx
	}
	if idx := lastIndexWithin(s, " \t", 100); idx > 0 {
		return idx
	}
	return len(s)
}

func lastIndexWithin(s, chars string, window int) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		if strings.IndexByte(chars, s[i]) >= 0 {
			return i
		}
	}
	return -1
}

// lastOpenFence returns the position of an unmatched ``` marker, or -1.
func lastOpenFence(s string) int {
	count := 0
	lastOpen := -1
	for i := 0; i+2 < len(s); i++ {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			if count%2 == 0 {
				lastOpen = i
			}
			count++
			i += 2
		}
	}
	if count%2 == 1 {
		return lastOpen
	}
	return -1
}

// nextCloseFence returns the position just past the next ``` marker at or
// after start, or -1.
func nextCloseFence(s string, start int) int {
	for i := start; i+2 < len(s); i++ {
		if s[i] == '`' && s[i+1] == '`' && s[i+2] == '`' {
			return i + 3
		}
	}
	return -1
}
