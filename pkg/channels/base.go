// Package channels adapts messaging platforms to the relay's message bus.
// Adapters reduce raw platform payloads to normalized content blocks on the
// way in and render answers on the way out; all policy (access, limits,
// batching) lives behind the bus.
package channels

import (
	"context"
	"time"

	"github.com/dotsetgreg/chatrelay/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

type BaseChannel struct {
	bus     *bus.MessageBus
	name    string
	running bool
}

func NewBaseChannel(name string, messageBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{
		bus:  messageBus,
		name: name,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

// Publish forwards a normalized message to the relay core.
func (c *BaseChannel) Publish(senderID, senderName, chatID string, blocks []bus.ContentBlock, metadata map[string]string) {
	if len(blocks) == 0 {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Blocks:     blocks,
		Timestamp:  time.Now(),
		Metadata:   metadata,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
