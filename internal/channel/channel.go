package channel

import (
	"context"

	"github.com/stellarlinkco/chatclaw/internal/bus"
)

// Channel is a chat transport the gateway can receive from and reply through.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// Downloader is implemented by channels that can fetch attached media by id.
type Downloader interface {
	Download(ctx context.Context, fileID string) ([]byte, error)
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether any of ids is on the allow list. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(ids ...string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := c.allowFrom[id]; ok {
			return true
		}
	}
	return false
}
