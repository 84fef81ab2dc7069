package command

import (
	"context"
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
)

// Behave replaces the user's behaviour prompt and clears the history.
type Behave struct {
	base
}

func NewBehave(d Deps) *Behave {
	return &Behave{base: newBase(d, "behave")}
}

// Handle expects msg.Content to hold the new behaviour. An empty one restores
// the default.
func (b *Behave) Handle(ctx context.Context, msg bus.InboundMessage) error {
	behaviour := strings.TrimSpace(msg.Content)
	if behaviour == "" {
		behaviour = conversation.DefaultBehaviour
	}

	prohibited, err := b.provider.IsProhibited(ctx, behaviour)
	if err != nil {
		return b.fail(ctx, msg, err, "")
	}
	if prohibited {
		return b.reply(ctx, msg, MsgBehaveProhibited)
	}

	uc, err := b.registry.Get(ctx, msg.Username)
	if err != nil {
		return b.fail(ctx, msg, err, "")
	}
	uc.ChangeBehaviour(behaviour)
	if err := b.registry.Save(ctx, uc); err != nil {
		b.registry.Forget(msg.Username)
		return b.fail(ctx, msg, err, "")
	}

	b.logger.Debugw("changed behaviour", "username", msg.Username, "behaviour", behaviour)
	return nil
}
