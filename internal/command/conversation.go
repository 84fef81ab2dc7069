package command

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
)

// Conversation holds a free-form dialogue with the provider in private chats.
type Conversation struct {
	base
	maxAttempts int
}

func NewConversation(d Deps) *Conversation {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Conversation{base: newBase(d, "conversation"), maxAttempts: attempts}
}

// Handle skips commands, group chats, photos and replies; everything else is
// moderated and answered.
func (c *Conversation) Handle(ctx context.Context, msg bus.InboundMessage) error {
	if msg.IsCommand() || msg.ChatType != bus.ChatPrivate || len(msg.Photos) > 0 || msg.IsReply {
		c.logger.Debugw("skipping conversation", "username", msg.Username, "chat_type", msg.ChatType)
		return nil
	}

	prohibited, err := c.provider.IsProhibited(ctx, msg.Content)
	if err != nil {
		return c.fail(ctx, msg, err, "")
	}
	if prohibited {
		return c.reply(ctx, msg, MsgProhibited)
	}

	answer, err := c.Converse(ctx, msg.Username, msg.Content)
	if err != nil {
		return c.fail(ctx, msg, err, "")
	}
	return c.reply(ctx, msg, answer)
}

// Converse appends text to username's context, asks the provider, appends and
// persists the reply, and returns it. The turn is dropped from the cache when
// it cannot be completed so storage stays authoritative.
func (c *Conversation) Converse(ctx context.Context, username, text string) (string, error) {
	uc, err := c.registry.Get(ctx, username)
	if err != nil {
		return "", err
	}

	uc.AddUserEntry(text)
	answer, tokens, err := c.ask(ctx, uc)
	if err != nil {
		c.registry.Forget(username)
		return "", err
	}
	uc.AddBotEntry(answer, tokens)

	if err := c.registry.Save(ctx, uc); err != nil {
		c.registry.Forget(username)
		return "", err
	}
	return answer, nil
}

// ask calls the provider up to maxAttempts times until it returns text. The
// fallback notice stands in for an answer that never came.
func (c *Conversation) ask(ctx context.Context, uc conversation.Context) (string, int, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.logger.Debugw("asking provider", "attempt", attempt, "username", uc.Username())
		answer, err := c.provider.GenerateAnswer(ctx, uc.Conversation(), uc.Username())
		if err != nil {
			return "", 0, fmt.Errorf("generate answer: %w", err)
		}
		if answer.Text != "" {
			return answer.Text, answer.TotalTokens, nil
		}
	}
	c.logger.Warnw("provider returned no text", "username", uc.Username(), "attempts", c.maxAttempts)
	return MsgFallback, 0, nil
}
