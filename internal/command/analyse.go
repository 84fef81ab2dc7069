package command

import (
	"context"
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/bus"
)

// Analyse describes a posted photo. The caption, when present, is the question.
// Both the question and the answer are recorded in the user's context.
type Analyse struct {
	base
}

func NewAnalyse(d Deps) *Analyse {
	return &Analyse{base: newBase(d, "analyse")}
}

func (a *Analyse) Handle(ctx context.Context, msg bus.InboundMessage) error {
	caption := strings.TrimSpace(msg.Content)
	if caption == "" {
		caption = DefaultAnalyseCaption
	}

	image, err := a.messenger.Download(ctx, msg.Channel, msg.LargestPhoto())
	if err != nil {
		return a.fail(ctx, msg, err, MsgAnalyseFailed)
	}

	uc, err := a.registry.Get(ctx, msg.Username)
	if err != nil {
		return a.fail(ctx, msg, err, MsgAnalyseFailed)
	}
	uc.AddUserEntry(caption)

	result, err := a.provider.AnalyseImage(ctx, caption, image)
	if err != nil {
		a.registry.Forget(msg.Username)
		return a.fail(ctx, msg, err, MsgAnalyseFailed)
	}
	uc.AddBotEntry(result, 0)

	if err := a.registry.Save(ctx, uc); err != nil {
		a.registry.Forget(msg.Username)
		return a.fail(ctx, msg, err, MsgAnalyseFailed)
	}
	return a.reply(ctx, msg, result)
}
