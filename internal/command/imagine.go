package command

import (
	"context"
	"fmt"

	"github.com/stellarlinkco/chatclaw/internal/ai"
	"github.com/stellarlinkco/chatclaw/internal/bus"
)

// Imagine generates an image from the message text.
type Imagine struct {
	base
}

func NewImagine(d Deps) *Imagine {
	return &Imagine{base: newBase(d, "imagine")}
}

func (i *Imagine) Handle(ctx context.Context, msg bus.InboundMessage) error {
	prohibited, err := i.provider.IsProhibited(ctx, msg.Content)
	if err != nil {
		return i.fail(ctx, msg, err, MsgImageFailed)
	}
	if prohibited {
		return i.reply(ctx, msg, MsgProhibited)
	}

	url, err := i.provider.GenerateImage(ctx, msg.Content)
	if err != nil {
		return i.fail(ctx, msg, err, MsgImageFailed)
	}
	if url == ai.NotGenerated {
		return i.reply(ctx, msg, url)
	}
	return i.replyPhoto(ctx, msg, url)
}

// Reimagine sends back a variation of the photo the message replies to.
type Reimagine struct {
	base
}

func NewReimagine(d Deps) *Reimagine {
	return &Reimagine{base: newBase(d, "reimagine")}
}

func (r *Reimagine) Handle(ctx context.Context, msg bus.InboundMessage) error {
	if len(msg.ReplyPhotos) == 0 {
		return r.reply(ctx, msg, MsgReplyToImage)
	}
	largest := msg.ReplyPhotos[len(msg.ReplyPhotos)-1]

	data, err := r.messenger.Download(ctx, msg.Channel, largest)
	if err != nil {
		return r.fail(ctx, msg, err, MsgImageFailed)
	}
	png, err := toSquarePNG(data, variationSize)
	if err != nil {
		return r.fail(ctx, msg, fmt.Errorf("convert image: %w", err), MsgImageFailed)
	}

	url, err := r.provider.GenerateVariation(ctx, png)
	if err != nil {
		return r.fail(ctx, msg, err, MsgImageFailed)
	}
	if url == "" {
		return r.reply(ctx, msg, MsgImageFailed)
	}
	return r.replyPhoto(ctx, msg, url)
}
