// Package command turns inbound chat messages into provider calls and replies.
package command

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/ai"
	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/registry"
)

// Replies sent to the user.
const (
	MsgProhibited       = "Sorry, can't generate this"
	MsgBehaveProhibited = "Sorry, can't use this behavior"
	MsgRateLimited      = "[You're sending too many requests. Please, wait a little bit.]"
	MsgFallback         = "[Failed to generate message. Try once again.]"
	MsgImageFailed      = "[Failed to generate image]"
	MsgAnalyseFailed    = "[Failed to analyse image]"
	MsgReplyToImage     = "Reply to an image to reimagine."
	MsgVoiceFailed      = "Sorry, can't fetch the voice data."

	DefaultAnalyseCaption = "What’s in this image?"
	DefaultMaxAttempts    = 3
)

// Command prefixes recognised by the router.
const (
	PrefixImagine   = "/imagine "
	PrefixReimagine = "/reimagine"
	PrefixBehave    = "/behave "
)

// Messenger delivers replies and fetches attachments.
type Messenger interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Download(ctx context.Context, channel, fileID string) ([]byte, error)
}

// Handler processes one inbound message.
type Handler interface {
	Handle(ctx context.Context, msg bus.InboundMessage) error
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Registry    *registry.Registry
	Provider    ai.Provider
	Messenger   Messenger
	MaxAttempts int
	Logger      *zap.SugaredLogger
}

type base struct {
	registry  *registry.Registry
	provider  ai.Provider
	messenger Messenger
	logger    *zap.SugaredLogger
}

func newBase(d Deps, name string) base {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return base{
		registry:  d.Registry,
		provider:  d.Provider,
		messenger: d.Messenger,
		logger:    logger.Named(name),
	}
}

func (b *base) reply(ctx context.Context, msg bus.InboundMessage, text string) error {
	return b.messenger.Send(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: text,
	})
}

func (b *base) replyPhoto(ctx context.Context, msg bus.InboundMessage, url string) error {
	return b.messenger.Send(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Media:   []string{url},
	})
}

// fail logs err, tells the user about it and returns err. Throttling always
// gets the rate limit notice; other errors get notice, or nothing when empty.
func (b *base) fail(ctx context.Context, msg bus.InboundMessage, err error, notice string) error {
	b.logger.Errorw("command failed", "username", msg.Username, "chat", msg.ChatID, "error", err)
	if ai.IsRateLimited(err) {
		notice = MsgRateLimited
	}
	if notice != "" {
		if sendErr := b.reply(ctx, msg, notice); sendErr != nil {
			b.logger.Warnw("failed to send error notice", "chat", msg.ChatID, "error", sendErr)
		}
	}
	return err
}

// Router picks the handler for an inbound message.
type Router struct {
	conversation *Conversation
	behave       *Behave
	imagine      *Imagine
	reimagine    *Reimagine
	analyse      *Analyse
	voice        *Voice
	logger       *zap.SugaredLogger
}

func NewRouter(d Deps) *Router {
	conv := NewConversation(d)
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{
		conversation: conv,
		behave:       NewBehave(d),
		imagine:      NewImagine(d),
		reimagine:    NewReimagine(d),
		analyse:      NewAnalyse(d),
		voice:        NewVoice(d, conv),
		logger:       logger.Named("router"),
	}
}

// Route returns the handler name, the handler and the message with its
// command prefix stripped.
func (r *Router) Route(msg bus.InboundMessage) (string, Handler, bus.InboundMessage) {
	text := msg.Content
	switch {
	case strings.HasPrefix(text, PrefixImagine):
		msg.Content = strings.TrimPrefix(text, PrefixImagine)
		return "imagine", r.imagine, msg
	case text == PrefixReimagine || strings.HasPrefix(text, PrefixReimagine+" "):
		msg.Content = strings.TrimSpace(strings.TrimPrefix(text, PrefixReimagine))
		return "reimagine", r.reimagine, msg
	case strings.HasPrefix(text, PrefixBehave):
		msg.Content = strings.TrimPrefix(text, PrefixBehave)
		return "behave", r.behave, msg
	case msg.Voice != "":
		return "voice", r.voice, msg
	case len(msg.Photos) > 0:
		return "analyse", r.analyse, msg
	default:
		return "conversation", r.conversation, msg
	}
}

func (r *Router) Dispatch(ctx context.Context, msg bus.InboundMessage) error {
	name, h, routed := r.Route(msg)
	r.logger.Debugw("dispatching", "command", name, "username", msg.Username, "chat", msg.ChatID)
	return h.Handle(ctx, routed)
}
