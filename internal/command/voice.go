package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/chatclaw/internal/bus"
)

const voiceFilename = "voice.oga"

// Voice transcribes a voice note and answers it like a typed message.
type Voice struct {
	base
	conversation *Conversation
}

func NewVoice(d Deps, conv *Conversation) *Voice {
	return &Voice{base: newBase(d, "voice"), conversation: conv}
}

func (v *Voice) Handle(ctx context.Context, msg bus.InboundMessage) error {
	audio, err := v.messenger.Download(ctx, msg.Channel, msg.Voice)
	if err != nil {
		return v.fail(ctx, msg, err, MsgVoiceFailed)
	}

	text, err := v.provider.SpeechToText(ctx, audio, voiceFilename)
	if err != nil {
		return v.fail(ctx, msg, err, MsgVoiceFailed)
	}

	answer, err := v.conversation.Converse(ctx, msg.Username, text)
	if err != nil {
		return v.fail(ctx, msg, err, MsgVoiceFailed)
	}
	return v.reply(ctx, msg, formatVoiceReply(msg.Username, text, answer))
}

// formatVoiceReply echoes the transcription in italics above the answer.
func formatVoiceReply(username, text, answer string) string {
	name := strings.ReplaceAll(username, "*", "")
	heard := strings.ReplaceAll(text, "*", "")
	return fmt.Sprintf("*%s: %s*\n%s", name, heard, answer)
}
