// Package ai talks to the text, moderation, image and speech endpoints the bot
// relies on.
package ai

import (
	"context"
	"errors"

	"github.com/stellarlinkco/chatclaw/internal/conversation"
)

// ErrRateLimited is returned when the provider throttles the caller.
var ErrRateLimited = errors.New("rate limit reached")

// NotGenerated is the image link reported when the provider returns no URL.
const NotGenerated = "Not generated"

// Answer is a generated reply and the provider's token usage for the turn.
// TotalTokens is zero when the provider did not report usage.
type Answer struct {
	Text        string
	TotalTokens int
}

// Provider is the AI backend used by the command handlers.
type Provider interface {
	// GenerateAnswer returns the best choice for prompt. An empty Text means
	// the provider produced nothing usable.
	GenerateAnswer(ctx context.Context, prompt conversation.Prompt, username string) (Answer, error)
	// IsProhibited reports whether any moderation result flags text.
	IsProhibited(ctx context.Context, text string) (bool, error)
	// GenerateImage returns the URL of one 1024x1024 image for prompt.
	GenerateImage(ctx context.Context, prompt string) (string, error)
	// GenerateVariation returns the URL of a variation of a PNG image.
	GenerateVariation(ctx context.Context, png []byte) (string, error)
	// AnalyseImage answers caption about image.
	AnalyseImage(ctx context.Context, caption string, image []byte) (string, error)
	// SpeechToText transcribes an audio file.
	SpeechToText(ctx context.Context, audio []byte, filename string) (string, error)
}

// IsRateLimited reports whether err is a provider throttling error.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
