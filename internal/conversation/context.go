// Package conversation keeps a bounded per-user dialogue history and renders it
// into the prompt shape the active model family expects.
package conversation

import (
	"fmt"
	"strings"
)

const (
	DefaultTokensThreshold = 500
	DefaultSpliceThreshold = 250

	DefaultBehaviour = "AI is a chatbot designed to assist users with their inquiries." +
		" Its purpose is to help users find the information they need and answer any questions they may have." +
		" Users are encouraged to describe their issue or question in as much detail as possible, and the chatbot" +
		" will do its best to provide a helpful response."
)

// Variant names the model family a Context is rendered for. It doubles as the
// storage namespace so histories of different families never collide.
type Variant string

const (
	// VariantPlainText renders a single completion prompt ("You: ...\nAI: ").
	VariantPlainText Variant = "davinci"
	// VariantStructured renders role/content chat messages.
	VariantStructured Variant = "turbo"
)

// ParseVariant maps a config value onto a Variant. Empty selects the structured variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(VariantStructured), "chat":
		return VariantStructured, nil
	case string(VariantPlainText), "completion":
		return VariantPlainText, nil
	default:
		return "", fmt.Errorf("unknown context variant %q", s)
	}
}

// Role of a structured message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the structured entry payload.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Prompt is the rendered conversation. Exactly one of Text or Messages is
// meaningful, selected by Variant.
type Prompt struct {
	Variant  Variant
	Text     string
	Messages []Message
}

// Context is the conversation memory of one user. Implementations are not safe
// for concurrent use.
type Context interface {
	Username() string
	Variant() Variant
	Behaviour() string

	// AddUserEntry wraps prompt into the variant's entry shape and appends it.
	AddUserEntry(prompt string)
	// AddBotEntry appends a reply. reportedTokens is the provider's total usage
	// for the turn; values <= 0 mean the provider did not report it.
	AddBotEntry(response string, reportedTokens int)
	// Conversation renders behaviour followed by every retained entry.
	Conversation() Prompt
	// ChangeBehaviour replaces the behaviour and clears every entry.
	ChangeBehaviour(behaviour string)

	Len() int
	Tokens() float64

	// MarshalJSON encodes the full persisted record.
	MarshalJSON() ([]byte, error)
}

// Options configure a new Context. Zero values fall back to defaults.
type Options struct {
	TokensThreshold int
	SpliceThreshold int
	Behaviour       string
	Estimator       Estimator
}

func (o Options) normalized() Options {
	if o.TokensThreshold <= 0 {
		o.TokensThreshold = DefaultTokensThreshold
	}
	if o.SpliceThreshold <= 0 {
		o.SpliceThreshold = DefaultSpliceThreshold
	}
	if o.Behaviour == "" {
		o.Behaviour = DefaultBehaviour
	}
	if o.Estimator == nil {
		o.Estimator = ApproxTokens
	}
	return o
}

// New returns an empty Context of the given variant.
func New(variant Variant, username string, opts Options) (Context, error) {
	switch variant {
	case VariantPlainText:
		return NewPlainText(username, opts), nil
	case VariantStructured:
		return NewStructured(username, opts), nil
	default:
		return nil, fmt.Errorf("unknown context variant %q", variant)
	}
}
