package conversation

import (
	"regexp"
	"strings"
)

var newlineRun = regexp.MustCompile(`\n+`)

// PlainText is the completion-model context. Entries are pre-formatted
// strings and every append checks the token budget.
type PlainText struct {
	username        string
	behaviour       string
	tokensThreshold int
	spliceThreshold int
	estimate        Estimator
	history         history[string]
}

// NewPlainText returns an empty plain-text context.
func NewPlainText(username string, opts Options) *PlainText {
	opts = opts.normalized()
	return &PlainText{
		username:        username,
		behaviour:       opts.Behaviour,
		tokensThreshold: opts.TokensThreshold,
		spliceThreshold: opts.SpliceThreshold,
		estimate:        opts.Estimator,
		history:         newHistory[string](nil, FIFOPolicy{}),
	}
}

func (c *PlainText) Username() string  { return c.username }
func (c *PlainText) Variant() Variant  { return VariantPlainText }
func (c *PlainText) Behaviour() string { return c.behaviour }
func (c *PlainText) Len() int          { return len(c.history.entries) }
func (c *PlainText) Tokens() float64   { return c.history.tokens() }

// Entries returns a copy of the stored entries, oldest first.
func (c *PlainText) Entries() []Entry[string] { return c.history.snapshot() }

func (c *PlainText) AddUserEntry(prompt string) {
	c.add("You: " + prompt + "\nAI: ")
}

// AddBotEntry removes the first run of newlines from response before storing
// it. Later runs are kept. reportedTokens is ignored by this variant.
func (c *PlainText) AddBotEntry(response string, _ int) {
	c.add(replaceFirst(newlineRun, response, ""))
}

func (c *PlainText) add(value string) {
	tokens := c.estimate(value)
	if tokens+c.history.tokens() > float64(c.tokensThreshold) {
		c.history.trim(float64(c.spliceThreshold))
	}
	c.history.push(tokens, value)
}

func (c *PlainText) Conversation() Prompt {
	values := make([]string, len(c.history.entries))
	for i, e := range c.history.entries {
		values[i] = e.Value
	}
	return Prompt{
		Variant: VariantPlainText,
		Text:    c.behaviour + "\n\n" + strings.Join(values, "\n"),
	}
}

func (c *PlainText) ChangeBehaviour(behaviour string) {
	c.behaviour = behaviour
	c.history.reset()
}

func replaceFirst(re *regexp.Regexp, s, repl string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + repl + s[loc[1]:]
}
