package conversation

// Structured is the chat-model context. Entries are role/content messages and
// trimming only happens when the provider reports usage above the threshold.
type Structured struct {
	username        string
	behaviour       string
	tokensThreshold int
	spliceThreshold int
	totalTokens     int
	estimate        Estimator
	history         history[Message]
}

// NewStructured returns an empty structured context.
func NewStructured(username string, opts Options) *Structured {
	opts = opts.normalized()
	return &Structured{
		username:        username,
		behaviour:       opts.Behaviour,
		tokensThreshold: opts.TokensThreshold,
		spliceThreshold: opts.SpliceThreshold,
		estimate:        opts.Estimator,
		history:         newHistory[Message](nil, HalvePolicy{}),
	}
}

func (c *Structured) Username() string  { return c.username }
func (c *Structured) Variant() Variant  { return VariantStructured }
func (c *Structured) Behaviour() string { return c.behaviour }
func (c *Structured) Len() int          { return len(c.history.entries) }
func (c *Structured) Tokens() float64   { return c.history.tokens() }

// TotalTokens is the last usage count the provider reported.
func (c *Structured) TotalTokens() int { return c.totalTokens }

// Entries returns a copy of the stored entries, oldest first.
func (c *Structured) Entries() []Entry[Message] { return c.history.snapshot() }

func (c *Structured) AddUserEntry(prompt string) {
	c.push(Message{Role: RoleUser, Content: prompt})
}

func (c *Structured) AddBotEntry(response string, reportedTokens int) {
	if reportedTokens > 0 {
		c.totalTokens = reportedTokens
		if reportedTokens > c.tokensThreshold {
			c.history.trim(float64(c.spliceThreshold))
		}
	}
	c.push(Message{Role: RoleAssistant, Content: response})
}

func (c *Structured) push(m Message) {
	c.history.push(c.estimate(m.Content), m)
}

func (c *Structured) Conversation() Prompt {
	messages := make([]Message, 0, len(c.history.entries)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: c.behaviour})
	for _, e := range c.history.entries {
		messages = append(messages, e.Value)
	}
	return Prompt{Variant: VariantStructured, Messages: messages}
}

func (c *Structured) ChangeBehaviour(behaviour string) {
	c.behaviour = behaviour
	c.history.reset()
}
