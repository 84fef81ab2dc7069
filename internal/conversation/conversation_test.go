package conversation

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0.0, ApproxTokens(""))
	assert.Equal(t, 0.5, ApproxTokens("hi"))
	assert.Equal(t, 3.0, ApproxTokens("You: hi\nAI: "))
}

func TestOptionsDefaults(t *testing.T) {
	c := NewPlainText("alice", Options{})
	assert.Equal(t, DefaultTokensThreshold, c.tokensThreshold)
	assert.Equal(t, DefaultSpliceThreshold, c.spliceThreshold)
	assert.Equal(t, DefaultBehaviour, c.Behaviour())
	assert.NotNil(t, c.Entries())
	assert.Equal(t, 0, c.Len())
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{"", VariantStructured, false},
		{"turbo", VariantStructured, false},
		{"Davinci", VariantPlainText, false},
		{"completion", VariantPlainText, false},
		{"gpt-9", "", true},
	}
	for _, tt := range tests {
		got, err := ParseVariant(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPlainTextRendering(t *testing.T) {
	c := NewPlainText("alice", Options{Behaviour: "Be brief."})
	c.AddUserEntry("hi")
	c.AddBotEntry("hello", 0)

	assert.Equal(t, "Be brief.\n\nYou: hi\nAI: \nhello", c.Conversation().Text)
	assert.Equal(t, VariantPlainText, c.Conversation().Variant)
}

func TestPlainTextBotEntryStripsFirstNewlineRunOnly(t *testing.T) {
	c := NewPlainText("alice", Options{})
	c.AddBotEntry("\n\nHello\n\nWorld", 0)

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello\n\nWorld", entries[0].Value)
}

func TestPlainTextEmptyPrompt(t *testing.T) {
	c := NewPlainText("alice", Options{})
	c.AddBotEntry("", 0)
	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 0.0, entries[0].Tokens)
}

// Each user entry "hN" renders to a 12 character string, 3 tokens.
func addNumbered(c Context, from, to int) {
	for i := from; i < to; i++ {
		c.AddUserEntry(fmt.Sprintf("h%d", i))
	}
}

func TestPlainTextTrimScenario(t *testing.T) {
	c := NewPlainText("alice", Options{TokensThreshold: 12, SpliceThreshold: 6})

	addNumbered(c, 0, 4)
	require.Equal(t, 4, c.Len())
	require.Equal(t, 12.0, c.Tokens())

	addNumbered(c, 4, 5)
	entries := c.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, 9.0, c.Tokens())
	assert.Equal(t, "You: h2\nAI: ", entries[0].Value)
	assert.Equal(t, "You: h4\nAI: ", entries[2].Value)
}

func TestPlainTextTrimKeepsContiguousSuffix(t *testing.T) {
	c := NewPlainText("alice", Options{TokensThreshold: 12, SpliceThreshold: 6})
	var all []string
	for i := 0; i < 40; i++ {
		before := c.Len()
		wouldExceed := c.Tokens()+3 > 12
		addNumbered(c, i, i+1)
		all = append(all, fmt.Sprintf("You: h%d\nAI: ", i))

		if wouldExceed {
			assert.Less(t, c.Len(), before+1, "append %d should trim", i)
		}
		assert.LessOrEqual(t, c.Tokens(), 12.0)

		entries := c.Entries()
		suffix := all[len(all)-len(entries):]
		for j, e := range entries {
			assert.Equal(t, suffix[j], e.Value)
		}
	}
}

func TestPlainTextTrimFallsBackToFirstEntry(t *testing.T) {
	c := NewPlainText("alice", Options{TokensThreshold: 12, SpliceThreshold: 100})
	addNumbered(c, 0, 5)

	entries := c.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, "You: h1\nAI: ", entries[0].Value)
}

func TestFIFOPolicyEvict(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
		splice  float64
		want    int
	}{
		{"first entry crosses", []float64{10, 1, 1}, 5, 1},
		{"reaches exactly", []float64{2, 2, 2}, 4, 2},
		{"never reached", []float64{1, 1}, 50, 1},
		{"empty", nil, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FIFOPolicy{}.Evict(tt.weights, tt.splice))
		})
	}
}

func TestStructuredRendering(t *testing.T) {
	c := NewStructured("bob", Options{Behaviour: "You are a pirate."})
	c.AddUserEntry("hi")
	c.AddBotEntry("arr", 0)

	p := c.Conversation()
	assert.Equal(t, VariantStructured, p.Variant)
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "You are a pirate."},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "arr"},
	}, p.Messages)
}

func TestStructuredAppendNeverTrimsOnItsOwn(t *testing.T) {
	c := NewStructured("bob", Options{TokensThreshold: 1})
	for i := 0; i < 10; i++ {
		c.AddUserEntry("a long prompt that is well over the threshold")
	}
	assert.Equal(t, 10, c.Len())
}

func TestStructuredHalvesOnReportedUsage(t *testing.T) {
	c := NewStructured("bob", Options{TokensThreshold: 100})
	for i := 0; i < 6; i++ {
		c.AddUserEntry(fmt.Sprintf("m%d", i))
	}
	before := c.Entries()

	c.AddBotEntry("reply", 101)

	after := c.Entries()
	require.Len(t, after, len(before)/2+1)
	assert.Equal(t, before[len(before)/2:], after[:len(after)-1])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "reply"}, after[len(after)-1].Value)
	assert.Equal(t, 101, c.TotalTokens())
}

func TestStructuredUsageAtThresholdDoesNotTrim(t *testing.T) {
	c := NewStructured("bob", Options{TokensThreshold: 100})
	addNumbered(c, 0, 4)
	c.AddBotEntry("reply", 100)
	assert.Equal(t, 5, c.Len())

	c.AddBotEntry("unreported", 0)
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, 100, c.TotalTokens())
}

func TestChangeBehaviourClearsEntries(t *testing.T) {
	for _, variant := range []Variant{VariantPlainText, VariantStructured} {
		t.Run(string(variant), func(t *testing.T) {
			c, err := New(variant, "carol", Options{})
			require.NoError(t, err)
			addNumbered(c, 0, 3)
			c.AddBotEntry("ok", 0)
			require.Equal(t, 4, c.Len())

			c.ChangeBehaviour("Speak like Yoda.")

			assert.Equal(t, 0, c.Len())
			assert.Equal(t, "Speak like Yoda.", c.Behaviour())
			p := c.Conversation()
			if variant == VariantPlainText {
				assert.Equal(t, "Speak like Yoda.\n\n", p.Text)
			} else {
				assert.Equal(t, []Message{{Role: RoleSystem, Content: "Speak like Yoda."}}, p.Messages)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	for _, variant := range []Variant{VariantPlainText, VariantStructured} {
		t.Run(string(variant), func(t *testing.T) {
			opts := Options{TokensThreshold: 12, SpliceThreshold: 6, Behaviour: "Be kind."}
			c, err := New(variant, "dave", opts)
			require.NoError(t, err)
			for i := 0; i < 8; i++ {
				c.AddUserEntry(fmt.Sprintf("q%d", i))
				c.AddBotEntry(fmt.Sprintf("\na%d", i), 20)
			}

			data, err := json.Marshal(c)
			require.NoError(t, err)

			restored, err := Decode(variant, "dave", data, Options{})
			require.NoError(t, err)
			assert.Equal(t, c.Conversation(), restored.Conversation())
			assert.Equal(t, c.Len(), restored.Len())
			assert.Equal(t, c.Tokens(), restored.Tokens())
			assert.Equal(t, "dave", restored.Username())
		})
	}
}

func TestRoundTripKeepsBlankBehaviour(t *testing.T) {
	for _, variant := range []Variant{VariantPlainText, VariantStructured} {
		t.Run(string(variant), func(t *testing.T) {
			c, err := New(variant, "dave", Options{})
			require.NoError(t, err)
			c.ChangeBehaviour("")
			c.AddUserEntry("hi")

			data, err := json.Marshal(c)
			require.NoError(t, err)
			restored, err := Decode(variant, "dave", data, Options{})
			require.NoError(t, err)

			assert.Equal(t, "", restored.Behaviour())
			assert.Equal(t, c.Conversation(), restored.Conversation())
		})
	}
}

func TestRecordFieldNames(t *testing.T) {
	c := NewStructured("erin", Options{TokensThreshold: 40, SpliceThreshold: 20, Behaviour: "b"})
	c.AddUserEntry("hello")
	c.AddBotEntry("hey", 17)

	data, err := c.MarshalJSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "erin", raw["username"])
	assert.Equal(t, 40.0, raw["_tokensThreshold"])
	assert.Equal(t, 20.0, raw["_spliceThreshold"])
	assert.Equal(t, 17.0, raw["_totalTokens"])
	assert.Equal(t, "b", raw["_behaviour"])
	entries, ok := raw["_conversationContext"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, 1.25, first["tokens"])
	assert.Equal(t, map[string]any{"role": "user", "content": "hello"}, first["value"])
}

func TestDecodeLegacyRecord(t *testing.T) {
	data := []byte(`{"username":"frank","_conversationContext":[{"tokens":3,"value":"You: hi\nAI: "}]}`)
	c, err := Decode(VariantPlainText, "frank", data, Options{TokensThreshold: 42})
	require.NoError(t, err)

	pt := c.(*PlainText)
	assert.Equal(t, 42, pt.tokensThreshold)
	assert.Equal(t, DefaultSpliceThreshold, pt.spliceThreshold)
	assert.Equal(t, DefaultBehaviour+"\n\nYou: hi\nAI: ", c.Conversation().Text)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(VariantStructured, "gina", []byte(`{"_conversationContext": "nope"`), Options{})
	assert.Error(t, err)

	_, err = Decode(Variant("other"), "gina", []byte(`{}`), Options{})
	assert.Error(t, err)
}
