package conversation

import (
	"encoding/json"
	"fmt"
)

// record is the persisted shape of a Context. Field names match records
// written by earlier deployments so existing histories keep loading.
type record[T any] struct {
	Username        string     `json:"username"`
	Entries         []Entry[T] `json:"_conversationContext"`
	TokensThreshold int        `json:"_tokensThreshold"`
	SpliceThreshold int        `json:"_spliceThreshold"`
	TotalTokens     int        `json:"_totalTokens"`
	// Behaviour is nil only in records that predate the field; an empty
	// string is a deliberately blank behaviour.
	Behaviour *string `json:"_behaviour"`
}

func (c *PlainText) MarshalJSON() ([]byte, error) {
	return json.Marshal(record[string]{
		Username:        c.username,
		Entries:         c.history.entries,
		TokensThreshold: c.tokensThreshold,
		SpliceThreshold: c.spliceThreshold,
		Behaviour:       &c.behaviour,
	})
}

func (c *Structured) MarshalJSON() ([]byte, error) {
	return json.Marshal(record[Message]{
		Username:        c.username,
		Entries:         c.history.entries,
		TokensThreshold: c.tokensThreshold,
		SpliceThreshold: c.spliceThreshold,
		TotalTokens:     c.totalTokens,
		Behaviour:       &c.behaviour,
	})
}

// Decode rebuilds a Context of the given variant from a persisted record.
// Thresholds missing from the record, and a behaviour field absent from it, are
// taken from opts. The username argument wins over the one stored in the record.
func Decode(variant Variant, username string, data []byte, opts Options) (Context, error) {
	switch variant {
	case VariantPlainText:
		var rec record[string]
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s context for %s: %w", variant, username, err)
		}
		c := NewPlainText(username, rec.options(opts))
		c.history = newHistory(rec.Entries, FIFOPolicy{})
		if rec.Behaviour != nil {
			c.behaviour = *rec.Behaviour
		}
		return c, nil
	case VariantStructured:
		var rec record[Message]
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s context for %s: %w", variant, username, err)
		}
		c := NewStructured(username, rec.options(opts))
		c.history = newHistory(rec.Entries, HalvePolicy{})
		c.totalTokens = rec.TotalTokens
		if rec.Behaviour != nil {
			c.behaviour = *rec.Behaviour
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown context variant %q", variant)
	}
}

func (r record[T]) options(fallback Options) Options {
	opts := fallback
	if r.TokensThreshold > 0 {
		opts.TokensThreshold = r.TokensThreshold
	}
	if r.SpliceThreshold > 0 {
		opts.SpliceThreshold = r.SpliceThreshold
	}
	return opts
}
