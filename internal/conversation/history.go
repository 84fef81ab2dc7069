package conversation

// CharactersInToken is the characters-per-token ratio behind ApproxTokens.
const CharactersInToken = 4

// Estimator approximates the token weight of a piece of text.
type Estimator func(text string) float64

// ApproxTokens is len(text)/4, the usual sub-word tokenisation approximation.
func ApproxTokens(text string) float64 {
	return float64(len(text)) / CharactersInToken
}

// Entry is one stored turn.
type Entry[T any] struct {
	Tokens float64 `json:"tokens"`
	Value  T       `json:"value"`
}

// TrimPolicy decides how many leading entries to evict.
type TrimPolicy interface {
	Evict(weights []float64, spliceThreshold float64) int
}

// FIFOPolicy evicts from the oldest entry until at least spliceThreshold
// tokens have been dropped, inclusive of the entry that crosses it. When no
// prefix reaches the threshold only the first entry goes.
type FIFOPolicy struct{}

func (FIFOPolicy) Evict(weights []float64, spliceThreshold float64) int {
	index := 0
	sum := 0.0
	for i, w := range weights {
		sum += w
		if sum >= spliceThreshold {
			index = i
			break
		}
	}
	return index + 1
}

// HalvePolicy evicts everything before the midpoint len/2.
type HalvePolicy struct{}

func (HalvePolicy) Evict(weights []float64, _ float64) int {
	return len(weights) / 2
}

// history is the entry store shared by both variants.
type history[T any] struct {
	entries []Entry[T]
	policy  TrimPolicy
}

func newHistory[T any](entries []Entry[T], policy TrimPolicy) history[T] {
	if entries == nil {
		entries = []Entry[T]{}
	}
	return history[T]{entries: entries, policy: policy}
}

func (h *history[T]) push(tokens float64, value T) {
	h.entries = append(h.entries, Entry[T]{Tokens: tokens, Value: value})
}

func (h *history[T]) tokens() float64 {
	total := 0.0
	for _, e := range h.entries {
		total += e.Tokens
	}
	return total
}

func (h *history[T]) trim(spliceThreshold float64) {
	if len(h.entries) == 0 {
		return
	}
	weights := make([]float64, len(h.entries))
	for i, e := range h.entries {
		weights[i] = e.Tokens
	}
	n := h.policy.Evict(weights, spliceThreshold)
	if n <= 0 {
		return
	}
	if n > len(h.entries) {
		n = len(h.entries)
	}
	kept := make([]Entry[T], len(h.entries)-n)
	copy(kept, h.entries[n:])
	h.entries = kept
}

func (h *history[T]) reset() {
	h.entries = []Entry[T]{}
}

func (h *history[T]) snapshot() []Entry[T] {
	out := make([]Entry[T], len(h.entries))
	copy(out, h.entries)
	return out
}
