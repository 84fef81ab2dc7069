package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
)

type fakeChat struct {
	resp  *openai.ChatCompletion
	err   error
	last  openai.ChatCompletionNewParams
	calls int
}

func (f *fakeChat) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.calls++
	f.last = body
	return f.resp, f.err
}

type fakeCompletions struct {
	resp *openai.Completion
	err  error
	last openai.CompletionNewParams
}

func (f *fakeCompletions) New(_ context.Context, body openai.CompletionNewParams, _ ...option.RequestOption) (*openai.Completion, error) {
	f.last = body
	return f.resp, f.err
}

type fakeModerations struct {
	resp *openai.ModerationNewResponse
	err  error
	last openai.ModerationNewParams
}

func (f *fakeModerations) New(_ context.Context, body openai.ModerationNewParams, _ ...option.RequestOption) (*openai.ModerationNewResponse, error) {
	f.last = body
	return f.resp, f.err
}

type fakeImages struct {
	resp          *openai.ImagesResponse
	err           error
	lastGenerate  openai.ImageGenerateParams
	variationSeen bool
}

func (f *fakeImages) Generate(_ context.Context, body openai.ImageGenerateParams, _ ...option.RequestOption) (*openai.ImagesResponse, error) {
	f.lastGenerate = body
	return f.resp, f.err
}

func (f *fakeImages) NewVariation(_ context.Context, _ openai.ImageNewVariationParams, _ ...option.RequestOption) (*openai.ImagesResponse, error) {
	f.variationSeen = true
	return f.resp, f.err
}

func testConfig() config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:             "sk-test",
		Model:              "gpt-4o-mini",
		VisionModel:        "gpt-4o",
		ImageModel:         "dall-e-3",
		TranscriptionModel: "whisper-1",
		MaxTokens:          256,
		Temperature:        1,
		FrequencyPenalty:   1,
	}
}

func newTestProvider() *OpenAI {
	return &OpenAI{cfg: testConfig(), logger: zap.NewNop().Sugar()}
}

func apiError(status int, message string) *openai.Error {
	req := httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	return &openai.Error{
		StatusCode: status,
		Message:    message,
		Request:    req,
		Response:   &http.Response{StatusCode: status, Request: req},
	}
}

func TestNewOpenAI_RequiresKey(t *testing.T) {
	if _, err := NewOpenAI(config.ProviderConfig{}, nil); err == nil {
		t.Fatal("expected error without api key")
	}
	p, err := NewOpenAI(testConfig(), nil)
	if err != nil {
		t.Fatalf("NewOpenAI error: %v", err)
	}
	if p.chat == nil || p.completions == nil || p.moderations == nil || p.images == nil || p.transcribe == nil {
		t.Error("services not wired")
	}
}

func TestGenerateAnswer_Structured(t *testing.T) {
	p := newTestProvider()
	chat := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{FinishReason: "stop", Message: openai.ChatCompletionMessage{Content: "Hello there"}},
		},
		Usage: openai.CompletionUsage{TotalTokens: 42},
	}}
	p.chat = chat

	c := conversation.NewStructured("alice", conversation.Options{})
	c.AddUserEntry("hi")
	c.AddBotEntry("hey", 0)
	c.AddUserEntry("how are you")

	answer, err := p.GenerateAnswer(context.Background(), c.Conversation(), "alice")
	if err != nil {
		t.Fatalf("GenerateAnswer error: %v", err)
	}
	if answer.Text != "Hello there" || answer.TotalTokens != 42 {
		t.Errorf("answer = %+v", answer)
	}
	if len(chat.last.Messages) != 4 {
		t.Errorf("messages = %d, want 4", len(chat.last.Messages))
	}
	if string(chat.last.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q", chat.last.Model)
	}
	if chat.last.User.Value != "alice" {
		t.Errorf("user = %q", chat.last.User.Value)
	}
	if chat.last.MaxTokens.Value != 256 {
		t.Errorf("max tokens = %d", chat.last.MaxTokens.Value)
	}
}

func TestGenerateAnswer_PlainText(t *testing.T) {
	p := newTestProvider()
	comp := &fakeCompletions{resp: &openai.Completion{
		Choices: []openai.CompletionChoice{{Text: " I'm fine", FinishReason: "stop"}},
		Usage:   openai.CompletionUsage{TotalTokens: 7},
	}}
	p.completions = comp

	c := conversation.NewPlainText("bob", conversation.Options{Behaviour: "Be nice."})
	c.AddUserEntry("how are you")

	answer, err := p.GenerateAnswer(context.Background(), c.Conversation(), "bob")
	if err != nil {
		t.Fatalf("GenerateAnswer error: %v", err)
	}
	if answer.Text != " I'm fine" || answer.TotalTokens != 7 {
		t.Errorf("answer = %+v", answer)
	}
	want := "Be nice.\n\nYou: how are you\nAI: "
	if got := comp.last.Prompt.OfString.Value; got != want {
		t.Errorf("prompt = %q, want %q", got, want)
	}
}

func TestGenerateAnswer_UnknownVariant(t *testing.T) {
	p := newTestProvider()
	if _, err := p.GenerateAnswer(context.Background(), conversation.Prompt{Variant: "curie"}, "x"); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}

func TestPickChoice(t *testing.T) {
	p := newTestProvider()
	tests := []struct {
		name    string
		choices []choice
		want    string
	}{
		{"empty", nil, ""},
		{"stop preferred", []choice{{"cut", "length"}, {"full", "stop"}}, "full"},
		{"first stop wins", []choice{{"a", "stop"}, {"b", "stop"}}, "a"},
		{"no stop falls back", []choice{{"partial", "length"}, {"other", "content_filter"}}, "partial"},
		{"empty text", []choice{{"", "stop"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.pickChoice(tt.choices); got != tt.want {
				t.Errorf("pickChoice = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsProhibited(t *testing.T) {
	p := newTestProvider()
	mod := &fakeModerations{resp: &openai.ModerationNewResponse{
		Results: []openai.Moderation{{Flagged: false}, {Flagged: true}},
	}}
	p.moderations = mod

	flagged, err := p.IsProhibited(context.Background(), "bad words")
	if err != nil {
		t.Fatalf("IsProhibited error: %v", err)
	}
	if !flagged {
		t.Error("expected flagged")
	}
	if mod.last.Input.OfString.Value != "bad words" {
		t.Errorf("input = %q", mod.last.Input.OfString.Value)
	}

	mod.resp = &openai.ModerationNewResponse{Results: []openai.Moderation{{Flagged: false}}}
	flagged, err = p.IsProhibited(context.Background(), "kind words")
	if err != nil || flagged {
		t.Errorf("IsProhibited = %v, %v", flagged, err)
	}
}

func TestRateLimitClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		limited bool
	}{
		{"429", apiError(http.StatusTooManyRequests, "slow down"), true},
		{"message prefix", apiError(http.StatusBadRequest, "Rate limit reached for requests"), true},
		{"server error", apiError(http.StatusInternalServerError, "boom"), false},
		{"transport", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider()
			p.chat = &fakeChat{err: tt.err}
			_, err := p.GenerateAnswer(context.Background(), conversation.Prompt{Variant: conversation.VariantStructured}, "u")
			if err == nil {
				t.Fatal("expected error")
			}
			if IsRateLimited(err) != tt.limited {
				t.Errorf("IsRateLimited = %v, want %v (err: %v)", IsRateLimited(err), tt.limited, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("original error not wrapped")
			}
		})
	}
}

func TestGenerateImage(t *testing.T) {
	p := newTestProvider()
	img := &fakeImages{resp: &openai.ImagesResponse{Data: []openai.Image{{URL: "https://img/1.png"}}}}
	p.images = img

	url, err := p.GenerateImage(context.Background(), "a cat")
	if err != nil {
		t.Fatalf("GenerateImage error: %v", err)
	}
	if url != "https://img/1.png" {
		t.Errorf("url = %q", url)
	}
	if img.lastGenerate.Prompt != "a cat" || img.lastGenerate.N.Value != 1 {
		t.Errorf("params = %+v", img.lastGenerate)
	}

	img.resp = &openai.ImagesResponse{}
	url, err = p.GenerateImage(context.Background(), "a dog")
	if err != nil || url != NotGenerated {
		t.Errorf("GenerateImage = %q, %v; want %q", url, err, NotGenerated)
	}
}

func TestGenerateVariation(t *testing.T) {
	p := newTestProvider()
	img := &fakeImages{resp: &openai.ImagesResponse{Data: []openai.Image{{URL: "https://img/v.png"}}}}
	p.images = img

	url, err := p.GenerateVariation(context.Background(), []byte("\x89PNG"))
	if err != nil {
		t.Fatalf("GenerateVariation error: %v", err)
	}
	if url != "https://img/v.png" || !img.variationSeen {
		t.Errorf("url = %q seen = %v", url, img.variationSeen)
	}

	img.err = apiError(http.StatusBadRequest, "invalid image")
	if _, err := p.GenerateVariation(context.Background(), nil); err == nil {
		t.Error("expected error")
	}
}

func TestAnalyseImage(t *testing.T) {
	p := newTestProvider()
	chat := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{FinishReason: "stop", Message: openai.ChatCompletionMessage{Content: "A cat on a mat"}}},
	}}
	p.chat = chat

	got, err := p.AnalyseImage(context.Background(), "What’s in this image?", []byte{0xFF, 0xD8, 0xFF, 0xE0})
	if err != nil {
		t.Fatalf("AnalyseImage error: %v", err)
	}
	if got != "A cat on a mat" {
		t.Errorf("got %q", got)
	}
	if string(chat.last.Model) != "gpt-4o" {
		t.Errorf("model = %q, want vision model", chat.last.Model)
	}
	if len(chat.last.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(chat.last.Messages))
	}
}

func TestSpeechToText(t *testing.T) {
	p := newTestProvider()
	var model string
	p.transcribe = func(_ context.Context, body openai.AudioTranscriptionNewParams) (string, error) {
		model = string(body.Model)
		return "hello world", nil
	}

	text, err := p.SpeechToText(context.Background(), []byte("OggS"), "voice.oga")
	if err != nil {
		t.Fatalf("SpeechToText error: %v", err)
	}
	if text != "hello world" || model != "whisper-1" {
		t.Errorf("text = %q model = %q", text, model)
	}

	p.transcribe = func(context.Context, openai.AudioTranscriptionNewParams) (string, error) {
		return "", apiError(http.StatusTooManyRequests, "slow down")
	}
	if _, err := p.SpeechToText(context.Background(), nil, "voice.oga"); !IsRateLimited(err) {
		t.Errorf("expected rate limit error, got %v", err)
	}
}
