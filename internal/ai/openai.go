package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
)

const finishStop = "stop"

type chatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type completions interface {
	New(ctx context.Context, body openai.CompletionNewParams, opts ...option.RequestOption) (*openai.Completion, error)
}

type moderations interface {
	New(ctx context.Context, body openai.ModerationNewParams, opts ...option.RequestOption) (*openai.ModerationNewResponse, error)
}

type images interface {
	Generate(ctx context.Context, body openai.ImageGenerateParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
	NewVariation(ctx context.Context, body openai.ImageNewVariationParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

type transcribeFunc func(ctx context.Context, body openai.AudioTranscriptionNewParams) (string, error)

// OpenAI implements Provider on the OpenAI REST API. Plain-text prompts go to
// the legacy completions endpoint, structured prompts to chat completions.
type OpenAI struct {
	cfg    config.ProviderConfig
	logger *zap.SugaredLogger

	chat        chatCompletions
	completions completions
	moderations moderations
	images      images
	transcribe  transcribeFunc
}

func NewOpenAI(cfg config.ProviderConfig, logger *zap.SugaredLogger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAI{
		cfg:         cfg,
		logger:      logger,
		chat:        &client.Chat.Completions,
		completions: &client.Completions,
		moderations: &client.Moderations,
		images:      &client.Images,
		transcribe: func(ctx context.Context, body openai.AudioTranscriptionNewParams) (string, error) {
			resp, err := client.Audio.Transcriptions.New(ctx, body)
			if err != nil {
				return "", err
			}
			return resp.Text, nil
		},
	}, nil
}

func (p *OpenAI) GenerateAnswer(ctx context.Context, prompt conversation.Prompt, username string) (Answer, error) {
	switch prompt.Variant {
	case conversation.VariantPlainText:
		return p.complete(ctx, prompt.Text, username)
	case conversation.VariantStructured:
		return p.chatComplete(ctx, prompt.Messages, username)
	default:
		return Answer{}, fmt.Errorf("unsupported prompt variant %q", prompt.Variant)
	}
}

func (p *OpenAI) complete(ctx context.Context, text, username string) (Answer, error) {
	params := openai.CompletionNewParams{
		Model:            openai.CompletionNewParamsModel(p.cfg.Model),
		Prompt:           openai.CompletionNewParamsPromptUnion{OfString: openai.String(text)},
		MaxTokens:        openai.Int(int64(p.cfg.MaxTokens)),
		Temperature:      openai.Float(p.cfg.Temperature),
		FrequencyPenalty: openai.Float(p.cfg.FrequencyPenalty),
		PresencePenalty:  openai.Float(p.cfg.PresencePenalty),
	}
	if username != "" {
		params.User = openai.String(username)
	}

	resp, err := p.completions.New(ctx, params)
	if err != nil {
		return Answer{}, classify("create completion", err)
	}
	p.logger.Debugw("completion response", "id", resp.ID, "choices", len(resp.Choices), "total_tokens", resp.Usage.TotalTokens)

	choices := make([]choice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = choice{text: c.Text, finishReason: string(c.FinishReason)}
	}
	return Answer{Text: p.pickChoice(choices), TotalTokens: int(resp.Usage.TotalTokens)}, nil
}

func (p *OpenAI) chatComplete(ctx context.Context, messages []conversation.Message, username string) (Answer, error) {
	params := openai.ChatCompletionNewParams{
		Model:            shared.ChatModel(p.cfg.Model),
		Messages:         toChatMessages(messages),
		MaxTokens:        openai.Int(int64(p.cfg.MaxTokens)),
		Temperature:      openai.Float(p.cfg.Temperature),
		FrequencyPenalty: openai.Float(p.cfg.FrequencyPenalty),
		PresencePenalty:  openai.Float(p.cfg.PresencePenalty),
	}
	if username != "" {
		params.User = openai.String(username)
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return Answer{}, classify("create chat completion", err)
	}
	p.logger.Debugw("chat completion response", "id", resp.ID, "choices", len(resp.Choices), "total_tokens", resp.Usage.TotalTokens)

	return Answer{Text: p.pickChoice(chatChoices(resp)), TotalTokens: int(resp.Usage.TotalTokens)}, nil
}

func toChatMessages(messages []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case conversation.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func chatChoices(resp *openai.ChatCompletion) []choice {
	choices := make([]choice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = choice{text: c.Message.Content, finishReason: string(c.FinishReason)}
	}
	return choices
}

type choice struct {
	text         string
	finishReason string
}

// pickChoice returns the text of the first choice that finished with "stop",
// falling back to the first choice. A truncated answer is logged.
func (p *OpenAI) pickChoice(choices []choice) string {
	if len(choices) == 0 {
		return ""
	}
	sort.SliceStable(choices, func(i, j int) bool {
		return choices[i].finishReason == finishStop && choices[j].finishReason != finishStop
	})
	best := choices[0]
	if best.finishReason != finishStop {
		p.logger.Warnw("failed to fully generate the message", "reason", best.finishReason)
	}
	return best.text
}

func (p *OpenAI) IsProhibited(ctx context.Context, text string) (bool, error) {
	resp, err := p.moderations.New(ctx, openai.ModerationNewParams{
		Model: openai.ModerationModelOmniModerationLatest,
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return false, classify("create moderation", err)
	}
	for _, result := range resp.Results {
		if result.Flagged {
			p.logger.Debugw("moderation flagged input", "id", resp.ID)
			return true, nil
		}
	}
	return false, nil
}

func (p *OpenAI) GenerateImage(ctx context.Context, prompt string) (string, error) {
	resp, err := p.images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(p.cfg.ImageModel),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize1024x1024,
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return "", classify("generate image", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return NotGenerated, nil
	}
	return resp.Data[0].URL, nil
}

func (p *OpenAI) GenerateVariation(ctx context.Context, png []byte) (string, error) {
	resp, err := p.images.NewVariation(ctx, openai.ImageNewVariationParams{
		Image:          openai.File(bytes.NewReader(png), "image.png", "image/png"),
		N:              openai.Int(1),
		Size:           openai.ImageNewVariationParamsSize1024x1024,
		ResponseFormat: openai.ImageNewVariationParamsResponseFormatURL,
	})
	if err != nil {
		return "", classify("create image variation", err)
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].URL, nil
}

func (p *OpenAI) AnalyseImage(ctx context.Context, caption string, image []byte) (string, error) {
	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := p.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.cfg.VisionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(caption),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		MaxTokens: openai.Int(int64(p.cfg.MaxTokens)),
	})
	if err != nil {
		return "", classify("analyse image", err)
	}
	return p.pickChoice(chatChoices(resp)), nil
}

func (p *OpenAI) SpeechToText(ctx context.Context, audio []byte, filename string) (string, error) {
	contentType := "audio/ogg"
	if ext := strings.ToLower(filepath.Ext(filename)); ext == ".mp3" {
		contentType = "audio/mpeg"
	}
	text, err := p.transcribe(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), filename, contentType),
		Model: openai.AudioModel(p.cfg.TranscriptionModel),
	})
	if err != nil {
		return "", classify("transcribe audio", err)
	}
	return text, nil
}

// classify wraps err and marks provider throttling with ErrRateLimited.
func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(apiErr.Message, "Rate limit reached") {
			return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
