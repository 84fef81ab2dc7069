package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
)

const (
	telegramChannelName = "telegram"
	// Telegram rejects messages over 4096 characters.
	telegramMaxLen = 4000
	// Long poll timeout in seconds.
	pollTimeout = 30
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
	logger     *zap.SugaredLogger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.SugaredLogger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.SugaredLogger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		httpClient:  http.DefaultClient,
		botFactory:  factory,
		logger:      logger,
	}
	return ch, nil
}

// httpClientFor returns the client Bot API calls and downloads go through.
func httpClientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return http.DefaultClient, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}, nil
}

func (t *TelegramChannel) connect() error {
	client, err := httpClientFor(t.proxy)
	if err != nil {
		return err
	}
	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.httpClient, t.bot = client, bot
	t.logger.Infow("authorized", "bot", bot.GetSelf().UserName)
	return nil
}

// Start connects to the Bot API and long polls for messages until ctx is
// done or Stop is called.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.connect(); err != nil {
		return err
	}
	ctx, t.cancel = context.WithCancel(ctx)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = []string{"message"}
	go t.poll(ctx, t.bot.GetUpdatesChan(cfg))

	t.logger.Infow("polling started", "timeout", pollTimeout)
	return nil
}

func (t *TelegramChannel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID, msg.From.UserName) {
		t.logger.Infow("rejected message", "sender", senderID, "username", msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}

	inbound := bus.InboundMessage{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		Username:  msg.From.UserName,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:  msg.Chat.Type,
		MessageID: msg.MessageID,
		Content:   content,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Photos:    photoIDs(msg.Photo),
		Metadata: map[string]any{
			"first_name": msg.From.FirstName,
		},
	}
	if inbound.Username == "" {
		inbound.Username = senderID
	}
	if msg.Voice != nil {
		inbound.Voice = msg.Voice.FileID
	}
	if reply := msg.ReplyToMessage; reply != nil {
		inbound.IsReply = true
		inbound.ReplyPhotos = photoIDs(reply.Photo)
	}

	if content == "" && len(inbound.Photos) == 0 && inbound.Voice == "" {
		return
	}

	if err := t.bus.PublishInbound(ctx, inbound); err != nil {
		t.logger.Warnw("drop inbound message", "sender", senderID, "error", err)
	}
}

func photoIDs(sizes []tgbotapi.PhotoSize) []string {
	if len(sizes) == 0 {
		return nil
	}
	ids := make([]string, len(sizes))
	for i, p := range sizes {
		ids[i] = p.FileID
	}
	return ids
}

// Download fetches the content of a file sent to the bot.
func (t *TelegramChannel) Download(ctx context.Context, fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.token), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}

	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Infow("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}

	if len(msg.Media) > 0 {
		return t.sendPhotos(chatID, msg)
	}

	for _, chunk := range splitMessage(msg.Content, telegramMaxLen) {
		tgMsg := tgbotapi.NewMessage(chatID, toTelegramHTML(chunk))
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = chunk
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

func (t *TelegramChannel) sendPhotos(chatID int64, msg bus.OutboundMessage) error {
	for i, link := range msg.Media {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(link))
		if i == 0 && msg.Content != "" {
			photo.Caption = msg.Content
		}
		if _, err := t.bot.Send(photo); err != nil {
			return fmt.Errorf("send telegram photo: %w", err)
		}
	}
	return nil
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring the last
// newline before the limit.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > 0 {
		chunk := s
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		s = s[len(chunk):]
		chunks = append(chunks, chunk)
	}
	return chunks
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", func(inner string) string {
		// Strip optional language tag on first line
		if nl := strings.Index(inner, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(inner[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				inner = inner[nl+1:]
			}
		}
		return "<pre>" + inner + "</pre>"
	})
	s = replacePairs(s, "`", wrapTag("code"))
	s = replacePairs(s, "**", wrapTag("b"))
	s = replacePairs(s, "*", wrapTag("i"))
	return s
}

func wrapTag(tag string) func(string) string {
	return func(inner string) string {
		return "<" + tag + ">" + inner + "</" + tag + ">"
	}
}

// replacePairs rewrites every closed delim...delim span with render.
func replacePairs(s, delim string, render func(string) string) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		s = s[:start] + render(s[start+len(delim):end]) + s[end+len(delim):]
	}
}
