package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/ai"
	"github.com/stellarlinkco/chatclaw/internal/auth"
	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/channel"
	"github.com/stellarlinkco/chatclaw/internal/command"
	"github.com/stellarlinkco/chatclaw/internal/config"
	"github.com/stellarlinkco/chatclaw/internal/conversation"
	"github.com/stellarlinkco/chatclaw/internal/cron"
	"github.com/stellarlinkco/chatclaw/internal/logging"
	"github.com/stellarlinkco/chatclaw/internal/registry"
	"github.com/stellarlinkco/chatclaw/internal/storage"
)

// PurgeJobName is the cron job that drops cached contexts.
const PurgeJobName = "purge-context-cache"

// ProviderFactory creates the AI provider (allows mocking in tests)
type ProviderFactory func(cfg config.ProviderConfig, logger *zap.SugaredLogger) (ai.Provider, error)

// DefaultProviderFactory creates the OpenAI provider.
func DefaultProviderFactory(cfg config.ProviderConfig, logger *zap.SugaredLogger) (ai.Provider, error) {
	p, err := ai.NewOpenAI(cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options for creating a Gateway
type Options struct {
	ProviderFactory ProviderFactory
	// Store replaces the store opened from cfg.Storage. The gateway does not
	// close an injected store.
	Store storage.Store
	// Messenger replaces bus delivery of replies, e.g. to print them.
	Messenger  command.Messenger
	Logger     *zap.SugaredLogger
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg       *config.Config
	logger    *zap.SugaredLogger
	bus       *bus.MessageBus
	store     storage.Store
	ownsStore bool
	registry  *registry.Registry
	provider  ai.Provider
	acl       *auth.ACL
	channels  *channel.ChannelManager
	cron      *cron.Service
	router    *command.Router

	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	variant, err := conversation.ParseVariant(cfg.Provider.Variant)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		signalChan: opts.SignalChan,
	}

	// Storage
	g.store = opts.Store
	if g.store == nil {
		store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		g.store = store
		g.ownsStore = true
	}

	g.registry = registry.New(g.store, variant, conversation.Options{
		TokensThreshold: cfg.Context.TokensThreshold,
		SpliceThreshold: cfg.Context.SpliceThreshold,
	}, logger.Named("registry"))
	g.acl = auth.NewACL(g.store, cfg.Auth.ACLKey, cfg.Auth.RestrictUsers, logger.Named("auth"))

	// Provider
	factory := opts.ProviderFactory
	if factory == nil {
		factory = DefaultProviderFactory
	}
	provider, err := factory(cfg.Provider, logger.Named("openai"))
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create provider: %w", err)
	}
	g.provider = provider

	// Channels
	chMgr, err := channel.NewChannelManager(cfg, g.bus, logger)
	if err != nil {
		g.closeStore()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	messenger := opts.Messenger
	if messenger == nil {
		messenger = g
	}
	g.router = command.NewRouter(command.Deps{
		Registry:    g.registry,
		Provider:    g.provider,
		Messenger:   messenger,
		MaxAttempts: cfg.Context.MaxAttempts,
		Logger:      logger,
	})

	// Cron
	g.cron = cron.NewService(logger.Named("cron"))
	if cfg.Cache.PurgeSchedule != "" {
		err := g.cron.AddJob(PurgeJobName, cfg.Cache.PurgeSchedule, func(context.Context) (string, error) {
			return fmt.Sprintf("purged %d cached contexts", g.registry.Purge()), nil
		})
		if err != nil {
			g.closeStore()
			return nil, fmt.Errorf("schedule cache purge: %w", err)
		}
	}

	return g, nil
}

// Send queues a reply for delivery on its channel.
func (g *Gateway) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return g.bus.PublishOutbound(ctx, msg)
}

// Download fetches an attachment through the channel it arrived on.
func (g *Gateway) Download(ctx context.Context, channelName, fileID string) ([]byte, error) {
	return g.channels.Download(ctx, channelName, fileID)
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }

func (g *Gateway) Cron() *cron.Service { return g.cron }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Infow("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warnw("cron start failed", "error", err)
	}

	go g.processLoop(ctx)

	g.logger.Infow("running", "variant", g.registry.Variant(), "storage", g.cfg.Storage.Driver)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Infow("shutting down")
	return g.Shutdown()
}

// processLoop handles inbound messages one at a time, so a user's context
// never has two writers in this process.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.HandleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// HandleInbound authorises msg and dispatches it to its command. Failures are
// logged; they never stop the loop.
func (g *Gateway) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	log := g.logger.With("invocation", uuid.NewString(), "channel", msg.Channel, "username", msg.Username)
	log.Infow("inbound message", "chat", msg.ChatID, "content", truncate(msg.Content, 80))

	if _, ok, err := g.acl.Authorize(ctx, msg.Username); err != nil {
		log.Errorw("authorisation failed", "error", err)
		return
	} else if !ok {
		log.Infow("user not authorised")
		return
	}

	if err := g.router.Dispatch(ctx, msg); err != nil {
		log.Errorw("command failed", "error", err)
		return
	}
	log.Debugw("finished response")
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	if err := g.closeStore(); err != nil {
		g.logger.Warnw("close storage failed", "error", err)
	}
	g.logger.Infow("shutdown complete")
	_ = g.logger.Sync()
	return nil
}

func (g *Gateway) closeStore() error {
	if !g.ownsStore || g.store == nil {
		return nil
	}
	g.ownsStore = false
	return g.store.Close()
}

// truncate shortens s to at most n runes so log lines stay valid UTF-8.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
