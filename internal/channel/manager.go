package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *zap.SugaredLogger
}

// NewChannelManager registers every channel enabled in cfg.
func NewChannelManager(cfg *config.Config, b *bus.MessageBus, logger *zap.SugaredLogger) (*ChannelManager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logger.Named("channel-mgr"),
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b, logger.Named("telegram"))
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	if cfg.Web.Enabled {
		ch, err := NewWebChannel(cfg.Web, b, logger.Named("web"))
		if err != nil {
			return nil, fmt.Errorf("init web channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and routes outbound messages addressed to it.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			m.logger.Errorw("send failed", "channel", ch.Name(), "chat", msg.ChatID, "error", err)
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Infow("starting channel", "channel", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Infow("stopping channel", "channel", name)
		if err := ch.Stop(); err != nil {
			m.logger.Warnw("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// Download fetches a file attached to a message received on channelName.
func (m *ChannelManager) Download(ctx context.Context, channelName, fileID string) ([]byte, error) {
	ch, ok := m.channels[channelName]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channelName)
	}
	d, ok := ch.(Downloader)
	if !ok {
		return nil, fmt.Errorf("channel %s cannot download files", channelName)
	}
	return d.Download(ctx, fileID)
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
