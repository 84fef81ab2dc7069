package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stellarlinkco/chatclaw/internal/bus"
	"github.com/stellarlinkco/chatclaw/internal/config"
)

const (
	webChannelName   = "web"
	webUserPrefix    = "web:"
	webWriteTimeout  = 5 * time.Second
	webShutdownDelay = 5 * time.Second
)

// wsMessage is the JSON frame exchanged with web clients in both directions.
type wsMessage struct {
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	Media   []string `json:"media,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	id       string
	username string
}

// WebChannel accepts chats over a websocket at /ws. Every connection is a
// private chat. Usernames are prefixed with "web:" so they never collide with
// Telegram users; a client may choose its own name with ?username= only when
// it also presents the configured ?token=.
type WebChannel struct {
	BaseChannel
	addr   string
	token  string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	clients sync.Map
	nextID  atomic.Int64
}

func NewWebChannel(cfg config.WebConfig, b *bus.MessageBus, logger *zap.SugaredLogger) (*WebChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("web addr is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebChannel{
		BaseChannel: NewBaseChannel(webChannelName, b, cfg.AllowFrom),
		addr:        cfg.Addr,
		token:       cfg.Token,
		logger:      logger,
	}, nil
}

// Handler serves /health and /ws.
func (w *WebChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		w.handleWS(ctx, rw, r)
	})
	return mux
}

func (w *WebChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.addr, err)
	}
	srv := &http.Server{
		Handler:           w.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.mu.Lock()
	w.server, w.listener = srv, ln
	w.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Errorw("server error", "error", err)
		}
	}()
	w.logger.Infow("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (w *WebChannel) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener != nil {
		return w.listener.Addr().String()
	}
	return w.addr
}

// authenticated reports whether the request carries the shared token. With no
// token configured nobody is authenticated.
func (w *WebChannel) authenticated(r *http.Request) bool {
	if w.token == "" {
		return false
	}
	got := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.token)) == 1
}

func (w *WebChannel) handleWS(ctx context.Context, rw http.ResponseWriter, r *http.Request) {
	authed := w.authenticated(r)
	if w.token != "" && !authed {
		http.Error(rw, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		w.logger.Warnw("websocket accept failed", "error", err)
		return
	}

	id := fmt.Sprintf("web-%d", w.nextID.Add(1))
	name := id
	if requested := r.URL.Query().Get("username"); authed && requested != "" {
		name = requested
	}
	client := &wsClient{conn: conn, id: id, username: webUserPrefix + name}
	w.clients.Store(id, client)
	w.logger.Infow("client connected", "client", id, "username", client.username)

	defer func() {
		w.clients.Delete(id)
		_ = conn.CloseNow()
		w.logger.Infow("client disconnected", "client", id)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debugw("ignore malformed frame", "client", id, "error", err)
			continue
		}
		if msg.Type != "message" || msg.Content == "" {
			continue
		}
		if !w.IsAllowed(id) {
			w.logger.Infow("rejected message", "client", id, "username", client.username)
			continue
		}

		inbound := bus.InboundMessage{
			Channel:   webChannelName,
			SenderID:  id,
			Username:  client.username,
			ChatID:    id,
			ChatType:  bus.ChatPrivate,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}
		if err := w.bus.PublishInbound(ctx, inbound); err != nil {
			w.logger.Warnw("drop inbound message", "client", id, "error", err)
			return
		}
	}
}

// Send writes msg to the client whose id is msg.ChatID.
func (w *WebChannel) Send(msg bus.OutboundMessage) error {
	v, ok := w.clients.Load(msg.ChatID)
	if !ok {
		return fmt.Errorf("web client %s not connected", msg.ChatID)
	}
	data, err := json.Marshal(wsMessage{Type: "message", Content: msg.Content, Media: msg.Media})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), webWriteTimeout)
	defer cancel()
	if err := v.(*wsClient).conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to %s: %w", msg.ChatID, err)
	}
	return nil
}

func (w *WebChannel) Stop() error {
	w.mu.Lock()
	srv := w.server
	w.server, w.listener = nil, nil
	w.mu.Unlock()

	w.clients.Range(func(_, v any) bool {
		_ = v.(*wsClient).conn.CloseNow()
		return true
	})
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), webShutdownDelay)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown web server: %w", err)
		}
	}
	w.logger.Infow("stopped")
	return nil
}
