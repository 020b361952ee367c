package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rendis/hero/internal/dispatch"
	"github.com/rendis/hero/internal/logging"
	"github.com/rendis/hero/pkg/schema"
)

// Socket frame events.
const (
	EventAction = "action"
	EventPing   = "ping"
	EventPong   = "pong"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// ReadLimit caps a single inbound frame. Zero means 64 KiB.
	ReadLimit int64 `json:"read_limit"`

	// PingInterval is how often the server pings idle sockets. Zero disables it.
	PingInterval time.Duration `json:"ping_interval"`

	// AllowedOrigins lists accepted Origin headers. Empty accepts same-host only.
	AllowedOrigins []string `json:"allowed_origins"`

	Welcome string `json:"welcome"`
}

// Frame is an inbound socket message.
type Frame struct {
	Event     string         `json:"event"`
	Params    map[string]any `json:"params,omitempty"`
	MessageID any            `json:"messageId,omitempty"`
}

// WebSocketHandler upgrades connections and dispatches action frames. Frames on one
// socket are processed in order.
type WebSocketHandler struct {
	d        *dispatch.Dispatcher
	cfg      WebSocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	wg sync.WaitGroup
}

// NewWebSocketHandler creates a WebSocketHandler.
func NewWebSocketHandler(d *dispatch.Dispatcher, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHandler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if cfg.Welcome == "" {
		cfg.Welcome = "Hello! Welcome to the hero api"
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{d: d, cfg: cfg, logger: logger}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed["*"] || allowed[r.Header.Get("Origin")]
		}
	}
	return h
}

// Wait blocks until every open socket has been closed.
func (h *WebSocketHandler) Wait() {
	h.wg.Wait()
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()
	defer c.Close()

	id := uuid.New().String()
	host, port := splitRemote(r.RemoteAddr)
	ctx := logging.WithConnectionID(r.Context(), id)
	logger := logging.LogWith(ctx, h.logger)

	c.SetReadLimit(h.cfg.ReadLimit)

	stop := make(chan struct{})
	defer close(stop)
	if h.cfg.PingInterval > 0 {
		go h.keepalive(c, stop)
	}

	if err := c.WriteJSON(map[string]any{
		"context":     "api",
		"welcome":     h.cfg.Welcome,
		"id":          id,
		"fingerprint": id,
	}); err != nil {
		return
	}
	logger.Debug("websocket connected", slog.String("remote_address", host))

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			break
		}

		out := h.handleFrame(ctx, message, dispatch.Request{
			Type:          schema.ConnectionWebSocket,
			RemoteAddress: host,
			RemotePort:    port,
			Fingerprint:   id,
			RawConnection: c,
		})
		if err := c.WriteJSON(out); err != nil {
			logger.Warn("websocket write failed", slog.String("error", err.Error()))
			break
		}
	}
	logger.Debug("websocket disconnected")
}

// handleFrame turns one inbound message into the reply frame.
func (h *WebSocketHandler) handleFrame(ctx context.Context, message []byte, base dispatch.Request) map[string]any {
	var f Frame
	if err := json.Unmarshal(message, &f); err != nil {
		return map[string]any{
			"context": "response",
			"error":   "Error: frame must be a JSON object",
		}
	}

	switch f.Event {
	case EventAction:
		base.Params = f.Params
		if f.MessageID != nil {
			base.MessageID = messageIDString(f.MessageID)
		}
		res := h.d.Dispatch(ctx, base)
		out := map[string]any(res.Envelope)
		out["context"] = "response"
		if f.MessageID != nil {
			out["messageId"] = f.MessageID
		}
		return out

	case EventPing:
		out := map[string]any{"context": "response", "event": EventPong, "error": "OK"}
		if f.MessageID != nil {
			out["messageId"] = f.MessageID
		}
		return out

	default:
		out := map[string]any{
			"context": "response",
			"error":   "Error: unknown event " + quote(f.Event),
		}
		if f.MessageID != nil {
			out["messageId"] = f.MessageID
		}
		return out
	}
}

func (h *WebSocketHandler) keepalive(c *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.PingInterval)
			if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func messageIDString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
