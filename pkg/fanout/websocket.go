package fanout

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/drplane/drplane/pkg/engine"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Message types of the live channel.
const (
	MessageConnected     = "connected"
	MessageAuthenticate  = "authenticate"
	MessageAuthenticated = "authenticated"
	MessageError         = "error"
)

var (
	// ErrSendBufferFull is returned when a subscriber cannot keep up.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrSubscriberClosed is returned when sending to a closed subscriber.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// IdentityResolver extracts the caller identity from an upgrade request. It
// returns nil and no error when the request carries no token.
type IdentityResolver interface {
	IdentityFromRequest(r *http.Request) (*engine.Identity, error)
}

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	// RequireToken rejects upgrade requests without a token.
	RequireToken bool

	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to live event connections.
type Handler struct {
	hub      *Hub
	auth     IdentityResolver
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a WebSocket handler. auth may be nil when tokens are
// not used.
func NewHandler(hub *Hub, auth IdentityResolver, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		hub:    hub,
		auth:   auth,
		cfg:    cfg,
		logger: logger.With().Str("component", "websocket").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *engine.Identity
	if h.auth != nil {
		id, err := h.auth.IdentityFromRequest(r)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = id
	}
	if identity == nil && h.cfg.RequireToken {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:       uuid.New().String(),
		conn:     conn,
		hub:      h.hub,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   h.logger,
	}
	h.logger.Debug().Str("client_id", c.id).Msg("Client connected")

	go c.writePump()
	c.enqueue(outbound{Type: MessageConnected, Message: "Connected to deployment updates"})
	c.readPump()
}

type inbound struct {
	Type     string `json:"type"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

type outbound struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Message  string `json:"message,omitempty"`
}

// client is one WebSocket connection. It implements Subscriber.
type client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	identity *engine.Identity
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   zerolog.Logger
}

func (c *client) ID() string { return c.id }

// Send implements Subscriber.
func (c *client) Send(event engine.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.push(data)
}

func (c *client) push(data []byte) error {
	select {
	case <-c.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *client) enqueue(msg outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.push(data); err != nil {
		c.logger.Debug().Err(err).Str("client_id", c.id).Msg("Control message dropped")
	}
}

// Close implements Subscriber.
func (c *client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.hub.Deregister(c)
		c.Close()
		c.conn.Close()
		c.logger.Debug().Str("client_id", c.id).Msg("Client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Str("client_id", c.id).Msg("Read failed")
			}
			return
		}

		switch msg.Type {
		case MessageAuthenticate:
			c.authenticate(msg)
		default:
			c.enqueue(outbound{Type: MessageError, Message: "unknown message type"})
		}
	}
}

func (c *client) authenticate(msg inbound) {
	if msg.TenantID == "" {
		c.enqueue(outbound{Type: MessageError, Message: "tenantId is required"})
		return
	}
	if c.identity != nil && !c.identity.IsAdmin() && c.identity.TenantID != msg.TenantID {
		c.logger.Warn().
			Str("client_id", c.id).
			Str("token_tenant", c.identity.TenantID).
			Str("requested_tenant", msg.TenantID).
			Msg("Rejected subscription to foreign tenant")
		c.enqueue(outbound{Type: MessageError, Message: "not authorized for tenant"})
		return
	}

	c.hub.Register(msg.TenantID, c)
	c.enqueue(outbound{Type: MessageAuthenticated, ClientID: c.id})
	c.logger.Debug().
		Str("client_id", c.id).
		Str("tenant_id", msg.TenantID).
		Str("user_id", msg.UserID).
		Msg("Client authenticated")
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
