package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMaxMessageBytes = 4096
	defaultInboundRate     = 5
	defaultInboundBurst    = 10

	frameConnected = "connected"
	framePing      = "ping"
	framePong      = "pong"
	frameError     = "error"

	// closeTryAgainLater is RFC 6455 code 1013.
	closeTryAgainLater = 1013

	headerRequestID = "X-Request-ID"
)

// Presence is the registry surface the gateway needs.
type Presence interface {
	AddChannel(userID string, channelID string) error
	RemoveChannel(userID string, channelID string) bool
	Touch(userID string) bool
}

type Config struct {
	MaxMessageBytes int64
	// InboundRate is the sustained number of inbound frames per second per socket.
	InboundRate  float64
	InboundBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.InboundRate <= 0 {
		c.InboundRate = defaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = defaultInboundBurst
	}
	return c
}

// Frame is the JSON control message exchanged with clients. Delivered events
// are written as-is and do not use this shape.
type Frame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId,omitempty"`
	TS        int64  `json:"ts,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler upgrades authenticated requests into registry channels.
type Handler struct {
	hub      *Hub
	presence Presence
	auth     *Authenticator
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(hub *Hub, presence Presence, auth *Authenticator, cfg Config, logger *zap.Logger) (*Handler, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if presence == nil {
		return nil, errors.New("presence is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		hub:      hub,
		presence: presence,
		auth:     auth,
		cfg:      cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}, nil
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": h.hub.Connections(),
	})
}

// ServeWS authenticates, upgrades and serves one socket until it closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(tokenFromRequest(r))
	if err != nil {
		h.logger.Debug("websocket auth rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := observability.WithUserID(r.Context(), userID)
	if requestID := strings.TrimSpace(r.Header.Get(headerRequestID)); requestID != "" {
		ctx = observability.WithCorrelationID(ctx, requestID)
	}
	logger := observability.WithContextLogger(h.logger, ctx)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.serveConn(conn, userID, logger)
}

func (h *Handler) serveConn(conn *websocket.Conn, userID string, logger *zap.Logger) {
	channelID := uuid.NewString()
	c := h.hub.newClient(channelID, userID, conn)
	c.enqueueJSON(Frame{Type: frameConnected, ChannelID: channelID})

	h.hub.attach(c)
	if err := h.presence.AddChannel(userID, channelID); err != nil {
		h.hub.detach(channelID)
		h.reject(conn, logger, err)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	defer func() {
		h.presence.RemoveChannel(userID, channelID)
		h.hub.detach(channelID)
		c.shutdown(websocket.CloseNormalClosure, "")
		<-writerDone
	}()

	logger.Debug("channel connected", zap.String("channelId", channelID))

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	limiter := rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst)

	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", zap.String("channelId", channelID), zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			c.enqueueJSON(Frame{Type: frameError, Error: "rate limited"})
			continue
		}
		h.handleInbound(c, in)
	}
}

func (h *Handler) handleInbound(c *client, in Frame) {
	switch in.Type {
	case framePing:
		h.presence.Touch(c.userID)
		c.enqueueJSON(Frame{Type: framePong, TS: in.TS})
	default:
		c.enqueueJSON(Frame{Type: frameError, Error: "unsupported frame type"})
	}
}

func (h *Handler) reject(conn *websocket.Conn, logger *zap.Logger, err error) {
	defer conn.Close()

	code := websocket.CloseInternalServerErr
	reason := "registration failed"
	if errors.Is(err, domain.ErrCapacityExceeded) {
		code = closeTryAgainLater
		reason = "try again later"
	}

	logger.Warn("channel registration refused", zap.Error(err))
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
