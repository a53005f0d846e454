package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kursadbilgin/realtime-gate/internal/domain"
	"github.com/kursadbilgin/realtime-gate/internal/registry"
	"go.uber.org/zap"
)

const (
	writeTimeout      = 5 * time.Second
	defaultSendBuffer = 64
)

var _ registry.Transport = (*Hub)(nil)

// Hub tracks live sockets and their broadcast groups. It is the registry's
// Transport: every method returns without waiting on a socket.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	groups  map[string]map[string]struct{}

	sendBuffer int
	logger     *zap.Logger
}

func NewHub(sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*client),
		groups:     make(map[string]map[string]struct{}),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

func (h *Hub) JoinGroup(group string, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[channelID]; !ok {
		return fmt.Errorf("%w: channel %s is not connected", domain.ErrNotFound, channelID)
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[channelID] = struct{}{}
	return nil
}

func (h *Hub) LeaveGroup(group string, channelID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(group, channelID)
	return nil
}

// SendToGroup encodes payload once and queues it on every member socket.
// A socket whose queue is full misses the frame.
func (h *Hub) SendToGroup(ctx context.Context, group string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for channelID := range h.groups[group] {
		c, ok := h.clients[channelID]
		if !ok {
			continue
		}
		if !c.enqueue(data) {
			h.logger.Debug("send queue full, frame dropped",
				zap.String("group", group),
				zap.String("channelId", channelID),
			)
		}
	}
	return nil
}

// Disconnect asks the socket behind channelID to close. Unknown channels are
// treated as already gone.
func (h *Hub) Disconnect(channelID string) error {
	h.mu.RLock()
	c, ok := h.clients[channelID]
	h.mu.RUnlock()

	if ok {
		c.shutdown(websocket.CloseNormalClosure, "disconnected by server")
	}
	return nil
}

// Connections returns the number of attached sockets.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every attached socket.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) detach(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, channelID)
	for group := range h.groups {
		h.leaveLocked(group, channelID)
	}
}

func (h *Hub) leaveLocked(group string, channelID string) {
	members, ok := h.groups[group]
	if !ok {
		return
	}
	delete(members, channelID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) newClient(channelID string, userID string, conn *websocket.Conn) *client {
	return &client{
		id:     channelID,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) enqueueJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writeLoop is the only writer of data frames on the socket.
func (c *client) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			return
		}
	}
}
