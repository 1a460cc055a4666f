// Package realtime provides WebSocket chat rooms for trades and negotiations
// and a live notification stream per user.
//
// Rooms are keyed "trade:<id>" or "negotiation:<id>" and hold their
// participants. A connected user receives events for every room they take
// part in and every notification addressed to them. Delivery is best-effort:
// slow clients are dropped and nothing here can fail a trade.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/olawolejethro/azariPay-sub002/internal/auth"
	"github.com/olawolejethro/azariPay-sub002/internal/idgen"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

var (
	ErrRoomNotFound   = errors.New("chat room not found")
	ErrNotParticipant = errors.New("user is not a room participant")
	ErrOutboundFull   = errors.New("realtime outbound buffer full")
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventRoomCreated  EventType = "room_created"
	EventChatMessage  EventType = "chat_message"
	EventRoomStatus   EventType = "room_status"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
)

// Event is one message pushed to clients.
type Event struct {
	Type      EventType `json:"type"`
	Room      string    `json:"room,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Message is a chat line. SenderID 0 marks a system message.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	SenderID  int64     `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room is a chat room and its recent history.
type Room struct {
	ID           string         `json:"id"`
	Participants []int64        `json:"participants"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	Messages     []Message      `json:"messages"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	ClosedAt     *time.Time     `json:"closedAt,omitempty"`
}

// closedStatuses end a trade or negotiation room. A closed room is kept for
// the retention period so participants can still read the history.
var closedStatuses = map[string]bool{
	"COMPLETED": true,
	"CANCELLED": true,
	"REJECTED":  true,
	"DECLINED":  true,
	"EXPIRED":   true,
}

const (
	// DefaultRoomRetention is how long a closed room stays readable.
	DefaultRoomRetention = 24 * time.Hour
	roomSweepInterval    = time.Minute
)

func (r *Room) hasParticipant(userID int64) bool {
	return slices.Contains(r.Participants, userID)
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// maxHistory is how many messages a room keeps.
const maxHistory = 200

// maxMessageLength bounds chat text.
const maxMessageLength = 2000

// Client represents a WebSocket connection of one user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
}

type delivery struct {
	event *Event
	users []int64
}

// Hub manages WebSocket connections and chat rooms.
type Hub struct {
	clients    map[*Client]bool
	outbound   chan *delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	roomsMu   sync.RWMutex
	rooms     map[string]*Room
	retention time.Duration
	now       func() time.Time

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		outbound:   make(chan *delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		rooms:      make(map[string]*Room),
		retention:  DefaultRoomRetention,
		now:        time.Now,
	}
}

// WithRoomRetention sets how long closed rooms are kept.
func (h *Hub) WithRoomRetention(d time.Duration) *Hub {
	if d > 0 {
		h.retention = d
	}
	return h
}

// WithClock overrides time.Now.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	sweep := time.NewTicker(roomSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			if n := h.sweepRooms(); n > 0 {
				h.logger.Debug("closed chat rooms evicted", "count", n)
			}

		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case d := <-h.outbound:
			h.totalEvents.Add(1)
			payload := h.serialize(d.event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !slices.Contains(d.users, client.userID) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// sweepRooms drops rooms closed for longer than the retention period and
// returns how many were removed.
func (h *Hub) sweepRooms() int {
	cutoff := h.now().Add(-h.retention)

	h.roomsMu.Lock()
	removed := 0
	for id, room := range h.rooms {
		if room.ClosedAt != nil && room.ClosedAt.Before(cutoff) {
			delete(h.rooms, id)
			removed++
		}
	}
	count := len(h.rooms)
	h.roomsMu.Unlock()

	if removed > 0 {
		metrics.ChatRooms.Set(float64(count))
	}
	return removed
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// publish queues event for the given users without blocking.
func (h *Hub) publish(event *Event, users []int64) error {
	select {
	case h.outbound <- &delivery{event: event, users: users}:
		return nil
	default:
		h.logger.Warn("realtime outbound full, dropping event", "type", event.Type, "room", event.Room)
		return ErrOutboundFull
	}
}

// CreateRoom opens a room for participants. Creating an existing room adds
// any new participants and keeps its history.
func (h *Hub) CreateRoom(_ context.Context, roomID string, participants []int64, details map[string]any) error {
	now := h.now()

	h.roomsMu.Lock()
	room, exists := h.rooms[roomID]
	if !exists {
		room = &Room{ID: roomID, Status: "open", Details: details, CreatedAt: now}
		h.rooms[roomID] = room
	}
	for _, p := range participants {
		if !room.hasParticipant(p) {
			room.Participants = append(room.Participants, p)
		}
	}
	room.UpdatedAt = now
	snapshot := cloneRoom(room)
	count := len(h.rooms)
	h.roomsMu.Unlock()

	metrics.ChatRooms.Set(float64(count))
	if exists {
		return nil
	}
	return h.publish(&Event{Type: EventRoomCreated, Room: roomID, Timestamp: now, Data: snapshot}, snapshot.Participants)
}

// PostMessage appends a chat message. senderID 0 posts as the system.
func (h *Hub) PostMessage(_ context.Context, roomID string, senderID int64, text string) error {
	text = validation.SanitizeString(text, maxMessageLength)
	if text == "" {
		return nil
	}
	msg := Message{ID: idgen.WithPrefix("msg_"), Room: roomID, SenderID: senderID, Text: text, CreatedAt: h.now()}

	h.roomsMu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.roomsMu.Unlock()
		return ErrRoomNotFound
	}
	if senderID != 0 && !room.hasParticipant(senderID) {
		h.roomsMu.Unlock()
		return ErrNotParticipant
	}
	room.Messages = append(room.Messages, msg)
	if len(room.Messages) > maxHistory {
		room.Messages = room.Messages[len(room.Messages)-maxHistory:]
	}
	room.UpdatedAt = msg.CreatedAt
	users := slices.Clone(room.Participants)
	h.roomsMu.Unlock()

	return h.publish(&Event{Type: EventChatMessage, Room: roomID, Timestamp: msg.CreatedAt, Data: msg}, users)
}

// UpdateStatus records the room's current status, e.g. the trade status.
// A closing status starts the room's retention period; a later open status
// (a completed trade that gets disputed) keeps the room.
func (h *Hub) UpdateStatus(_ context.Context, roomID, status string) error {
	now := h.now()

	h.roomsMu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.roomsMu.Unlock()
		return ErrRoomNotFound
	}
	room.Status = status
	room.UpdatedAt = now
	if closedStatuses[status] {
		closedAt := now
		room.ClosedAt = &closedAt
	} else {
		room.ClosedAt = nil
	}
	users := slices.Clone(room.Participants)
	h.roomsMu.Unlock()

	return h.publish(&Event{
		Type:      EventRoomStatus,
		Room:      roomID,
		Timestamp: now,
		Data:      map[string]any{"status": status},
	}, users)
}

// Room returns a copy of a room if userID takes part in it.
func (h *Hub) Room(roomID string, userID int64) (*Room, error) {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.hasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return cloneRoom(room), nil
}

func cloneRoom(r *Room) *Room {
	cp := *r
	cp.Participants = slices.Clone(r.Participants)
	cp.Messages = slices.Clone(r.Messages)
	if r.ClosedAt != nil {
		closedAt := *r.ClosedAt
		cp.ClosedAt = &closedAt
	}
	return &cp
}

// Name identifies the hub as a notification sink.
func (h *Hub) Name() string { return "realtime" }

// Deliver pushes a notification to the user's open connections. Users
// without a connection simply miss the live push.
func (h *Hub) Deliver(_ context.Context, n *notify.Notification) error {
	return h.publish(&Event{Type: EventNotification, Timestamp: n.CreatedAt, Data: n}, []int64{n.UserID})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	clients := len(h.clients)
	h.mu.RUnlock()
	h.roomsMu.RLock()
	rooms := len(h.rooms)
	h.roomsMu.RUnlock()

	return map[string]any{
		"connectedClients": clients,
		"rooms":            rooms,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterProtectedRoutes sets up the live stream and room history routes.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
	r.GET("/rooms/:room", h.GetRoom)
}

// GetRoom handles GET /v1/rooms/:room
func (h *Hub) GetRoom(c *gin.Context) {
	userID, _ := auth.UserID(c)
	room, err := h.Room(c.Param("room"), userID)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
		return
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// HandleWebSocket upgrades an authenticated request to a WebSocket.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user required.",
		})
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(c.Writer, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(c.Writer, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// inbound is a chat message sent by a client.
type inbound struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

// readPump reads chat messages from the WebSocket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Room == "" {
			continue
		}
		if err := c.hub.PostMessage(context.Background(), msg.Room, c.userID, msg.Text); err != nil {
			c.reject(msg.Room, err)
		}
	}
}

func (c *Client) reject(room string, err error) {
	payload := c.hub.serialize(&Event{
		Type:      EventError,
		Room:      room,
		Timestamp: time.Now(),
		Data:      map[string]string{"message": err.Error()},
	})
	select {
	case c.send <- payload:
	default:
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
