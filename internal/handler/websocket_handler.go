package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/convohq/convo/internal/broker"
	"github.com/convohq/convo/internal/cache"
	"github.com/convohq/convo/internal/models"
	"github.com/convohq/convo/internal/repository"
	"github.com/convohq/convo/internal/service"
	"github.com/convohq/convo/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// WSEvent is the frame pushed to connected clients for every room event
// they are entitled to see.
type WSEvent struct {
	EventID    string           `json:"event_id"`
	Type       broker.EventKind `json:"type"`
	RoomID     string           `json:"room_id"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

type wsClientFrame struct {
	Type string `json:"type"`
}

type wsClient struct {
	conn        *websocket.Conn
	userID      uuid.UUID
	username    string
	connectedAt time.Time

	writeMu sync.Mutex // the event loop and the ping loop share the conn
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

type WebSocketHandler struct {
	roomRepo *repository.RoomRepository
	presence *service.PresenceTracker
	cache    *cache.Cache
	broker   broker.EventBroker

	mu        sync.RWMutex
	clients   map[*websocket.Conn]*wsClient
	userConns map[uuid.UUID]int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // add origin check in production
	},
}

func NewWebSocketHandler(
	roomRepo *repository.RoomRepository,
	presence *service.PresenceTracker,
	c *cache.Cache,
	b broker.EventBroker,
) *WebSocketHandler {
	return &WebSocketHandler{
		roomRepo:  roomRepo,
		presence:  presence,
		cache:     c,
		broker:    b,
		clients:   make(map[*websocket.Conn]*wsClient),
		userConns: make(map[uuid.UUID]int),
	}
}

// Run consumes the broker stream and fans events out to connected clients.
// Blocks until the broker channel closes; run it in its own goroutine.
func (h *WebSocketHandler) Run() error {
	events, err := h.broker.Subscribe()
	if err != nil {
		return err
	}
	for ev := range events {
		h.dispatch(ev)
	}
	return nil
}

// dispatch pushes one event to every connected client that is a member of
// the event's room. Membership is answered by the Redis room index, which
// HandleWebSocket rebuilds from the database on connect.
func (h *WebSocketHandler) dispatch(ev broker.Event) {
	frame := WSEvent{
		EventID:    ev.ID,
		Type:       ev.Kind,
		RoomID:     ev.RoomID.String(),
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, cl := range clients {
		member, err := h.cache.SIsMember(ctx, cache.UserRoomsKey(cl.userID.String()), frame.RoomID)
		if err != nil || !member {
			continue
		}
		if err := cl.writeJSON(frame); err != nil {
			logger.Log.Warn("websocket push failed",
				zap.String("user_id", cl.userID.String()),
				zap.String("event_id", frame.EventID),
				zap.Error(err))
		}
	}
}

// HandleWebSocket upgrades the request and keeps the connection until the
// client goes away. The user is online for the lifetime of at least one
// connection; the presence key decays via TTL if heartbeats stop.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:        conn,
		userID:      claims.UserID,
		username:    claims.Username,
		connectedAt: time.Now(),
	}

	h.mu.Lock()
	h.clients[conn] = client
	h.userConns[client.userID]++
	total := len(h.clients)
	h.mu.Unlock()

	ctx := c.Request.Context()
	h.rebuildRoomIndex(ctx, client.userID)
	if err := h.presence.SetStatus(ctx, client.userID, models.StatusOnline); err != nil {
		logger.Log.Warn("failed to mark user online", zap.String("user_id", client.userID.String()), zap.Error(err))
	}

	logger.Log.Info("websocket client connected",
		zap.String("username", client.username),
		zap.Int("total_clients", total))

	defer h.removeClient(client)

	h.readLoop(client)
}

// rebuildRoomIndex reloads the user's room membership set so dispatch can
// answer membership from Redis alone.
func (h *WebSocketHandler) rebuildRoomIndex(ctx context.Context, userID uuid.UUID) {
	ids, err := h.roomRepo.RoomIDsForUser(userID)
	if err != nil {
		logger.Log.Warn("failed to load room index", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	members := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	if len(members) == 0 {
		return
	}
	if err := h.cache.SAdd(ctx, cache.UserRoomsKey(userID.String()), members...); err != nil {
		logger.Log.Warn("failed to rebuild room index", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// readLoop drains client frames. Pongs and explicit heartbeat frames both
// refresh the presence TTL; everything else is ignored.
func (h *WebSocketHandler) readLoop(client *wsClient) {
	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.heartbeat(client.userID)
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(client, done)

	for {
		var frame wsClientFrame
		if err := client.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Warn("websocket read error",
					zap.String("username", client.username),
					zap.Error(err))
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(pongWait))

		if frame.Type == "heartbeat" {
			h.heartbeat(client.userID)
		}
	}
}

func (h *WebSocketHandler) heartbeat(userID uuid.UUID) {
	if err := h.presence.Heartbeat(context.Background(), userID); err != nil {
		logger.Log.Warn("presence heartbeat failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (h *WebSocketHandler) pingLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			client.writeMu.Lock()
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := client.conn.WriteMessage(websocket.PingMessage, nil)
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// removeClient drops the connection. The user goes offline only when their
// last connection closes.
func (h *WebSocketHandler) removeClient(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client.conn)
	h.userConns[client.userID]--
	last := h.userConns[client.userID] <= 0
	if last {
		delete(h.userConns, client.userID)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	client.conn.Close()

	if last {
		if err := h.presence.SetStatus(context.Background(), client.userID, models.StatusOffline); err != nil {
			logger.Log.Warn("failed to mark user offline", zap.String("user_id", client.userID.String()), zap.Error(err))
		}
	}

	logger.Log.Info("websocket client disconnected",
		zap.String("username", client.username),
		zap.Duration("session", time.Since(client.connectedAt).Round(time.Second)),
		zap.Int("remaining_clients", remaining))
}
