package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains session code -> set of connections and fans events out to them.
// Events are also published to Redis so other instances deliver them to their own connections.
type Hub struct {
	// sessionCode -> clientID -> client
	sessions map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	origin   string
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher publishes session events for other instances.
type RedisPublisher interface {
	PublishSessionEvent(sessionCode, origin, event string, payload []byte) error
}

// RedisSubscriber subscribes to a session channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionCode string, handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a hub. redisPub and redisSub may be nil for a single-instance deployment.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		origin:   uuid.NewString(),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Origin identifies this instance on the Redis channel.
func (h *Hub) Origin() string {
	return h.origin
}

// Register adds a client to its session and returns how many live connections its person now holds.
// The first client of a session starts the Redis subscription.
func (h *Hub) Register(c *Client) int {
	h.mu.Lock()
	if h.sessions[c.SessionCode] == nil {
		h.sessions[c.SessionCode] = make(map[string]*Client)
		if h.redisSub != nil {
			code := c.SessionCode
			cancel, err := h.redisSub.SubscribeSession(code, func(origin, event string, payload []byte) {
				if origin == h.origin {
					return
				}
				h.BroadcastLocal(code, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("session_code", code), zap.Error(err))
			} else {
				h.subs[code] = cancel
			}
		}
	}
	h.sessions[c.SessionCode][c.ID] = c
	n := h.personConnsLocked(c.SessionCode, c.PersonID)
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.logger.Debug("client joined session",
		zap.String("client_id", c.ID),
		zap.String("session_code", c.SessionCode),
		zap.Int64("person_id", c.PersonID))
	return n
}

// Unregister removes a client. It reports whether the client was registered and how many
// connections its person still holds. Unknown clients are a no-op.
func (h *Hub) Unregister(c *Client) (removed bool, remaining int) {
	h.mu.Lock()
	m, ok := h.sessions[c.SessionCode]
	if ok {
		if _, removed = m[c.ID]; removed {
			delete(m, c.ID)
			c.closed.Store(true)
		}
		remaining = h.personConnsLocked(c.SessionCode, c.PersonID)
		if len(m) == 0 {
			delete(h.sessions, c.SessionCode)
			if cancel, ok := h.subs[c.SessionCode]; ok {
				cancel()
				delete(h.subs, c.SessionCode)
			}
		}
	}
	h.mu.Unlock()

	if removed {
		metrics.Connections.Dec()
		h.logger.Debug("client left session",
			zap.String("client_id", c.ID),
			zap.String("session_code", c.SessionCode),
			zap.Int("remaining", remaining))
	}
	return removed, remaining
}

func (h *Hub) personConnsLocked(sessionCode string, personID int64) int {
	n := 0
	for _, c := range h.sessions[sessionCode] {
		if c.PersonID == personID {
			n++
		}
	}
	return n
}

// Broadcast delivers an event to this instance's connections of the session and publishes it
// for other instances, which skip it on this instance's origin.
func (h *Hub) Broadcast(sessionCode, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.BroadcastLocal(sessionCode, event, data)
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionCode, h.origin, event, data); err != nil {
			h.logger.Warn("publish session event", zap.String("session_code", sessionCode), zap.String("event", event), zap.Error(err))
		}
	}
}

// BroadcastLocal sends a message to all clients of a session on this instance only.
// A client that cannot accept the message is skipped.
func (h *Hub) BroadcastLocal(sessionCode, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions[sessionCode]))
	for _, c := range h.sessions[sessionCode] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			metrics.FanoutDropped.Inc()
			h.logger.Warn("skipped unsendable connection",
				zap.String("client_id", c.ID),
				zap.String("session_code", sessionCode),
				zap.String("event", event))
		}
	}
}

// SendToClient sends a message to a single client of a session.
func (h *Hub) SendToClient(sessionCode, clientID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	c, ok := h.sessions[sessionCode][clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !c.enqueue(WSMessage{Event: event, Data: data}) {
		metrics.FanoutDropped.Inc()
	}
}

// ConnectionCount returns the number of connections of a session on this instance.
func (h *Hub) ConnectionCount(sessionCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionCode])
}

// PersonConnected reports whether the person holds at least one connection to the session here.
func (h *Hub) PersonConnected(sessionCode string, personID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.personConnsLocked(sessionCode, personID) > 0
}

// Stats returns connection counts per session on this instance.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.sessions))
	for code, m := range h.sessions {
		out[code] = len(m)
	}
	return out
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
