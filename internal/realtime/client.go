package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/apperr"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	maxMessage   = 16 * 1024
	opTimeout    = 10 * time.Second
)

// Roles carried in the access token.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection to a session.
type Client struct {
	ID          string
	SessionID   int64
	SessionCode string
	PersonID    int64
	Role        string
	ConnectedAt time.Time
	hub         *Hub
	conn        *websocket.Conn
	send        chan WSMessage
	closed      atomic.Bool
	logger      *zap.Logger
}

// NewClient creates a connection record that is not yet bound to a transport.
func NewClient(session *models.Session, personID int64, role string) *Client {
	return &Client{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		SessionCode: session.Code,
		PersonID:    personID,
		Role:        role,
		ConnectedAt: time.Now(),
		send:        make(chan WSMessage, sendBuffer),
		logger:      zap.NewNop(),
	}
}

// Outbound exposes the messages queued for the write pump.
func (c *Client) Outbound() <-chan WSMessage {
	return c.send
}

// IsStudent reports whether the connection belongs to a session participant.
func (c *Client) IsStudent() bool {
	return c.Role == RoleStudent
}

func (c *Client) enqueue(msg WSMessage) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Identity is what a validated access token says about the caller.
type Identity struct {
	PersonID int64
	Role     string
}

// Presence is notified of connection lifecycle and liveness.
type Presence interface {
	Attach(ctx context.Context, c *Client) error
	Detach(ctx context.Context, c *Client)
	Heartbeat(ctx context.Context, c *Client)
	Leave(ctx context.Context, c *Client)
}

// WSConfig wires ServeWs to the rest of the server.
type WSConfig struct {
	Hub            *Hub
	Presence       Presence
	Logger         *zap.Logger
	Validate       func(token string) (Identity, error)
	ResolveSession func(ctx context.Context, code string) (*models.Session, error)
	Submit         func(ctx context.Context, c *Client, msg ResponseMessage) (*models.PollResponse, error)
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(cfg WSConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		code := c.Query("session")
		token := c.Query("token")
		if code == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session and token required"})
			return
		}
		id, err := cfg.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		session, err := cfg.ResolveSession(c.Request.Context(), code)
		if err != nil {
			e := apperr.Convert(err)
			c.JSON(e.HTTPStatusCode(), gin.H{"error": e.Message})
			return
		}
		if !session.IsActive {
			c.JSON(http.StatusForbidden, gin.H{"error": "session is not active"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(session, id.PersonID, id.Role)
		client.hub = cfg.Hub
		client.conn = conn
		client.logger = logger

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err = cfg.Presence.Attach(ctx, client)
		cancel()
		if err != nil {
			logger.Warn("attach failed", zap.String("session_code", code), zap.Error(err))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "attach failed"))
			_ = conn.Close()
			return
		}
		go client.writePump()
		client.readPump(cfg)
	}
}

func (c *Client) readPump(cfg WSConfig) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		cfg.Presence.Detach(ctx, c)
		cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		switch msg.Event {
		case EventHeartbeat:
			cfg.Presence.Heartbeat(ctx, c)
		case EventPollResponse:
			c.handleResponse(ctx, cfg, msg.Data)
		case EventLeave:
			cfg.Presence.Leave(ctx, c)
			cancel()
			return
		default:
			// ignore
		}
		cancel()
	}
}

func (c *Client) handleResponse(ctx context.Context, cfg WSConfig, data json.RawMessage) {
	var req ResponseMessage
	if err := json.Unmarshal(data, &req); err != nil || req.PollID == 0 {
		c.hub.SendToClient(c.SessionCode, c.ID, EventError, gin.H{"error": "invalid poll-response"})
		return
	}
	resp, err := cfg.Submit(ctx, c, req)
	if err != nil {
		var e *apperr.Error
		if !errors.As(err, &e) || e.Code == apperr.CodeInternal {
			c.logger.Error("submit response", zap.Int64("poll_id", req.PollID), zap.Error(err))
		}
		ae := apperr.Convert(err)
		c.hub.SendToClient(c.SessionCode, c.ID, EventResponseRejected, RejectedPayload{
			PollID: req.PollID, Reason: ae.Reason, Error: ae.Message,
		})
		return
	}
	resp.IsCorrect = nil
	c.hub.SendToClient(c.SessionCode, c.ID, EventResponseAccepted, resp)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
