package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulsechat/backend/internal/calls"
	"github.com/pulsechat/backend/internal/models"
	"github.com/pulsechat/backend/internal/signaling"
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

// signalFrame is the inbound "signal" event body.
type signalFrame struct {
	Kind         string  `json:"kind"`
	Payload      string  `json:"payload"`
	TargetUserID *string `json:"target_user_id"`
}

// statusFrame is the inbound "status" event body.
type statusFrame struct {
	IsMuted    *bool `json:"is_muted"`
	IsVideoOff *bool `json:"is_video_off"`
}

// Client represents a single WebSocket connection attached to a call.
type Client struct {
	ID      string
	CallID  string
	UserID  uuid.UUID
	hub     *Hub
	manager *calls.Manager
	relay   *signaling.Relay
	conn    *websocket.Conn
	send    chan WSMessage
	logger  *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The socket
// is the push side of the store's change feed: signal and participant events
// arrive here, while mutations stay on the HTTP API (with signal relay and
// status updates also accepted inline for latency).
func ServeWs(hub *Hub, logger *zap.Logger, jwtValidate func(token string) (userID string, err error), manager *calls.Manager, relay *signaling.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		callID := c.Query("call_id")
		token := c.Query("token")
		if callID == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "call_id and token required"})
			return
		}
		userIDStr, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if _, err := manager.GetCall(c.Request.Context(), callID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:      uuid.New().String(),
			CallID:  callID,
			UserID:  userID,
			hub:     hub,
			manager: manager,
			relay:   relay,
			conn:    conn,
			send:    make(chan WSMessage, 256),
			logger:  logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
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

		switch msg.Event {
		case "signal":
			var frame signalFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				continue
			}
			var target *uuid.UUID
			if frame.TargetUserID != nil {
				if t, err := uuid.Parse(*frame.TargetUserID); err == nil {
					target = &t
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := c.relay.Send(ctx, c.CallID, c.UserID, target, models.SignalKind(frame.Kind), frame.Payload)
			cancel()
			if err != nil {
				c.logger.Warn("ws signal relay", zap.String("call_id", c.CallID), zap.Error(err))
			}
		case "status":
			var frame statusFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.manager.UpdateParticipantStatus(ctx, c.CallID, c.UserID, frame.IsMuted, frame.IsVideoOff)
			cancel()
			if err != nil {
				continue
			}
			c.hub.BroadcastToCallAndPublish(c.CallID, "status_changed", gin.H{
				"call_id":      c.CallID,
				"user_id":      c.UserID,
				"is_muted":     frame.IsMuted,
				"is_video_off": frame.IsVideoOff,
			})
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
