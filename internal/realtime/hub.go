package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Publisher publishes call events to Redis for cross-instance fanout.
// target nil means broadcast to everyone attached to the call.
type Publisher interface {
	PublishCallEvent(callID string, target *uuid.UUID, event string, payload []byte) error
}

// Subscriber subscribes to a call's channel and invokes handler for incoming events.
type Subscriber interface {
	SubscribeCall(callID string, handler func(target *uuid.UUID, event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains call_id -> set of connections and delivers call events:
// participant changes, status changes, call end, and relayed signals. Uses
// Redis pub/sub for horizontal scaling; with Redis attached, events are
// published once and every instance (including this one) delivers them via its
// subscription, so local clients never see duplicates.
type Hub struct {
	calls  map[string]map[string]*Client // callID -> clientID -> client
	subs   map[string]func()             // cancel Redis subscription per call
	mu     sync.RWMutex
	logger *zap.Logger
	pub    Publisher
	sub    Subscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	return &Hub{
		calls:  make(map[string]map[string]*Client),
		subs:   make(map[string]func()),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to a call channel. Starts the Redis subscription for
// the call when the first client attaches.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.calls[c.CallID] == nil {
		h.calls[c.CallID] = make(map[string]*Client)
		if h.sub != nil {
			cancel, err := h.sub.SubscribeCall(c.CallID, func(target *uuid.UUID, event string, payload []byte) {
				h.deliver(c.CallID, target, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.CallID] = cancel
			} else {
				h.logger.Warn("call subscription failed", zap.String("call_id", c.CallID), zap.Error(err))
			}
		}
	}
	h.calls[c.CallID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client attached to call", zap.String("client_id", c.ID), zap.String("call_id", c.CallID))
}

// Unregister removes a client from a call channel. Cancels the Redis
// subscription when the last client detaches.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.calls[c.CallID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.calls, c.CallID)
			if cancel, ok := h.subs[c.CallID]; ok {
				cancel()
				delete(h.subs, c.CallID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client detached from call", zap.String("client_id", c.ID), zap.String("call_id", c.CallID))
}

// BroadcastToCallAndPublish delivers an event to every client attached to the
// call, across all instances.
func (h *Hub) BroadcastToCallAndPublish(callID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.pub != nil {
		_ = h.pub.PublishCallEvent(callID, nil, event, data)
		return
	}
	h.deliver(callID, nil, event, json.RawMessage(data))
}

// SendToUserAndPublish delivers an event to one user's connections in the call,
// across all instances.
func (h *Hub) SendToUserAndPublish(callID string, userID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.pub != nil {
		_ = h.pub.PublishCallEvent(callID, &userID, event, data)
		return
	}
	h.deliver(callID, &userID, event, json.RawMessage(data))
}

// ConnCount returns the number of connections attached to a call.
func (h *Hub) ConnCount(callID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.calls[callID])
}

// deliver sends to local connections only: all of them, or just the target
// user's when target is set.
func (h *Hub) deliver(callID string, target *uuid.UUID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.calls[callID]
	h.mu.RUnlock()

	for _, c := range clients {
		if target != nil && c.UserID != *target {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
