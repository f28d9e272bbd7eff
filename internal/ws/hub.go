package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
)

// Hub keeps one multicast group per identity. Every live session of a user
// is a member of that user's group.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]ConnInfo

	ackMu sync.Mutex
	acks  map[string]pendingAck
}

type pendingAck struct {
	userID string
	done   chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		groups: make(map[string]map[*Client]ConnInfo),
		acks:   make(map[string]pendingAck),
	}
}

// Join adds a session to its identity's group and returns the group size.
func (h *Hub) Join(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := c.info.UserID
	if _, ok := h.groups[userID]; !ok {
		h.groups[userID] = make(map[*Client]ConnInfo)
	}
	h.groups[userID][c] = c.info
	return len(h.groups[userID])
}

// Leave removes a session and returns how many sessions the identity still has.
func (h *Hub) Leave(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID := c.info.UserID
	group, ok := h.groups[userID]
	if !ok {
		return 0
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, userID)
		return 0
	}
	return len(group)
}

// SessionCount returns the number of live sessions for userID on this instance.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

func (h *Hub) sessions(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	group := h.groups[userID]
	out := make([]*Client, 0, len(group))
	for c := range group {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an event to every session of userID except exceptConnID.
func (h *Hub) Broadcast(userID string, eventType string, data any, exceptConnID string) {
	env, err := models.NewEnvelope(eventType, data)
	if err != nil {
		logrus.WithFields(logrus.Fields{"event": eventType, "error": err.Error()}).Error("encode websocket event")
		return
	}
	payload, _ := json.Marshal(env)
	for _, c := range h.sessions(userID) {
		if exceptConnID != "" && c.info.ConnID == exceptConnID {
			continue
		}
		h.deliverFrame(c, payload)
	}
}

// PushWithAck sends a message to every session of userID and waits for the
// first acknowledgment or for ctx to end.
func (h *Hub) PushWithAck(ctx context.Context, userID string, event models.DeliverEvent) delivery.AckResult {
	targets := h.sessions(userID)
	if len(targets) == 0 {
		return delivery.AckNoSession
	}

	env, err := models.NewEnvelope(models.EventDeliver, event)
	if err != nil {
		logrus.WithFields(logrus.Fields{"message_id": event.ID, "error": err.Error()}).Error("encode deliver event")
		return delivery.AckTimeout
	}
	env.AckID = newAckID()
	payload, _ := json.Marshal(env)

	done := make(chan struct{})
	h.ackMu.Lock()
	h.acks[env.AckID] = pendingAck{userID: userID, done: done}
	h.ackMu.Unlock()
	defer func() {
		h.ackMu.Lock()
		delete(h.acks, env.AckID)
		h.ackMu.Unlock()
	}()

	for _, c := range targets {
		h.deliverFrame(c, payload)
	}

	select {
	case <-done:
		return delivery.AckDelivered
	case <-ctx.Done():
		return delivery.AckTimeout
	}
}

// ResolveAck completes a pending push. Only a session of the addressed
// identity may acknowledge it; later acks for the same id are ignored.
func (h *Hub) ResolveAck(ackID, userID string) bool {
	h.ackMu.Lock()
	defer h.ackMu.Unlock()
	pending, ok := h.acks[ackID]
	if !ok || pending.userID != userID {
		return false
	}
	delete(h.acks, ackID)
	close(pending.done)
	return true
}

func (h *Hub) deliverFrame(c *Client, payload []byte) {
	if c.enqueue(payload) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"conn_id": c.info.ConnID,
		"user_id": c.info.UserID,
	}).Warn("websocket session dropped frame")
	publishWSEvent(context.Background(), c.info, "ws_error", "send buffer full or session closed")
}
