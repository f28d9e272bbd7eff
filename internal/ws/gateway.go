package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dm-service/internal/auth"
	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/telemetry"
)

// Messenger is the delivery engine surface used by sessions.
type Messenger interface {
	Submit(ctx context.Context, req delivery.SubmitRequest) (delivery.SubmitResult, error)
	MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error)
	DeliverPendingAsync(userID string)
}

// Presence is written on connect, pong and final disconnect.
type Presence interface {
	MarkOnline(ctx context.Context, userID, sessionRef string)
	MarkOffline(ctx context.Context, userID string)
}

// ContactDirectory decides who may message whom and who hears presence changes.
type ContactDirectory interface {
	ListContacts(ctx context.Context, userID string) ([]string, error)
	AreContacts(ctx context.Context, userID string, otherID string) (bool, error)
}

// Gateway authenticates websocket handshakes and serves sessions.
type Gateway struct {
	hub      *Hub
	auth     auth.Authenticator
	engine   Messenger
	presence Presence
	contacts ContactDirectory
	audit    *telemetry.AuditEmitter
}

// NewGateway constructs a Gateway. audit may be nil.
func NewGateway(hub *Hub, authenticator auth.Authenticator, engine Messenger, presence Presence, contacts ContactDirectory, audit *telemetry.AuditEmitter) *Gateway {
	return &Gateway{
		hub:      hub,
		auth:     authenticator,
		engine:   engine,
		presence: presence,
		contacts: contacts,
		audit:    audit,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates the request, upgrades it and joins the identity's group.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := observability.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)
	requestID := observability.RequestIDFromRequest(c.Request)

	userID, err := g.auth.Authenticate(auth.CredentialFromRequest(c.Request))
	if err != nil {
		observability.IncWSEvent("ws_rejected")
		g.audit.Record(ctx, telemetry.Record{
			Level:      "WARN",
			Kind:       telemetry.KindHandshakeRejected,
			Text:       "websocket handshake rejected",
			RequestID:  requestID,
			Attributes: map[string]string{"ip": observability.IPFromRequest(c.Request)},
		})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info)
	sessions := g.hub.Join(client)
	g.presence.MarkOnline(ctx, userID, info.ConnID)

	observability.IncWSActive()
	publishWSEvent(ctx, info, "ws_connect", "")
	logrus.WithFields(logrus.Fields{
		"user_id":  userID,
		"conn_id":  info.ConnID,
		"sessions": sessions,
	}).Info("websocket session opened")

	go client.writePump()
	go g.serve(client, sessions == 1)
}

func (g *Gateway) serve(client *Client, firstSession bool) {
	info := client.info
	g.engine.DeliverPendingAsync(info.UserID)
	if firstSession {
		g.notifyContacts(info.UserID, true)
	}

	err := client.readPump(
		func(env models.Envelope) { g.dispatch(client, env) },
		func() { g.presence.MarkOnline(context.Background(), info.UserID, info.ConnID) },
	)

	reason := ""
	if err != nil {
		reason = err.Error()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			publishWSEvent(context.Background(), info, "ws_error", reason)
		}
	}
	g.disconnect(client, reason)
}

func (g *Gateway) disconnect(client *Client, reason string) {
	info := client.info
	remaining := g.hub.Leave(client)
	client.close()
	observability.DecWSActive()
	publishWSEvent(context.Background(), info, "ws_disconnect", reason)
	logrus.WithFields(logrus.Fields{
		"user_id":   info.UserID,
		"conn_id":   info.ConnID,
		"remaining": remaining,
	}).Info("websocket session closed")

	if remaining > 0 {
		return
	}
	ctx := context.Background()
	g.presence.MarkOffline(ctx, info.UserID)
	if g.hub.SessionCount(info.UserID) > 0 {
		// a new session joined while we were going offline
		g.presence.MarkOnline(ctx, info.UserID, info.ConnID)
		return
	}
	g.notifyContacts(info.UserID, false)
}

func (g *Gateway) notifyContacts(userID string, online bool) {
	if g.contacts == nil {
		return
	}
	contacts, err := g.contacts.ListContacts(context.Background(), userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "error": err.Error()}).Warn("list contacts for presence")
		return
	}
	event := models.PresenceChangedEvent{UserID: userID, Online: online, Timestamp: time.Now().UTC()}
	for _, contactID := range contacts {
		g.hub.Broadcast(contactID, models.EventPresenceChanged, event, "")
	}
}

func (g *Gateway) dispatch(client *Client, env models.Envelope) {
	switch env.Type {
	case models.EventAck, models.EventSend, models.EventMarkRead, models.EventTypingState:
		observability.IncWSEvent(env.Type)
	default:
		observability.IncWSEvent("unknown")
	}

	switch env.Type {
	case models.EventAck:
		g.hub.ResolveAck(env.AckID, client.info.UserID)
	case models.EventSend:
		g.handleSend(client, env)
	case models.EventMarkRead:
		g.handleMarkRead(client, env)
	case models.EventTypingState:
		g.handleTyping(client, env)
	default:
		client.sendEvent(models.EventError, models.ErrorEvent{Error: "unknown event " + env.Type}, env.AckID, env.RequestID)
	}
}

func (g *Gateway) handleSend(client *Client, env models.Envelope) {
	reply := func(result models.SendResult) {
		result.Timestamp = time.Now().UTC()
		client.sendEvent(models.EventSendResult, result, env.AckID, env.RequestID)
	}

	var req models.SendRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		reply(models.SendResult{Error: "invalid payload"})
		return
	}
	ctx := context.Background()
	if !g.allowed(ctx, client.info.UserID, req.RecipientID) {
		reply(models.SendResult{Error: "recipient is not a contact"})
		return
	}

	res, err := g.engine.Submit(ctx, delivery.SubmitRequest{
		SenderID:        client.info.UserID,
		RecipientID:     req.RecipientID,
		ClientMessageID: req.ClientMessageID,
		Content:         req.Content,
		OriginConnID:    client.info.ConnID,
		RequestID:       env.RequestID,
	})
	switch {
	case errors.Is(err, delivery.ErrValidation):
		reply(models.SendResult{Error: err.Error()})
	case err != nil:
		logrus.WithFields(logrus.Fields{"user_id": client.info.UserID, "error": err.Error()}).Error("websocket send failed")
		reply(models.SendResult{Error: "failed to send message"})
	default:
		reply(models.SendResult{Success: true, ID: res.ID, Status: res.Status})
	}
}

func (g *Gateway) handleMarkRead(client *Client, env models.Envelope) {
	var req models.MarkReadRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		client.sendEvent(models.EventError, models.ErrorEvent{Error: "invalid payload"}, env.AckID, env.RequestID)
		return
	}
	if _, err := g.engine.MarkRead(context.Background(), req.MessageIDs, client.info.UserID); err != nil {
		msg := "failed to mark messages read"
		if errors.Is(err, delivery.ErrValidation) {
			msg = err.Error()
		}
		client.sendEvent(models.EventError, models.ErrorEvent{Error: msg}, env.AckID, env.RequestID)
	}
}

func (g *Gateway) handleTyping(client *Client, env models.Envelope) {
	var req models.TypingRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || req.RecipientID == "" {
		client.sendEvent(models.EventError, models.ErrorEvent{Error: "invalid payload"}, env.AckID, env.RequestID)
		return
	}
	if !g.allowed(context.Background(), client.info.UserID, req.RecipientID) {
		return
	}
	g.hub.Broadcast(req.RecipientID, models.EventTypingState, models.TypingEvent{
		UserID:   client.info.UserID,
		IsTyping: req.IsTyping,
	}, "")
}

func (g *Gateway) allowed(ctx context.Context, userID, otherID string) bool {
	if g.contacts == nil || otherID == "" {
		return true
	}
	ok, err := g.contacts.AreContacts(ctx, userID, otherID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"user_id": userID, "error": err.Error()}).Warn("contact check failed")
		return false
	}
	return ok
}
