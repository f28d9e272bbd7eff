package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// MessageService is the delivery engine surface behind the HTTP fallback.
type MessageService interface {
	Submit(ctx context.Context, req delivery.SubmitRequest) (delivery.SubmitResult, error)
	MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID, viewerID string) (models.MessageView, error)
	History(ctx context.Context, userID, peerID string, limit int) ([]models.MessageView, error)
}

// ContactChecker enforces who may message whom.
type ContactChecker interface {
	AreContacts(ctx context.Context, userID string, otherID string) (bool, error)
}

// MessageHandler serves direct-message endpoints for clients without a live socket.
type MessageHandler struct {
	messages MessageService
	contacts ContactChecker
}

// NewMessageHandler builds a MessageHandler. A nil contacts checker allows every pair.
func NewMessageHandler(messages MessageService, contacts ContactChecker) *MessageHandler {
	return &MessageHandler{messages: messages, contacts: contacts}
}

// SendMessage accepts a message for delivery.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req struct {
		RecipientID     string `json:"recipient_id" binding:"required"`
		Content         string `json:"content" binding:"required"`
		ClientMessageID string `json:"client_message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	if h.contacts != nil && userID != req.RecipientID {
		ok, err := h.contacts.AreContacts(c.Request.Context(), userID, req.RecipientID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify contact"})
			return
		}
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "recipient is not a contact"})
			return
		}
	}

	res, err := h.messages.Submit(c.Request.Context(), delivery.SubmitRequest{
		SenderID:        userID,
		RecipientID:     req.RecipientID,
		ClientMessageID: req.ClientMessageID,
		Content:         req.Content,
		RequestID:       requestIDFromContext(c),
	})
	if err != nil {
		if errors.Is(err, delivery.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logrus.WithFields(logrus.Fields{"user_id": userID, "error": err.Error()}).Error("send message failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"id": res.ID, "status": res.Status, "timestamp": res.CreatedAt})
}

// MarkRead marks messages addressed to the caller as read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	var req struct {
		MessageIDs []string `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.messages.MarkRead(c.Request.Context(), req.MessageIDs, c.GetString("userID"))
	if err != nil {
		if errors.Is(err, delivery.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified_count": len(updated)})
}

// GetMessage returns one message to its sender or recipient.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	view, err := h.messages.GetMessage(c.Request.Context(), c.Param("message_id"), c.GetString("userID"))
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// History returns the conversation between the caller and a peer, oldest first.
func (h *MessageHandler) History(c *gin.Context) {
	peerID := strings.TrimSpace(c.Param("peer_id"))
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	views, err := h.messages.History(c.Request.Context(), c.GetString("userID"), peerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}
