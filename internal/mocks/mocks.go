package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"dm-service/internal/auth"
	"dm-service/internal/delivery"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	args := m.Called(ctx, msg)
	var stored models.Message
	if val := args.Get(0); val != nil {
		stored = val.(models.Message)
	}
	return stored, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) FindByClientID(ctx context.Context, clientMessageID string) (models.Message, error) {
	args := m.Called(ctx, clientMessageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) UpdateStatus(ctx context.Context, update models.DeliveryUpdate) (bool, error) {
	args := m.Called(ctx, update)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]models.Message, error) {
	args := m.Called(ctx, messageIDs, readerID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListPendingForRecipient(ctx context.Context, recipientID string, maxAttempts int) ([]models.Message, error) {
	args := m.Called(ctx, recipientID, maxAttempts)
	return messages(args.Get(0)), args.Error(1)
}

func (m *MessageRepositoryMock) ListRetryCandidates(ctx context.Context, now time.Time, maxAttempts int, after *models.RetryCursor, limit int) ([]models.Message, error) {
	args := m.Called(ctx, now, maxAttempts, after, limit)
	return messages(args.Get(0)), args.Error(1)
}

func (m *MessageRepositoryMock) ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]models.Message, error) {
	args := m.Called(ctx, maxAttempts, limit)
	return messages(args.Get(0)), args.Error(1)
}

func (m *MessageRepositoryMock) MarkDeadLettered(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ListConversation(ctx context.Context, userID string, peerID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, userID, peerID, limit)
	return messages(args.Get(0)), args.Error(1)
}

func messages(val interface{}) []models.Message {
	if val == nil {
		return nil
	}
	return val.([]models.Message)
}

type ContactRepositoryMock struct {
	mock.Mock
}

func (m *ContactRepositoryMock) ListContacts(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ContactRepositoryMock) AreContacts(ctx context.Context, userID string, otherID string) (bool, error) {
	args := m.Called(ctx, userID, otherID)
	return args.Bool(0), args.Error(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(credential string) (string, error) {
	args := m.Called(credential)
	return args.String(0), args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.ContactRepository = (*ContactRepositoryMock)(nil)
var _ auth.Authenticator = (*AuthenticatorMock)(nil)
var _ delivery.Pusher = (*Pusher)(nil)
