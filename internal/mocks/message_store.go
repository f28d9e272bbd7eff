package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"dm-service/internal/models"
	"dm-service/internal/repositories"
)

// MessageStore is an in-memory MessageRepository with the same conditional
// update rules as the SQL implementation.
type MessageStore struct {
	mu       sync.Mutex
	byID     map[string]*models.Message
	byClient map[string]string
	seq      int
	Now      func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:     make(map[string]*models.Message),
		byClient: make(map[string]string),
		Now:      time.Now,
	}
}

func (s *MessageStore) Create(_ context.Context, msg models.NewMessage) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byClient[msg.ClientMessageID]; ok {
		return *s.byID[id], false, nil
	}
	s.seq++
	stored := &models.Message{
		ID:              msg.ID,
		ClientMessageID: msg.ClientMessageID,
		SenderID:        msg.SenderID,
		RecipientID:     msg.RecipientID,
		Ciphertext:      msg.Ciphertext,
		EnvelopeVersion: msg.EnvelopeVersion,
		// keep creation order stable even when the clock does not move
		CreatedAt: s.Now().Add(time.Duration(s.seq) * time.Microsecond),
		Status:    models.StatusSent,
	}
	s.byID[stored.ID] = stored
	s.byClient[stored.ClientMessageID] = stored.ID
	return *stored, true, nil
}

func (s *MessageStore) FindByClientID(_ context.Context, clientMessageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byClient[clientMessageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return *s.byID[id], nil
}

func (s *MessageStore) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return *m, nil
}

func (s *MessageStore) UpdateStatus(_ context.Context, update models.DeliveryUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[update.MessageID]
	if !ok || m.Status != models.StatusSent || m.DeliveryAttempts != update.ExpectedAttempts {
		return false, nil
	}
	m.Status = update.Status
	m.DeliveryAttempts++
	m.NextRetryAt = update.NextRetryAt
	attemptedAt := update.AttemptedAt
	m.LastAttemptAt = &attemptedAt
	return true, nil
}

func (s *MessageStore) MarkRead(_ context.Context, messageIDs []string, readerID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	out := []models.Message{}
	for _, id := range messageIDs {
		m, ok := s.byID[id]
		if !ok || m.RecipientID != readerID || m.Status == models.StatusRead {
			continue
		}
		m.Status = models.StatusRead
		readAt := now
		m.ReadAt = &readAt
		m.NextRetryAt = nil
		out = append(out, *m)
	}
	return out, nil
}

func (s *MessageStore) ListPendingForRecipient(_ context.Context, recipientID string, maxAttempts int) ([]models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return m.RecipientID == recipientID && m.Status == models.StatusSent && m.DeliveryAttempts < maxAttempts
	}, 0), nil
}

func (s *MessageStore) ListRetryCandidates(_ context.Context, now time.Time, maxAttempts int, after *models.RetryCursor, limit int) ([]models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return due(m, now, maxAttempts) && (after == nil || laterThan(m, after))
	}, limit), nil
}

func (s *MessageStore) ListExhausted(_ context.Context, maxAttempts int, limit int) ([]models.Message, error) {
	return s.filter(func(m *models.Message) bool {
		return m.Status == models.StatusSent && m.DeliveryAttempts >= maxAttempts && m.DeadLetteredAt == nil
	}, limit), nil
}

func (s *MessageStore) MarkDeadLettered(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	if !ok || m.Status != models.StatusSent || m.DeadLetteredAt != nil {
		return false, nil
	}
	now := s.Now()
	m.DeadLetteredAt = &now
	m.NextRetryAt = nil
	return true, nil
}

func (s *MessageStore) ListConversation(_ context.Context, userID string, peerID string, limit int) ([]models.Message, error) {
	msgs := s.filter(func(m *models.Message) bool {
		return (m.SenderID == userID && m.RecipientID == peerID) || (m.SenderID == peerID && m.RecipientID == userID)
	}, 0)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Put stores a message as-is, for seeding tests.
func (s *MessageStore) Put(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.byID[m.ID] = &m
	s.byClient[m.ClientMessageID] = m.ID
}

func (s *MessageStore) filter(keep func(*models.Message) bool, limit int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Message{}
	for _, m := range s.byID {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func laterThan(m *models.Message, c *models.RetryCursor) bool {
	if m.CreatedAt.Equal(c.CreatedAt) {
		return m.ID > c.ID
	}
	return m.CreatedAt.After(c.CreatedAt)
}

func due(m *models.Message, now time.Time, maxAttempts int) bool {
	return m.Status == models.StatusSent && m.DeliveryAttempts < maxAttempts &&
		(m.NextRetryAt == nil || !m.NextRetryAt.After(now))
}

var _ repositories.MessageRepository = (*MessageStore)(nil)
