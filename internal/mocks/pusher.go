package mocks

import (
	"context"
	"sync"

	"dm-service/internal/delivery"
	"dm-service/internal/models"
)

// Broadcasted is one recorded Pusher.Broadcast call.
type Broadcasted struct {
	UserID       string
	EventType    string
	Data         any
	ExceptConnID string
}

// Pusher records pushes and answers PushWithAck from Results, falling back to
// Default.
type Pusher struct {
	mu         sync.Mutex
	Results    map[string]delivery.AckResult
	Default    delivery.AckResult
	Pushed     []models.DeliverEvent
	Broadcasts []Broadcasted
}

func NewPusher(def delivery.AckResult) *Pusher {
	return &Pusher{Results: map[string]delivery.AckResult{}, Default: def}
}

func (p *Pusher) SetResult(userID string, result delivery.AckResult) {
	p.mu.Lock()
	p.Results[userID] = result
	p.mu.Unlock()
}

func (p *Pusher) PushWithAck(_ context.Context, userID string, event models.DeliverEvent) delivery.AckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pushed = append(p.Pushed, event)
	if r, ok := p.Results[userID]; ok {
		return r
	}
	return p.Default
}

func (p *Pusher) Broadcast(userID string, eventType string, data any, exceptConnID string) {
	p.mu.Lock()
	p.Broadcasts = append(p.Broadcasts, Broadcasted{UserID: userID, EventType: eventType, Data: data, ExceptConnID: exceptConnID})
	p.mu.Unlock()
}

// PushCount returns how many times PushWithAck ran.
func (p *Pusher) PushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Pushed)
}

// EventsFor returns broadcasts of eventType sent to userID.
func (p *Pusher) EventsFor(userID, eventType string) []Broadcasted {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Broadcasted
	for _, b := range p.Broadcasts {
		if b.UserID == userID && b.EventType == eventType {
			out = append(out, b)
		}
	}
	return out
}
