package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Subscription narrows which queue change hints a display receives. The zero
// value receives every hint, which is what the follow-up board wants.
type Subscription struct {
	ClinicCode  string
	PhysicianID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action      string `json:"action"`
	ClinicCode  string `json:"clinic_code"`
	PhysicianID string `json:"physician_id"`
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers payload to every matching client without blocking; a
// client whose buffer is full misses the hint and catches up on its next poll.
func (h *Hub) Broadcast(payload []byte, meta Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn("drop message for client", zap.String("client_id", client.ID))
		}
	}
	return delivered
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ClinicCode != "" && meta.ClinicCode != sub.ClinicCode {
		return false
	}
	if sub.PhysicianID != "" && meta.PhysicianID != sub.PhysicianID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.ClinicCode = strings.TrimSpace(msg.ClinicCode)
	msg.PhysicianID = strings.TrimSpace(msg.PhysicianID)
	return msg, true
}
