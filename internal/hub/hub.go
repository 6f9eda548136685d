// Package hub fans queue events out to realtime board subscribers.
package hub

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vetclinic/queue-service/internal/queue"
)

const sendBuffer = 16

// Close codes sent to SockJS clients.
const (
	CloseInvalidSubscription uint32 = 4001
	CloseUnknownClinic       uint32 = 4004
)

type Subscription struct {
	ClinicID   string
	ProviderID string
	Types      map[string]bool
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action     string   `json:"action"`
	ClinicID   string   `json:"clinic_id"`
	ProviderID string   `json:"veterinarian_id"`
	Types      []string `json:"types"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) NewClient() *Client {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, sendBuffer)}
	h.Register(client)
	return client
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

// Publish implements queue.Publisher. Slow clients drop messages rather than
// block the request that produced the event.
func (h *Hub) Publish(event queue.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("encode queue event")
		return
	}
	h.Broadcast(payload, event)
}

func (h *Hub) Broadcast(payload []byte, event queue.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, event) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("type", event.Type).Msg("drop message for slow client")
		}
	}
}

// match never delivers to a client that has not subscribed to a clinic.
func match(sub Subscription, event queue.Event) bool {
	if sub.ClinicID == "" || sub.ClinicID != event.ClinicID {
		return false
	}
	if sub.ProviderID != "" {
		assigned := event.Entry.AssignedVeterinarianID
		if assigned == nil || *assigned != sub.ProviderID {
			return false
		}
	}
	if len(sub.Types) > 0 && !sub.Types[event.Type] {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
	msg.ClinicID = strings.TrimSpace(msg.ClinicID)
	msg.ProviderID = strings.TrimSpace(msg.ProviderID)
	switch msg.Action {
	case "unsubscribe":
		return msg, true
	case "subscribe":
	default:
		return SubscribeMessage{}, false
	}
	if _, err := uuid.Parse(msg.ClinicID); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.ProviderID != "" {
		if _, err := uuid.Parse(msg.ProviderID); err != nil {
			return SubscribeMessage{}, false
		}
	}
	for _, eventType := range msg.Types {
		if !queue.IsEventType(eventType) {
			return SubscribeMessage{}, false
		}
	}
	return msg, true
}

func (m SubscribeMessage) Subscription() Subscription {
	sub := Subscription{ClinicID: m.ClinicID, ProviderID: m.ProviderID}
	if len(m.Types) > 0 {
		sub.Types = make(map[string]bool, len(m.Types))
		for _, eventType := range m.Types {
			sub.Types[eventType] = true
		}
	}
	return sub
}
