package chatserver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
)

// Hub tracks the sockets connected to this instance, keyed by user, and
// hands them the deliveries coming off the broker.
type Hub struct {
	clients    map[int]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	broker     Broker
	logger     zerolog.Logger
}

func NewHub(broker Broker, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		broker:     broker,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Run owns the client registry until ctx is done. All connected clients are
// closed on the way out.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	deliveries, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[int]map[*Client]bool)
			return nil

		case client := <-h.register:
			set, ok := h.clients[client.identity.UserID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.identity.UserID] = set
			}
			set[client] = true

		case client := <-h.unregister:
			h.remove(client)

		case d, ok := <-deliveries:
			if !ok {
				return errors.New("broker subscription closed")
			}
			h.fanOut(d)
		}
	}
}

func (h *Hub) fanOut(d Delivery) {
	for _, userID := range d.Recipients {
		for client := range h.clients[userID] {
			select {
			case client.send <- d.Payload:
			default:
				// Slow consumer; drop it and let it reconnect.
				h.logger.Warn().Int("user_id", userID).Msg("send buffer full, dropping client")
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.identity.UserID]
	if !ok || !set[client] {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.identity.UserID)
	}
	close(client.send)
}

// Register reports false when the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish addresses payload to recipients on every instance.
func (h *Hub) Publish(ctx context.Context, recipients []int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, Delivery{Recipients: recipients, Payload: data})
}
