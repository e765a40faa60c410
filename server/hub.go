package server

import (
	"context"

	"go.uber.org/zap"
)

// Hub fans events out to every attached (authenticated) client. It owns the
// client set and each client's send channel; only Run ever closes a send
// channel.
type Hub struct {
	broadcast  chan []byte
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		broadcast:  make(chan []byte),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run processes attach, detach and broadcast requests until ctx is done. On
// exit every attached client's send channel is closed, which makes its write
// pump close the connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow consumer: drop it without holding up the others
					h.log.Warn("send queue full, dropping client", zap.String("conn", string(client.id)))
					delete(h.clients, client)
					close(client.send)
				}
			}
		case <-ctx.Done():
			h.log.Info("stopping hub", zap.Int("clients", len(h.clients)))
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Attach adds c to the broadcast set. It returns false once the hub has
// stopped.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Detach removes c from the broadcast set. Detaching twice is harmless.
func (h *Hub) Detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues e for every attached client. It never fails from the
// caller's point of view; encoding errors are logged and the event dropped.
func (h *Hub) Broadcast(e Event) {
	b, err := e.toBytes()
	if err != nil {
		h.log.Error("error marshalling event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- b:
	case <-h.done:
	}
}
