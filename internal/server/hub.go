package server

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const DefaultQueueSize = 64

// Client is a registered subscriber. Frames queued for it are drained by the
// connection worker that owns it.
type Client struct {
	ID string

	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Queue yields encoded frames in broadcast order.
func (c *Client) Queue() <-chan []byte { return c.queue }

// Done is closed once the client has been unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the registry of live clients. Membership in the hub is the only
// authority on whether a client is live. The queue channels are never closed,
// so a broadcast racing an unregister cannot panic.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	queueSize int
	logger    *slog.Logger
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[string]*Client),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (h *Hub) Register() *Client {
	c := &Client{
		ID:    uuid.NewString(),
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("client registered", "client", c.ID, "clients", total)
	return c
}

// Unregister removes the client and signals its worker to stop. It reports
// whether the client was still registered; repeated calls are no-ops.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.close()
	h.logger.Info("client removed", "client", id, "clients", remaining)
	return true
}

// Broadcast queues frame for every registered client without blocking. A
// client whose queue is full is unregistered, which disconnects it; the
// others are unaffected. It returns the number of clients evicted.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	evicted := 0
	for _, c := range targets {
		select {
		case c.queue <- frame:
		default:
			if h.Unregister(c.ID) {
				evicted++
				h.logger.Warn("client queue full, disconnecting", "client", c.ID, "capacity", h.queueSize)
			}
		}
	}
	return evicted
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll unregisters every client and returns how many there were.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return len(clients)
}
