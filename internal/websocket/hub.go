// Package websocket streams analysis job states to connected observers.
package websocket

import (
	"log/slog"
	"sync"
)

// Hub tracks the open observer connections so they can be listed and
// closed together on shutdown
type Hub struct {
	// job id -> clients watching it
	clients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	mu  sync.RWMutex
	log *slog.Logger
}

// NewHub creates a new Hub instance
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With("component", "ws-hub"),
	}
}

// Run starts the hub's main loop. It returns after Close.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.JobID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.JobID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.log.Debug("Observer connected", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.JobID]; ok {
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, client.JobID)
				}
			}
			h.mu.Unlock()
			client.stop()
			h.log.Debug("Observer disconnected", "job_id", client.JobID)

		case <-h.shutdown:
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					c.stop()
				}
			}
			h.clients = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every observer and stops Run
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.shutdown) })
	<-h.done
}

// Observers returns how many connections watch jobID
func (h *Hub) Observers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.shutdown:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.shutdown:
		c.stop()
	}
}
