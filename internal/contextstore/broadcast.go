package contextstore

import (
	"context"
	"sync"
)

const (
	MessageContextChanged = "CONTEXT_CHANGED"
	DefaultChannel        = "app_context_sync"
)

// Message is the propagation payload shared by every broadcaster. A nil
// Context announces a clear.
type Message struct {
	Type    string  `json:"type"`
	Context *Record `json:"context"`
}

// Broadcaster delivers messages to other participants of the same channel.
// A participant never receives its own messages.
type Broadcaster interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(fn func(Message)) (cancel func())
	Close() error
}

// Hub is an in-process channel joining stores that share one backend.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*HubEndpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: map[*HubEndpoint]struct{}{}}
}

// Join returns a new participant.
func (h *Hub) Join() *HubEndpoint {
	endpoint := &HubEndpoint{
		hub:         h,
		subscribers: map[uint64]func(Message){},
	}
	h.mu.Lock()
	h.endpoints[endpoint] = struct{}{}
	h.mu.Unlock()
	return endpoint
}

func (h *Hub) others(sender *HubEndpoint) []*HubEndpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*HubEndpoint, 0, len(h.endpoints))
	for endpoint := range h.endpoints {
		if endpoint == sender {
			continue
		}
		out = append(out, endpoint)
	}
	return out
}

func (h *Hub) leave(endpoint *HubEndpoint) {
	h.mu.Lock()
	delete(h.endpoints, endpoint)
	h.mu.Unlock()
}

type HubEndpoint struct {
	hub *Hub

	mu          sync.Mutex
	subscribers map[uint64]func(Message)
	nextID      uint64
	closed      bool
}

func (e *HubEndpoint) Publish(_ context.Context, msg Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrBroadcasterClosed
	}
	for _, endpoint := range e.hub.others(e) {
		endpoint.deliver(msg)
	}
	return nil
}

func (e *HubEndpoint) Subscribe(fn func(Message)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

func (e *HubEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subscribers = map[uint64]func(Message){}
	e.mu.Unlock()
	e.hub.leave(e)
	return nil
}

func (e *HubEndpoint) deliver(msg Message) {
	e.mu.Lock()
	subscribers := make([]func(Message), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subscribers = append(subscribers, fn)
	}
	e.mu.Unlock()
	for _, fn := range subscribers {
		fn(Message{Type: msg.Type, Context: msg.Context.clone()})
	}
}
