package hostapi

import (
	"log"
	"sync"
)

// sseMessage is one event bound for connected SSE clients.
type sseMessage struct {
	Name    string
	Payload any
}

// sseHub fans an eventbus.Sink out to every currently connected SSE
// client. A slow client's buffered channel dropping a message is logged,
// not blocked on — one stalled UI connection must never stall event
// delivery to the others or to the lifecycle manager calling EmitOrQueue.
type sseHub struct {
	mu      sync.Mutex
	clients map[chan sseMessage]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[chan sseMessage]struct{})}
}

// Send implements eventbus.Sink.
func (h *sseHub) Send(name string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- sseMessage{Name: name, Payload: payload}:
		default:
			log.Printf("hostapi: dropping event %s for a slow SSE client", name)
		}
	}
}

func (h *sseHub) subscribe() chan sseMessage {
	ch := make(chan sseMessage, 32)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *sseHub) unsubscribe(ch chan sseMessage) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}
