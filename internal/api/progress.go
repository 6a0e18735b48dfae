package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Live Progress Feed ─────────────────────────────────────────────────────
// Every batch's progress events are fanned out to all connected
// GET /api/scrape/live clients, whoever started the batch.

// ProgressHub broadcasts progress events to SSE subscribers. It implements
// domain.ProgressSink so the orchestrator can feed it directly.
type ProgressHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		clients: make(map[chan []byte]struct{}),
	}
}

// Emit sends ev to every client. Slow clients miss events.
func (h *ProgressHub) Emit(ev domain.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a client. Returns the channel and an unsubscribe func.
func (h *ProgressHub) Subscribe() (chan []byte, func()) {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *ProgressHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleLiveSSE serves the feed via Server-Sent Events.
// GET /api/scrape/live
func (h *ProgressHub) HandleLiveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	ch, unsub := h.Subscribe()
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// startSSE writes the event-stream headers.
func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// writeEvent writes one progress event as an SSE frame. The event name is
// the step so browsers can listen for "otp_required" or "complete".
func writeEvent(w http.ResponseWriter, f http.Flusher, ev domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Step, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}
