package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	gosync "sync"
	"time"
)

const (
	sseWriteTimeout   = 3 * time.Second
	heartbeatInterval = 30 * time.Second
)

// hub fans data-updated notifications out to SSE subscribers.
type hub struct {
	mu   gosync.Mutex
	subs map[chan struct{}]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan struct{}]struct{})}
}

func (h *hub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast wakes every subscriber. The one-slot buffer coalesces
// bursts: a subscriber that has not drained yet gets exactly one
// more wakeup.
func (h *hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// sseStream manages a Server-Sent Events connection.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	f.Flush()
	return &sseStream{w: w, f: f}, nil
}

// send writes one SSE event. Returns false when the write fails.
func (s *sseStream) send(event, data string) bool {
	// Bounded write deadline so a stalled client cannot block the
	// handler forever.
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()

	if _, err := fmt.Fprintf(
		s.w, "event: %s\ndata: %s\n\n", event, data,
	); err != nil {
		log.Printf("SSE write error for %q: %v", event, err)
		return false
	}
	s.f.Flush()
	return true
}

func (s *sseStream) sendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("SSE marshal error for %q: %v", event, err)
		return false
	}
	return s.send(event, string(data))
}

// handleEvents streams data-updated events to the dashboard so it
// can refresh after background syncs.
func (s *Server) handleEvents(
	w http.ResponseWriter, r *http.Request,
) {
	stream, err := newSSEStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	stream.send("connected", "{}")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub:
			if !stream.sendJSON("data-updated", map[string]int64{
				"at": time.Now().UnixMilli(),
			}) {
				return
			}
		case <-heartbeat.C:
			if !stream.send("heartbeat", "{}") {
				return
			}
		}
	}
}
