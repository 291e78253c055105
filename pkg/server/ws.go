package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statusHub distributes status reports to the connected websocket
// clients. Slow clients miss reports rather than stalling the rest.
type statusHub struct {
	mu      sync.Mutex
	clients map[chan focuser.Report]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{
		clients: make(map[chan focuser.Report]struct{}),
	}
}

func (h *statusHub) subscribe() (chan focuser.Report, func()) {
	ch := make(chan focuser.Report, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

func (h *statusHub) broadcast(report focuser.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- report:
		default:
			// channel full, skip
		}
	}
}

// Watch polls the controller and pushes a report into the stream
// whenever the state changes. It returns when the context is cancelled.
func (s *Server) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	var last focuser.Report
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := s.ctrl.ReportStatus()
			if reportChanged(last, report) {
				s.hub.broadcast(report)
				last = report
			}
		}
	}
}

// reportChanged compares everything except the timestamp.
func reportChanged(a, b focuser.Report) bool {
	if a.Status != b.Status {
		return true
	}
	if (a.CurrentSteps == nil) != (b.CurrentSteps == nil) {
		return true
	}
	if a.CurrentSteps != nil && *a.CurrentSteps != *b.CurrentSteps {
		return true
	}
	if (a.TargetSteps == nil) != (b.TargetSteps == nil) {
		return true
	}
	if a.TargetSteps != nil && *a.TargetSteps != *b.TargetSteps {
		return true
	}
	return false
}

func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Watch for the client going away; inbound payloads are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ch, unsub := s.hub.subscribe()
	defer unsub()

	// Every client starts with a full snapshot.
	if err := conn.WriteJSON(s.ctrl.ReportStatus()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-ch:
			if err := conn.WriteJSON(report); err != nil {
				return
			}
		}
	}
}
