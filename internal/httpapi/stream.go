package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

type statusHub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newStatusHub() *statusHub {
	return &statusHub{subs: map[chan struct{}]struct{}{}}
}

func (h *statusHub) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// notify wakes every subscriber. Slow subscribers coalesce to one pending
// wake-up and read the latest status when they get to it.
func (h *statusHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// handleStatusStream pushes the agent status as JSON text frames: once on
// connect and again after every change.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.StreamOrigins,
	})
	if err != nil {
		s.logger.Debug("status stream upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "status stream ended")

	ctx := conn.CloseRead(r.Context())
	changes, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	send := func() error {
		status, err := s.agent.Status(ctx)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, status)
	}

	if err := send(); err != nil {
		s.logger.Debug("status stream write failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-changes:
			if err := send(); err != nil {
				s.logger.Debug("status stream write failed", "err", err)
				return
			}
		}
	}
}
