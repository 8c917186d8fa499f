package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/forcealign/internal/observe"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// handleEvents handles GET /transcriptions/{id}/events. It upgrades to a
// websocket, sends the current job state, then every progress event until
// the job finishes, and closes with a normal closure after the final state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	log := observe.Logger(observe.WithJob(r.Context(), job.ID))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	// Clients only listen; CloseRead handles their close frames and pings.
	ctx := conn.CloseRead(r.Context())

	events, cancel := s.events.subscribe(job.ID)
	defer cancel()

	// Re-read after subscribing so a job finishing in between is not missed.
	current, err := s.store.Get(ctx, job.ID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "job lookup failed")
		return
	}
	if err := send(ctx, conn, eventOf(current)); err != nil {
		return
	}
	if current.Status.Done() {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				// The final event was dropped for this subscriber.
				final, err := s.store.Get(ctx, job.ID)
				if err != nil {
					conn.Close(websocket.StatusInternalError, "job lookup failed")
					return
				}
				e = eventOf(final)
			}
			if err := send(ctx, conn, e); err != nil {
				log.Debug("server: websocket write failed", "err", err)
				return
			}
			if !ok || e.Status.Done() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, e event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
