package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Handler exposes the broker's WebSocket and state endpoints.
type Handler struct {
	broker   *Broker
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler serving the given broker.
func NewHandler(b *Broker, log *slog.Logger) *Handler {
	return &Handler{
		broker: b,
		log:    log,
		upgrader: websocket.Upgrader{
			// Dashboards connect from their own origins; auth is out of
			// scope for the broker.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeFrames handles GET /ws/frames. An optional stream_id query parameter
// filters the connection to one stream. The broker does not interpret
// client-sent data; reads only drive liveness and disconnect detection.
func (h *Handler) ServeFrames(w http.ResponseWriter, r *http.Request) {
	streamFilter := r.URL.Query().Get("stream_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.broker.Connect(conn, streamFilter)
	h.log.Debug("dashboard connected", slog.String("filter", streamFilter))

	go func() {
		defer func() {
			h.broker.Disconnect(conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// StreamState handles GET /streams/{stream_id}/state, returning the broker's
// traffic-derived runtime state for one stream.
func (h *Handler) StreamState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	state, ok := h.broker.StreamState(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		h.log.Debug("stream state encode failed", slog.String("error", err.Error()))
	}
}
