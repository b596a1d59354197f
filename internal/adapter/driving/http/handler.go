package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// RelayHandler serves device connections and message history.
type RelayHandler struct {
	Messages *service.MessageService
	Hub      *ws.Hub
	Metrics  http.Handler
}

func NewRelayHandler(messages *service.MessageService, hub *ws.Hub, metrics http.Handler) *RelayHandler {
	return &RelayHandler{
		Messages: messages,
		Hub:      hub,
		Metrics:  metrics,
	}
}

func (h *RelayHandler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/messages/{id}", h.GetMessage)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	return r
}

func (h *RelayHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := domain.MessageID(chi.URLParam(r, "id"))
	msg, err := h.Messages.GetMessage(r.Context(), id)
	if errors.Is(err, domain.ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", id.String()).Msg("Failed to load message")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if kind, ok := domain.KindOf(err); ok {
		resp.Kind = string(kind)
	}
	writeJSON(w, status, resp)
}
