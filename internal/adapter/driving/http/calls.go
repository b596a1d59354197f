package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CallController is the call API the agent exposes over HTTP.
type CallController interface {
	Call(ctx context.Context, target domain.UserID, t domain.CallType, ext map[string]any) (domain.CallID, error)
	GroupCall(ctx context.Context, group domain.GroupInfo, members []domain.UserID, ext map[string]any) (domain.CallID, error)
	AddParticipants(ctx context.Context, members []domain.UserID) error
	Answer(ctx context.Context, accept bool) error
	Hangup(ctx context.Context) error
	Cancel(ctx context.Context) error
	Mute(ctx context.Context, kind domain.MediaKind, muted bool) error
	Subscribe(ctx context.Context, user domain.UserID) error
	CurrentCall() (domain.CallInfo, bool)
}

type CallHandler struct {
	Calls   CallController
	Metrics http.Handler
}

func NewCallHandler(calls CallController, metrics http.Handler) *CallHandler {
	return &CallHandler{Calls: calls, Metrics: metrics}
}

func (h *CallHandler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/calls", func(r chi.Router) {
		r.Post("/", h.StartCall)
		r.Post("/group", h.StartGroupCall)
		r.Post("/participants", h.AddParticipants)
		r.Post("/answer", h.Answer)
		r.Post("/hangup", h.Hangup)
		r.Post("/cancel", h.Cancel)
		r.Post("/mute", h.Mute)
		r.Post("/subscribe", h.Subscribe)
		r.Get("/current", h.Current)
	})
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	return r
}

type callRequest struct {
	Target domain.UserID   `json:"target"`
	Type   domain.CallType `json:"type"`
	Ext    map[string]any  `json:"ext,omitempty"`
}

type groupCallRequest struct {
	Group   domain.GroupInfo `json:"group"`
	Members []domain.UserID  `json:"members"`
	Ext     map[string]any   `json:"ext,omitempty"`
}

type participantsRequest struct {
	Members []domain.UserID `json:"members"`
}

type answerRequest struct {
	Accept bool `json:"accept"`
}

type muteRequest struct {
	Kind  domain.MediaKind `json:"kind"`
	Muted bool             `json:"muted"`
}

type subscribeRequest struct {
	User domain.UserID `json:"user"`
}

type callResponse struct {
	CallID domain.CallID `json:"callId"`
}

func (h *CallHandler) StartCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.Calls.Call(r.Context(), req.Target, req.Type, req.Ext)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, callResponse{CallID: id})
}

func (h *CallHandler) StartGroupCall(w http.ResponseWriter, r *http.Request) {
	var req groupCallRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := h.Calls.GroupCall(r.Context(), req.Group, req.Members, req.Ext)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, callResponse{CallID: id})
}

func (h *CallHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	var req participantsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Calls.AddParticipants(r.Context(), req.Members); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Calls.Answer(r.Context(), req.Accept); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.Hangup(r.Context()); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Calls.Cancel(r.Context()); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Mute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Calls.Mute(r.Context(), req.Kind, req.Muted); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Calls.Subscribe(r.Context(), req.User); err != nil {
		writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CallHandler) Current(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Calls.CurrentCall()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeCallError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	kind, _ := domain.KindOf(err)
	switch kind {
	case domain.KindParam, domain.KindSignaling:
		writeError(w, http.StatusBadRequest, err)
	case domain.KindState:
		writeError(w, http.StatusConflict, err)
	case domain.KindTransport, domain.KindEngine:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
