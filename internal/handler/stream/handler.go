package stream

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/pkg/utils"
)

// Handler relays a copilot turn to the caller as Server-Sent Events
type Handler struct {
	chatSvc  *chatService.Service
	registry *copilot.Registry
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, registry *copilot.Registry) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		registry: registry,
	}
}

// RegisterRoutes mounts the turn endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions/{sessionID}/turns", h.handleSubmit)
	r.Post("/sessions/{sessionID}/cancel", h.handleCancel)
}

// SubmitRequest is the body of a turn submission.
type SubmitRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode,omitempty"`
}

// StartEvent opens the relay.
type StartEvent struct {
	SessionID string    `json:"sessionId"`
	Mode      chat.Mode `json:"mode"`
}

// EndEvent closes the relay with the committed turn.
type EndEvent struct {
	Turn  *copilot.Turn `json:"turn"`
	Error string        `json:"error,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		utils.RespondError(w, http.StatusBadRequest, copilot.ErrEmptyPrompt.Error())
		return
	}

	mode := h.registry.Mode()
	if payload.Mode != "" {
		parsed, err := chat.ParseMode(payload.Mode)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	}

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	acc := h.registry.For(sessionID)
	if acc.InFlight() {
		utils.RespondError(w, http.StatusConflict, copilot.ErrTurnInFlight.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	h.send(w, flusher, "start", StartEvent{SessionID: sessionID, Mode: mode})

	observer := func(d copilot.Delta) {
		event := "answer"
		if d.Kind == chat.KindReasoning {
			event = "reasoning"
		}
		h.send(w, flusher, event, d)
	}

	turn, err := acc.Submit(r.Context(), sessionID, payload.Prompt, copilot.WithMode(mode), copilot.WithObserver(observer))
	end := EndEvent{Turn: turn}
	switch {
	case err != nil:
		end.Error = err.Error()
		applog.Warn().Err(err).Str("session", sessionID).Msg("[stream] turn rejected")
	case turn.Err != nil:
		end.Error = turn.Err.Error()
	}
	h.send(w, flusher, "end", end)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	cancelled := h.registry.For(sessionID).Cancel()
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// send writes one event; a vanished client only ends up in the log since the
// turn itself still commits.
func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	if err := utils.SendSSEEvent(w, flusher, event, data); err != nil {
		applog.Debug().Err(err).Str("event", event).Msg("[stream] dropped event")
	}
}
