// Package upstream serves a local stand-in for the AI streaming endpoints,
// backed by the Ark model, for development without the remote service.
package upstream

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	aiService "github.com/zhouzirui/z-copilot/backend/internal/service/ai"
	"github.com/zhouzirui/z-copilot/backend/pkg/utils"
)

// Handler streams model output as `data: {"type","content"}` records.
type Handler struct {
	aiService *aiService.Service
}

// New creates the development upstream handler.
func New(aiSvc *aiService.Service) *Handler {
	return &Handler{aiService: aiSvc}
}

// Record is one record of the streaming wire format.
type Record struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RegisterRoutes mounts the endpoints under the router's /ai prefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handle(false))
	r.Post("/chat/reasoning", h.handle(true))
}

func (h *Handler) handle(withReasoning bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []chat.Wire `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		stream, err := h.aiService.StreamResponse(r.Context(), payload.Messages)
		if err != nil {
			applog.Warn().Err(err).Msg("[upstream] failed to start stream")
			utils.RespondError(w, http.StatusBadGateway, err.Error())
			return
		}
		defer stream.Close()

		utils.SetupSSEHeaders(w)
		for {
			chunk, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return
			}
			if recvErr != nil {
				// Dropping the connection mid-body is how the client learns
				// the answer is incomplete.
				applog.Warn().Err(recvErr).Msg("[upstream] model stream failed")
				panic(http.ErrAbortHandler)
			}
			if chunk == nil {
				continue
			}

			if withReasoning && chunk.ReasoningContent != "" {
				if err := utils.SendSSEChunk(w, flusher, Record{Type: "reasoning", Content: chunk.ReasoningContent}); err != nil {
					return
				}
			}
			if chunk.Content != "" {
				if err := utils.SendSSEChunk(w, flusher, Record{Type: "answer", Content: chunk.Content}); err != nil {
					return
				}
			}
		}
	}
}
