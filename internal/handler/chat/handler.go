package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	registry *copilot.Registry
}

// New 创建会话处理器
func New(chatSvc *chatService.Service, registry *copilot.Registry) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		registry: registry,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Post("/sessions/{sessionID}/switch", h.handleSwitchSession)
	r.Get("/sessions/{sessionID}/messages", h.handleTranscript)
}

type sessionListResponse struct {
	Sessions []chat.Session `json:"sessions"`
	Current  string         `json:"current"`
}

type sessionResponse struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

// handleListSessions 列出全部会话及当前会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionListResponse{Sessions: h.chatSvc.ListSessions(r.Context())}
	if current, ok := h.chatSvc.Current(r.Context()); ok {
		resp.Current = current.ID
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleCreateSession 新建会话并设为当前会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleDeleteSession 删除会话，同时中断该会话上正在进行的回合
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.chatSvc.DeleteSession(r.Context(), sessionID); err != nil {
		respondServiceError(w, err)
		return
	}
	h.registry.Forget(sessionID)

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSwitchSession 切换当前会话并返回其历史消息
func (h *Handler) handleSwitchSession(w http.ResponseWriter, r *http.Request) {
	session, messages, err := h.chatSvc.Switch(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: session, Messages: messages})
}

// handleTranscript 返回会话历史消息
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	messages, err := h.chatSvc.LoadTranscript(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: session, Messages: messages})
}

func respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, chatService.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondError(w, http.StatusInternalServerError, err.Error())
}
