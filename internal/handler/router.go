package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-copilot/backend/internal/handler/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/handler/socket"
	"github.com/zhouzirui/z-copilot/backend/internal/handler/stream"
	"github.com/zhouzirui/z-copilot/backend/internal/handler/upstream"
	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	middlewarePkg "github.com/zhouzirui/z-copilot/backend/internal/middleware"
	chatService "github.com/zhouzirui/z-copilot/backend/internal/service/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/service/copilot"
	"github.com/zhouzirui/z-copilot/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services. devUpstream may be nil.
func NewRouter(chatSvc *chatService.Service, registry *copilot.Registry, devUpstream *upstream.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(applog.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	chatHandler := chat.New(chatSvc, registry)
	streamHandler := stream.New(chatSvc, registry)
	socketHandler := socket.NewWebSocketHandler(chatSvc, registry)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		socketHandler.RegisterWebSocketRoutes(api)
	})

	if devUpstream != nil {
		r.Route("/ai", devUpstream.RegisterRoutes)
	}

	return r
}
