package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes 组装 HTTP 路由：WebSocket、健康检查、监控与管理接口
func SetupRoutes(hub *Hub, admin *Admin) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ping", HandlePing)
	r.Get("/ws", hub.ServeWS)
	r.Get("/metrics", admin.HandleMetrics)

	r.Route("/admin/sessions", func(r chi.Router) {
		r.Get("/", admin.HandleListSessions)
		r.Get("/{sid}", admin.HandleGetSession)
		r.Post("/{sid}", admin.HandleUpdateSession)
	})
	return r
}
