package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Admin 运维接口：健康检查、指标、会话查看与 Tick 热更新
type Admin struct {
	store   Store
	handler *Handler
	hub     *Hub
	metrics *Metrics
}

func NewAdmin(store Store, handler *Handler, hub *Hub, metrics *Metrics) *Admin {
	return &Admin{store: store, handler: handler, hub: hub, metrics: metrics}
}

// HandlePing GET /ping 固定返回 pong，无状态
func HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

// HandleMetrics GET /metrics 输出运行指标
func (a *Admin) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"sessions":    a.store.Len(),
		"connections": a.hub.ConnCount(),
		"metrics":     a.metrics.Snapshot(),
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleListSessions GET /admin/sessions
func (a *Admin) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.store.List()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetSession GET /admin/sessions/{sid}
func (a *Admin) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.store.Get(chi.URLParam(r, "sid"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrSessionNotFound.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

// HandleUpdateSession POST /admin/sessions/{sid} 以 JSON 载荷更新 tick_ms，下一次 Tick 生效
func (a *Admin) HandleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TickMs *int `json:"tick_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if body.TickMs == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tick_ms required"})
		return
	}

	sid := chi.URLParam(r, "sid")
	s, err := a.handler.SetTick(sid, *body.TickMs)
	if IsStale(err) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	Log.Infow("session tick updated", "sid", sid, "tick_ms", s.TickInterval.Milliseconds())
	writeJSON(w, http.StatusOK, s.Info())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
