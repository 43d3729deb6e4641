package server

import (
	"context"
	"net/http"

	"snakearena/game"
)

// App 组装会话存储、Tick 调度器、协议处理器与传输层
type App struct {
	Store     *MemoryStore
	Hub       *Hub
	Scheduler *Scheduler
	Handler   *Handler
	Metrics   *Metrics
	Router    http.Handler
}

// NewApp ctx 取消时所有 Tick 循环退出
func NewApp(ctx context.Context, cfg Config) *App {
	metrics := &Metrics{}
	store := NewMemoryStore(cfg.Session.QueueCapacity)
	hub := NewHub(metrics, cfg.Session.SendBuffer)
	sched := NewScheduler(ctx, store, hub, metrics)

	gameCfg := cfg.Game
	handler := NewHandler(store, sched, hub, metrics, cfg.Session, func() Simulation {
		return game.New(gameCfg)
	})
	hub.SetHandler(handler)

	admin := NewAdmin(store, handler, hub, metrics)
	return &App{
		Store:     store,
		Hub:       hub,
		Scheduler: sched,
		Handler:   handler,
		Metrics:   metrics,
		Router:    SetupRoutes(hub, admin),
	}
}

// Shutdown 关闭连接并等待全部 Tick 循环退出；调用前应先取消 ctx
func (a *App) Shutdown() {
	a.Hub.CloseAll()
	a.Scheduler.Wait()
}
