package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"snakearena/game"
)

// Handler 把客户端事件映射为会话存储的修改与 Tick 循环的启停
// 对不存在或未开局的会话的操作一律静默忽略
type Handler struct {
	store   Store
	sched   *Scheduler
	emit    Emitter
	metrics *Metrics
	cfg     SessionConfig
	newSim  func() Simulation
}

// NewHandler newSim 在会话首次开局时创建游戏实例
func NewHandler(store Store, sched *Scheduler, emit Emitter, metrics *Metrics, cfg SessionConfig, newSim func() Simulation) *Handler {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Handler{
		store:   store,
		sched:   sched,
		emit:    emit,
		metrics: metrics,
		cfg:     cfg,
		newSim:  newSim,
	}
}

// Dispatch 按事件名分发一条入站消息
func (h *Handler) Dispatch(sid string, env Envelope) {
	switch env.Event {
	case EventStartGame:
		var req StartGameRequest
		if err := decodeData(env.Data, &req); err != nil {
			h.protocolError(sid, ErrTypeBadMessage, env.Event, err)
			return
		}
		h.OnStart(sid, req)
	case EventChangeDirection:
		var req ChangeDirectionRequest
		if err := decodeData(env.Data, &req); err != nil {
			h.protocolError(sid, ErrTypeBadMessage, env.Event, err)
			return
		}
		h.OnChangeDirection(sid, req)
	case EventStopGame:
		h.OnStop(sid)
	default:
		h.protocolError(sid, ErrTypeUnknownEvent, env.Event, nil)
	}
}

// OnConnect 新连接：创建空会话并告知客户端 sid
func (h *Handler) OnConnect(sid string) {
	h.store.Create(sid)
	h.metrics.IncSessionsOpened()
	Log.Infow("client connected", "sid", sid)
	h.send(sid, EventServerReady, ServerReadyPayload{Sid: sid})
}

// OnStart 开局或重开；循环已在运行时整个请求是空操作（不重置游戏）
func (h *Handler) OnStart(sid string, req StartGameRequest) {
	var (
		gen     uint64
		tick    time.Duration
		initial json.RawMessage
		started bool
	)
	err := h.store.Update(sid, func(sess *Session) error {
		if sess.LoopRunning {
			return nil
		}
		if sess.Sim == nil {
			sess.attach(h.newSim())
		} else {
			sess.Sim.Reset()
		}
		tick = h.tickFor(req, sess.TickInterval)
		sess.TickInterval = tick
		sess.Started = true
		sess.Queue.Clear()

		err := guard("snapshot", func() (err error) {
			initial, err = sess.Sim.Snapshot()
			return err
		})
		if err != nil {
			Log.Warnw("initial snapshot failed", "sid", sid, "error", err)
			initial = json.RawMessage("{}")
		}

		gen, started = h.sched.claim(sess)
		return nil
	})
	if err != nil {
		Log.Debugw("start ignored", "sid", sid, "error", err)
		return
	}
	if !started {
		Log.Debugw("start ignored: loop already running", "sid", sid)
		return
	}

	h.metrics.IncGamesStarted()
	Log.Infow("game started", "sid", sid, "tick_ms", tick.Milliseconds())
	h.send(sid, EventGameStarted, GameStartedPayload{TickMs: tick.Milliseconds()})
	h.send(sid, EventGameState, initial)
	h.sched.launch(sid, gen)
}

// OnChangeDirection 合法方向入队；非法方向回送 error 事件且不动队列
func (h *Handler) OnChangeDirection(sid string, req ChangeDirectionRequest) {
	var (
		got      any
		rejected bool
	)
	err := h.store.Update(sid, func(sess *Session) error {
		if sess.Sim == nil {
			return ErrNoSimulation
		}
		var (
			d   game.Direction
			err error
		)
		d, got, err = parseDirection(req.Direction)
		if err != nil {
			rejected = true
			return nil
		}
		if sess.Queue.Push(d) {
			h.metrics.IncIntentsDropped()
			Log.Debugw("direction queue full, dropped oldest", "sid", sid)
		}
		h.metrics.IncIntentsAccepted()
		return nil
	})
	if err != nil {
		return
	}
	if rejected {
		h.metrics.IncIntentsRejected()
		h.send(sid, EventError, ErrorPayload{Type: ErrTypeBadDirection, Got: got})
	}
}

// OnStop 只置终止标志，由循环在下一次迭代发出 game_over
func (h *Handler) OnStop(sid string) {
	_ = h.store.Update(sid, func(sess *Session) error {
		if sess.Sim == nil {
			return ErrNoSimulation
		}
		sess.Sim.End()
		return nil
	})
}

// OnDisconnect 删除会话并尽力调用游戏实例的清理钩子
func (h *Handler) OnDisconnect(sid string) {
	final, ok := h.store.Remove(sid)
	if !ok {
		return
	}
	h.metrics.IncSessionsClosed()
	if err := final.runCleanup(); err != nil {
		Log.Warnw("session cleanup error", "sid", sid, "error", err)
	}
	Log.Infow("client disconnected", "sid", sid, "games", final.Stats.Games, "best_score", final.Stats.BestScore)
}

// SetTick 对运行中的会话调整 Tick 间隔，下一次迭代生效
func (h *Handler) SetTick(sid string, ms int) (Session, error) {
	var out Session
	err := h.store.Update(sid, func(sess *Session) error {
		sess.TickInterval = h.clampTick(ms)
		out = sess.clone()
		return nil
	})
	return out, err
}

func (h *Handler) tickFor(req StartGameRequest, current time.Duration) time.Duration {
	switch {
	case req.TickMs != nil:
		return h.clampTick(*req.TickMs)
	case current > 0:
		return current
	default:
		return h.clampTick(h.cfg.DefaultTickMs)
	}
}

func (h *Handler) clampTick(ms int) time.Duration {
	if ms < 1 {
		ms = 1
	}
	if h.cfg.MaxTickMs > 0 && ms > h.cfg.MaxTickMs {
		ms = h.cfg.MaxTickMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (h *Handler) protocolError(sid, typ string, got any, err error) {
	if err != nil {
		Log.Debugw("protocol error", "sid", sid, "type", typ, "error", err)
	}
	h.send(sid, EventError, ErrorPayload{Type: typ, Got: got})
}

func (h *Handler) send(sid, event string, payload any) {
	if err := h.emit.Emit(sid, event, payload); err != nil {
		Log.Debugw("emit failed", "sid", sid, "event", event, "error", err)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// parseDirection 返回解析结果与原始值（用于错误回显）
func parseDirection(raw json.RawMessage) (game.Direction, any, error) {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return game.DirNone, string(raw), fmt.Errorf("decode direction: %w", err)
		}
	}
	s, ok := v.(string)
	if !ok {
		return game.DirNone, v, game.ErrInvalidDirection
	}
	d, err := game.ParseDirection(s)
	if err != nil {
		return game.DirNone, v, err
	}
	return d, v, nil
}

// IsStale 会话不存在或未开局类的错误，对客户端静默
func IsStale(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoSimulation)
}
