package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// minTick 每次 Tick 之间至少睡眠 1ms
const minTick = time.Millisecond

var errLoopSuperseded = errors.New("loop no longer owns session")

// Scheduler 为每个已开局的会话运行一个 Tick 协程
// 循环是协作式退出的：每次迭代重新读取会话，会话消失、无游戏实例或游戏结束时自行退出
type Scheduler struct {
	ctx     context.Context
	store   Store
	emit    Emitter
	metrics *Metrics
	wg      sync.WaitGroup
}

// NewScheduler ctx 取消时所有循环在当前睡眠结束前退出（用于优雅关闭）
func NewScheduler(ctx context.Context, store Store, emit Emitter, metrics *Metrics) *Scheduler {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Scheduler{ctx: ctx, store: store, emit: emit, metrics: metrics}
}

// claim 在 Store.Update 回调内调用：守卫未置位时置位并返回本次循环的代号
// 守卫必须在协程创建之前落到会话记录里，否则两个 start 可能各起一个循环
func (s *Scheduler) claim(sess *Session) (uint64, bool) {
	if sess.LoopRunning {
		return 0, false
	}
	sess.LoopRunning = true
	sess.loopGen++
	return sess.loopGen, true
}

// launch 启动已 claim 的循环
func (s *Scheduler) launch(sid string, gen uint64) {
	s.wg.Add(1)
	s.metrics.LoopStarted()
	go s.run(sid, gen)
}

// Wait 阻塞直到所有循环退出
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

type tickResult struct {
	frame    json.RawMessage
	over     bool
	interval time.Duration
}

func (s *Scheduler) run(sid string, gen uint64) {
	defer s.wg.Done()
	defer s.metrics.LoopExited()
	defer s.release(sid, gen)

	Log.Debugw("tick loop started", "sid", sid, "gen", gen)
	for {
		res, err := s.tick(sid, gen)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			Log.Debugw("tick loop exit: session gone", "sid", sid)
			return
		case errors.Is(err, ErrNoSimulation), errors.Is(err, errLoopSuperseded):
			Log.Debugw("tick loop exit", "sid", sid, "reason", err)
			return
		case err != nil:
			s.metrics.IncLoopFailures()
			Log.Errorw("tick loop failed", "sid", sid, "error", err)
			return
		}

		s.send(sid, EventGameState, res.frame)
		if res.over {
			s.metrics.IncGamesOver()
			s.send(sid, EventGameOver, res.frame)
			Log.Infow("game over", "sid", sid)
			return
		}

		if !s.sleep(res.interval) {
			Log.Debugw("tick loop exit: shutting down", "sid", sid)
			return
		}
	}
}

// tick 在会话锁内完成一次迭代：取一个方向意图 → Step → 快照 → 检查终止
func (s *Scheduler) tick(sid string, gen uint64) (tickResult, error) {
	var res tickResult
	err := s.store.Update(sid, func(sess *Session) error {
		if !sess.LoopRunning || sess.loopGen != gen {
			return errLoopSuperseded
		}
		if sess.Sim == nil {
			return ErrNoSimulation
		}
		res.interval = sess.TickInterval

		start := time.Now()
		if d, ok := sess.Queue.PopOldest(); ok {
			if err := sess.Sim.ChangeDirection(d); err != nil {
				Log.Warnw("apply direction failed", "sid", sid, "direction", d, "error", err)
			}
		}
		if err := guard("step", sess.Sim.Step); err != nil {
			return err
		}
		var frame json.RawMessage
		err := guard("snapshot", func() (err error) {
			frame, err = sess.Sim.Snapshot()
			return err
		})
		if err != nil {
			return err
		}
		res.frame = frame
		s.metrics.AddTick(time.Since(start).Nanoseconds())

		if !sess.Sim.Running() {
			res.over = true
			sess.Started = false
			sess.Stats.record(sess.Sim.Score())
			// 守卫留给 release：game_over 发出之前到达的 start 是空操作
		}
		return nil
	})
	return res, err
}

// release 每条退出路径都会执行：仅当守卫仍属于本循环时清除；会话已删除则忽略
func (s *Scheduler) release(sid string, gen uint64) {
	err := s.store.Update(sid, func(sess *Session) error {
		if sess.loopGen != gen {
			return nil
		}
		if sess.LoopRunning {
			sess.LoopRunning = false
			sess.Started = false
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		Log.Warnw("release loop guard failed", "sid", sid, "error", err)
	}
}

func (s *Scheduler) sleep(d time.Duration) bool {
	if d < minTick {
		d = minTick
	}
	if s.ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) send(sid, event string, payload any) {
	if err := s.emit.Emit(sid, event, payload); err != nil {
		Log.Debugw("emit failed", "sid", sid, "event", event, "error", err)
	}
}

// guard 把游戏实例内的 panic 转成错误，只影响当前会话
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
