package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/multierr"

	"snakearena/game"
)

var (
	// ErrSessionNotFound 会话不存在（客户端已断开或从未连接）
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoSimulation 会话尚未开局
	ErrNoSimulation = errors.New("session has no simulation")
)

// Simulation 会话驱动的游戏实例；服务端只关心 Running 标志，快照原样转发
type Simulation interface {
	Reset()
	Step() error
	ChangeDirection(d game.Direction) error
	Snapshot() (json.RawMessage, error)
	Running() bool
	End()
	Score() int
}

// Stopper 可选清理钩子：断线时调用
type Stopper interface {
	Stop() error
}

// Statistics 会话累计统计，连接期间不清零
type Statistics struct {
	Games     int `json:"games"`
	BestScore int `json:"best_score"`
	LastScore int `json:"last_score"`
}

func (st *Statistics) record(score int) {
	st.Games++
	st.LastScore = score
	if score > st.BestScore {
		st.BestScore = score
	}
}

// Session 每个连接一份的服务端状态
// 字段只能在 Store.Update 的回调中修改
type Session struct {
	ID           string
	Sim          Simulation
	Started      bool
	LoopRunning  bool
	TickInterval time.Duration
	Queue        DirectionQueue
	Stats        Statistics
	CreatedAt    time.Time

	loopGen uint64
	cleanup []func() error
}

// attach 安装游戏实例，并在此时一次性解析它支持的清理钩子
func (s *Session) attach(sim Simulation) {
	s.Sim = sim
	s.cleanup = s.cleanup[:0]
	if st, ok := sim.(Stopper); ok {
		s.cleanup = append(s.cleanup, st.Stop)
	}
	if c, ok := sim.(io.Closer); ok {
		s.cleanup = append(s.cleanup, c.Close)
	}
}

// runCleanup 尽力调用全部钩子，单个钩子失败或 panic 不影响其余钩子
func (s *Session) runCleanup() (err error) {
	for i, hook := range s.cleanup {
		err = multierr.Append(err, safeCall(i, hook))
	}
	return err
}

func safeCall(i int, hook func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup hook %d panicked: %v", i, r)
		}
	}()
	if err := hook(); err != nil {
		return fmt.Errorf("cleanup hook %d: %w", i, err)
	}
	return nil
}

// clone 返回可安全在锁外读取的副本
func (s *Session) clone() Session {
	cp := *s
	cp.Queue.items = slices.Clone(s.Queue.items)
	cp.cleanup = nil
	return cp
}

// SessionInfo 管理接口输出的只读视图
type SessionInfo struct {
	ID          string     `json:"sid"`
	Started     bool       `json:"started"`
	LoopRunning bool       `json:"loop_running"`
	TickMs      int64      `json:"tick_ms"`
	QueueLen    int        `json:"queue_len"`
	HasGame     bool       `json:"has_game"`
	Stats       Statistics `json:"statistics"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Info 生成管理视图
func (s Session) Info() SessionInfo {
	return SessionInfo{
		ID:          s.ID,
		Started:     s.Started,
		LoopRunning: s.LoopRunning,
		TickMs:      s.TickInterval.Milliseconds(),
		QueueLen:    s.Queue.Len(),
		HasGame:     s.Sim != nil,
		Stats:       s.Stats,
		CreatedAt:   s.CreatedAt,
	}
}
