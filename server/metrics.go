package server

import (
	"sync/atomic"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	SessionsOpened  int64 // 建立过的会话数
	SessionsClosed  int64 // 已断开的会话数
	LoopsRunning    int64 // 当前活跃的 Tick 循环
	GamesStarted    int64 // 开局次数
	GamesOver       int64 // 结束的对局
	LoopFailures    int64 // 因 Step/序列化失败退出的循环
	TickCount       int64 // 累计 Tick 次数
	TotalTickNs     int64 // Tick 累计耗时（纳秒）
	IntentsAccepted int64 // 入队的转向意图
	IntentsDropped  int64 // 因队列满被丢弃的最旧意图
	IntentsRejected int64 // 非法方向
	FramesSent      int64 // 入队发送的帧
	FramesDropped   int64 // 因发送队列满被丢弃的帧
}

func (m *Metrics) IncSessionsOpened() { atomic.AddInt64(&m.SessionsOpened, 1) }
func (m *Metrics) IncSessionsClosed() { atomic.AddInt64(&m.SessionsClosed, 1) }
func (m *Metrics) IncGamesStarted() { atomic.AddInt64(&m.GamesStarted, 1) }
func (m *Metrics) IncGamesOver() { atomic.AddInt64(&m.GamesOver, 1) }
func (m *Metrics) IncLoopFailures() { atomic.AddInt64(&m.LoopFailures, 1) }
func (m *Metrics) IncIntentsAccepted() { atomic.AddInt64(&m.IntentsAccepted, 1) }
func (m *Metrics) IncIntentsDropped() { atomic.AddInt64(&m.IntentsDropped, 1) }
func (m *Metrics) IncIntentsRejected() { atomic.AddInt64(&m.IntentsRejected, 1) }
func (m *Metrics) IncFramesSent() { atomic.AddInt64(&m.FramesSent, 1) }
func (m *Metrics) IncFramesDropped() { atomic.AddInt64(&m.FramesDropped, 1) }
func (m *Metrics) LoopStarted() { atomic.AddInt64(&m.LoopsRunning, 1) }
func (m *Metrics) LoopExited() { atomic.AddInt64(&m.LoopsRunning, -1) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"sessions_opened":  atomic.LoadInt64(&m.SessionsOpened),
		"sessions_closed":  atomic.LoadInt64(&m.SessionsClosed),
		"loops_running":    atomic.LoadInt64(&m.LoopsRunning),
		"games_started":    atomic.LoadInt64(&m.GamesStarted),
		"games_over":       atomic.LoadInt64(&m.GamesOver),
		"loop_failures":    atomic.LoadInt64(&m.LoopFailures),
		"tick_count":       tick,
		"intents_accepted": atomic.LoadInt64(&m.IntentsAccepted),
		"intents_dropped":  atomic.LoadInt64(&m.IntentsDropped),
		"intents_rejected": atomic.LoadInt64(&m.IntentsRejected),
		"frames_sent":      atomic.LoadInt64(&m.FramesSent),
		"frames_dropped":   atomic.LoadInt64(&m.FramesDropped),
		"avg_tick_ms":      avgMs,
	}
}
