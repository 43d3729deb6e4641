package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"snakearena/game"
)

// fakeSim 可控的游戏实例：记录每次转向发生在第几步
type fakeSim struct {
	mu       sync.Mutex
	steps    int
	running  bool
	endAfter int // >0 时第 endAfter 步后结束
	stepErr  error
	panicMsg string
	applied  []appliedDir
	resets   int
	stops    int
	closes   int
	closeErr error
}

type appliedDir struct {
	dir  game.Direction
	step int // 转向时已完成的步数
}

func newFakeSim() *fakeSim { return &fakeSim{running: true} }

func (f *fakeSim) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.steps = 0
	f.running = true
}

func (f *fakeSim) Step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.stepErr != nil {
		return f.stepErr
	}
	if !f.running {
		return nil
	}
	f.steps++
	if f.endAfter > 0 && f.steps >= f.endAfter {
		f.running = false
	}
	return nil
}

func (f *fakeSim) ChangeDirection(d game.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, appliedDir{dir: d, step: f.steps})
	return nil
}

func (f *fakeSim) Snapshot() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"steps":%d,"running":%t}`, f.steps, f.running)), nil
}

func (f *fakeSim) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSim) End() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *fakeSim) Score() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

func (f *fakeSim) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeSim) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeSim) appliedDirs() []appliedDir {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]appliedDir(nil), f.applied...)
}

func (f *fakeSim) set(fn func(f *fakeSim)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type emitted struct {
	sid     string
	event   string
	payload any
	at      time.Time
}

// recorder 记录全部出站事件的 Emitter
type recorder struct {
	mu     sync.Mutex
	events []emitted
	ch     chan emitted
	err    error
	hook   func(emitted) // 在 Emit 调用方的协程里同步执行
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan emitted, 4096)}
}

func (r *recorder) Emit(sid, event string, payload any) error {
	e := emitted{sid: sid, event: event, payload: payload, at: time.Now()}
	r.mu.Lock()
	r.events = append(r.events, e)
	err := r.err
	hook := r.hook
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
	if hook != nil {
		hook(e)
	}
	return err
}

func (r *recorder) setHook(fn func(emitted)) {
	r.mu.Lock()
	r.hook = fn
	r.mu.Unlock()
}

// sequence 按发送顺序返回某个会话的事件名
func (r *recorder) sequence(sid string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.sid == sid {
			out = append(out, e.event)
		}
	}
	return out
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if event == "" || e.event == event {
			n++
		}
	}
	return n
}

// next 等待下一个事件，超时则失败
func (r *recorder) next(t *testing.T, within time.Duration) emitted {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return emitted{}
	}
}

// waitFor 丢弃其他事件直到收到指定事件
func (r *recorder) waitFor(t *testing.T, event string, within time.Duration) emitted {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case e := <-r.ch:
			if e.event == event {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
			return emitted{}
		}
	}
}

// drain 清空已缓冲的事件
func (r *recorder) drain() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}

func (r *recorder) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case e := <-r.ch:
		t.Fatalf("expected no event within %v, got %s", within, e.event)
	case <-time.After(within):
	}
}

type harness struct {
	store   *MemoryStore
	rec     *recorder
	sched   *Scheduler
	handler *Handler
	metrics *Metrics
	cancel  context.CancelFunc

	mu   sync.Mutex
	sims []*fakeSim
	setup func(*fakeSim)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		store:   NewMemoryStore(0),
		rec:     newRecorder(),
		metrics: &Metrics{},
		cancel:  cancel,
	}
	h.sched = NewScheduler(ctx, h.store, h.rec, h.metrics)
	cfg := DefaultConfig().Session
	h.handler = NewHandler(h.store, h.sched, h.rec, h.metrics, cfg, func() Simulation {
		sim := newFakeSim()
		h.mu.Lock()
		if h.setup != nil {
			h.setup(sim)
		}
		h.sims = append(h.sims, sim)
		h.mu.Unlock()
		return sim
	})
	t.Cleanup(func() {
		cancel()
		done := make(chan struct{})
		go func() {
			h.sched.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("tick loops did not exit")
		}
	})
	return h
}

func (h *harness) simCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sims)
}

func (h *harness) sim(t *testing.T, i int) *fakeSim {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.sims), i)
	return h.sims[i]
}

// connect 建立会话并丢弃 server_ready
func (h *harness) connect(t *testing.T, sid string) {
	t.Helper()
	h.handler.OnConnect(sid)
	e := h.rec.next(t, time.Second)
	require.Equal(t, EventServerReady, e.event)
}

func (h *harness) start(sid string, tickMs int) {
	h.handler.OnStart(sid, StartGameRequest{TickMs: &tickMs})
}

func rawDir(s string) ChangeDirectionRequest {
	b, _ := json.Marshal(s)
	return ChangeDirectionRequest{Direction: b}
}

func waitLoopIdle(t *testing.T, store Store, sid string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := store.Get(sid)
		return !ok || !s.LoopRunning
	}, time.Second, 5*time.Millisecond)
}

var errBoom = errors.New("boom")
