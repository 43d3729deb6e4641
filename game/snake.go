package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrStopped 游戏实例已被释放，不能再推进
var ErrStopped = errors.New("game stopped")

// Point 网格坐标
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Config 单局游戏的基本规则
type Config struct {
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	StartLength int `yaml:"start_length"`
}

// DefaultConfig 20x20 网格，初始长度 3
func DefaultConfig() Config {
	return Config{Width: 20, Height: 20, StartLength: 3}
}

// State 每个 Tick 序列化给客户端的快照
type State struct {
	GridWidth  int     `json:"grid_width"`
	GridHeight int     `json:"grid_height"`
	Snake      []Point `json:"snake"`
	Food       Point   `json:"food"`
	Direction  string  `json:"direction"`
	Score      int     `json:"score"`
	Steps      int     `json:"steps"`
	Running    bool    `json:"running"`
}

// Game 服务端权威的贪吃蛇世界
// 所有方法并发安全：Tick 协程推进，协议处理器可能同时调用 End/ChangeDirection
type Game struct {
	mu sync.Mutex

	cfg     Config
	rng     *rand.Rand
	snake   []Point // snake[0] 为蛇头
	dir     Direction
	food    Point
	score   int
	steps   int
	running bool
	stopped bool
}

// New 创建并初始化一局游戏
func New(cfg Config) *Game {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		d := DefaultConfig()
		cfg.Width, cfg.Height = d.Width, d.Height
	}
	if cfg.StartLength <= 0 {
		cfg.StartLength = 1
	}
	if cfg.StartLength > cfg.Width/2 {
		cfg.StartLength = max(cfg.Width/2, 1)
	}
	g := &Game{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.Reset()
	return g
}

// Reset 回到初始状态：蛇在中央、向右、重新投放食物
func (g *Game) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cx, cy := g.cfg.Width/2, g.cfg.Height/2
	g.snake = g.snake[:0]
	for i := 0; i < g.cfg.StartLength; i++ {
		g.snake = append(g.snake, Point{X: cx - i, Y: cy})
	}
	g.dir = DirRight
	g.score = 0
	g.steps = 0
	g.running = true
	g.stopped = false
	g.placeFood()
}

// ChangeDirection 应用一次转向；与当前方向相反的输入被忽略
func (g *Game) ChangeDirection(d Direction) error {
	if d == DirNone {
		return ErrInvalidDirection
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.snake) > 1 && d == g.dir.Opposite() {
		return nil
	}
	g.dir = d
	return nil
}

// Step 推进一个单位时间：移动、吃食物、检测撞墙与自撞
func (g *Game) Step() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrStopped
	}
	if !g.running {
		return nil
	}

	dx, dy := g.dir.delta()
	head := Point{X: g.snake[0].X + dx, Y: g.snake[0].Y + dy}
	g.steps++

	if head.X < 0 || head.Y < 0 || head.X >= g.cfg.Width || head.Y >= g.cfg.Height {
		g.running = false
		return nil
	}

	grow := head == g.food
	body := g.snake
	if !grow {
		// 尾巴本 Tick 会移走，不算碰撞
		body = g.snake[:len(g.snake)-1]
	}
	for _, p := range body {
		if p == head {
			g.running = false
			return nil
		}
	}

	g.snake = append([]Point{head}, g.snake...)
	if grow {
		g.score++
		if len(g.snake) == g.cfg.Width*g.cfg.Height {
			// 铺满网格，胜利结束
			g.running = false
			return nil
		}
		g.placeFood()
	} else {
		g.snake = g.snake[:len(g.snake)-1]
	}
	return nil
}

// Snapshot 序列化当前状态
func (g *Game) Snapshot() (json.RawMessage, error) {
	g.mu.Lock()
	st := State{
		GridWidth:  g.cfg.Width,
		GridHeight: g.cfg.Height,
		Snake:      append([]Point(nil), g.snake...),
		Food:       g.food,
		Direction:  g.dir.String(),
		Score:      g.score,
		Steps:      g.steps,
		Running:    g.running,
	}
	g.mu.Unlock()

	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal snake state: %w", err)
	}
	return b, nil
}

// Running 游戏是否仍在进行
func (g *Game) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// End 置终止标志，由 Tick 循环在下一次迭代观察到
func (g *Game) End() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// Score 当前得分
func (g *Game) Score() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.score
}

// Stop 断线清理钩子：结束并释放实例，之后 Step 返回 ErrStopped
func (g *Game) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	g.stopped = true
	g.snake = nil
	return nil
}

// placeFood 在空闲格子中随机投放食物；调用方持有锁
func (g *Game) placeFood() {
	occupied := make(map[Point]struct{}, len(g.snake))
	for _, p := range g.snake {
		occupied[p] = struct{}{}
	}
	free := make([]Point, 0, g.cfg.Width*g.cfg.Height-len(g.snake))
	for y := 0; y < g.cfg.Height; y++ {
		for x := 0; x < g.cfg.Width; x++ {
			p := Point{X: x, Y: y}
			if _, ok := occupied[p]; !ok {
				free = append(free, p)
			}
		}
	}
	if len(free) == 0 {
		return
	}
	g.food = free[g.rng.Intn(len(free))]
}

// setFood 测试用：固定食物位置
func (g *Game) setFood(p Point) {
	g.mu.Lock()
	g.food = p
	g.mu.Unlock()
}
