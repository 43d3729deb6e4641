package server

import "snakearena/game"

// DirectionQueue 每个会话待处理的转向意图，FIFO，每个 Tick 消费一个
// 不是并发安全的：由 Session 所在的锁保护
type DirectionQueue struct {
	items    []game.Direction
	capacity int // <=0 不限
}

// NewDirectionQueue 创建队列；容量满时丢弃最旧的意图
func NewDirectionQueue(capacity int) *DirectionQueue {
	return &DirectionQueue{capacity: capacity}
}

// Push 追加到队尾；若因容量丢弃了最旧意图则返回 true
func (q *DirectionQueue) Push(d game.Direction) (dropped bool) {
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, d)
	return dropped
}

// PopOldest 取出最早的意图
func (q *DirectionQueue) PopOldest() (game.Direction, bool) {
	if len(q.items) == 0 {
		return game.DirNone, false
	}
	d := q.items[0]
	q.items[0] = game.DirNone
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return d, true
}

// Len 当前排队数量
func (q *DirectionQueue) Len() int { return len(q.items) }

// Clear 清空（开新局时）
func (q *DirectionQueue) Clear() { q.items = nil }
