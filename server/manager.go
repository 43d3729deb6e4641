package server

import (
	"sort"
	"sync"
	"time"
)

// Store 连接 ID 到会话记录的映射，是会话状态的唯一来源
type Store interface {
	Create(id string) Session
	Get(id string) (Session, bool)
	// Update 在该会话的锁内执行 fn；会话不存在返回 ErrSessionNotFound
	Update(id string, fn func(*Session) error) error
	Remove(id string) (Session, bool)
	List() []Session
	Len() int
}

type entry struct {
	mu      sync.Mutex
	s       Session
	removed bool
}

// MemoryStore 进程内的 Store 实现
// 外层 RWMutex 保护映射，每个会话一把锁，不同会话之间互不阻塞
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*entry
	queueCapacity int
}

// NewMemoryStore 创建会话存储；queueCapacity 用于新会话的方向队列
func NewMemoryStore(queueCapacity int) *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*entry),
		queueCapacity: queueCapacity,
	}
}

// Create 创建空会话（无游戏实例、统计清零）；同 ID 已存在时替换
func (m *MemoryStore) Create(id string) Session {
	e := &entry{s: Session{
		ID:        id,
		Queue:     *NewDirectionQueue(m.queueCapacity),
		CreatedAt: time.Now(),
	}}

	m.mu.Lock()
	old := m.sessions[id]
	m.sessions[id] = e
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		old.removed = true
		old.mu.Unlock()
	}
	return e.s.clone()
}

// Get 返回会话副本
func (m *MemoryStore) Get(id string) (Session, bool) {
	e := m.lookup(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.s.clone(), true
}

// Update 串行化同一会话的全部读写
func (m *MemoryStore) Update(id string, fn func(*Session) error) error {
	e := m.lookup(id)
	if e == nil {
		return ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrSessionNotFound
	}
	return fn(&e.s)
}

// Remove 删除会话并返回最终状态；返回后不会再有 Update 回调作用于该会话
func (m *MemoryStore) Remove(id string) (Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	final := e.s.clone()
	final.cleanup = e.s.cleanup
	return final, true
}

// List 按创建时间排序的全部会话副本
func (m *MemoryStore) List() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.s.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len 当前会话数
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryStore) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}
