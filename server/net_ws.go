package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

// ErrConnNotFound 连接已关闭或从未存在
var ErrConnNotFound = errors.New("connection not found")

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func NewClientConn(id string, ws *websocket.Conn, buffer int) *ClientConn {
	return &ClientConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		// 为了实时性，丢弃新消息（防止阻塞 Tick）
		return false
	}
}

// EnqueueWait 队列满时最多等待 d，用于不能丢的终局帧
func (c *ClientConn) EnqueueWait(b []byte, d time.Duration) bool {
	if c.Enqueue(b) {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case c.send <- b:
		return true
	case <-t.C:
		return false
	}
}

// Close 关闭发送队列，写协程随后关闭底层连接
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时 Ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 读取客户端事件并交给协议处理器；退出即视为断线
func (c *ClientConn) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		h.handler.OnDisconnect(c.id)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				Log.Warnw("websocket read error", "sid", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			h.handler.protocolError(c.id, ErrTypeBadMessage, nil, err)
			continue
		}
		h.handler.Dispatch(c.id, env)
	}
}

// Hub 管理全部 WebSocket 连接，按 sid 单播事件
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*ClientConn
	handler  *Handler
	metrics  *Metrics
	buffer   int
	upgrader websocket.Upgrader
}

// NewHub 创建连接中心；处理器通过 SetHandler 注入（两者互相引用）
func NewHub(metrics *Metrics, buffer int) *Hub {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{
		conns:   make(map[string]*ClientConn),
		metrics: metrics,
		buffer:  buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 与前端分离部署，允许所有来源
				return true
			},
		},
	}
}

// SetHandler 注入协议处理器
func (h *Hub) SetHandler(handler *Handler) {
	h.handler = handler
}

// Emit 实现 Emitter：封装为 {"event","data"} 文本帧入队
func (h *Hub) Emit(sid, event string, payload any) error {
	h.mu.RLock()
	c := h.conns[sid]
	h.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("emit %s to %s: %w", event, sid, ErrConnNotFound)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	// 发送队列可能已被关闭，持读锁保证 unregister 不会在入队期间 close
	// game_over 等待期间写协程仍在消费队列，unregister 最多被推迟 writeWait
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conns[sid] != c {
		return fmt.Errorf("emit %s to %s: %w", event, sid, ErrConnNotFound)
	}
	var ok bool
	if event == EventGameOver {
		ok = c.EnqueueWait(b, writeWait)
	} else {
		ok = c.Enqueue(b)
	}
	if !ok {
		h.metrics.IncFramesDropped()
		return fmt.Errorf("emit %s to %s: send buffer full", event, sid)
	}
	h.metrics.IncFramesSent()
	return nil
}

// ConnCount 当前连接数
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll 关闭全部连接（优雅退出）
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.conns {
		c.Close()
		delete(h.conns, id)
	}
}

func (h *Hub) register(c *ClientConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *ClientConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	c.Close()
}

// ServeWS WebSocket 接入：分配 sid，注册连接，触发 connect 事件
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade error", "error", err)
		return
	}

	c := NewClientConn(uuid.NewString(), ws, h.buffer)
	h.register(c)

	go c.writePump()
	h.handler.OnConnect(c.id)
	go c.readPump(h)
}
