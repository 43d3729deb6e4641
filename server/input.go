package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// 入站事件
const (
	EventStartGame       = "start_game"
	EventChangeDirection = "change_direction"
	EventStopGame        = "stop_game"
)

// 出站事件
const (
	EventServerReady = "server_ready"
	EventGameStarted = "game_started"
	EventGameState   = "game_state"
	EventGameOver    = "game_over"
	EventError       = "error"
)

// 错误事件的 type 字段
const (
	ErrTypeBadDirection = "bad_direction"
	ErrTypeBadMessage   = "bad_message"
	ErrTypeUnknownEvent = "unknown_event"
)

// Envelope WebSocket 文本帧的统一结构，两个方向通用
// 示例：{"event":"change_direction","data":{"direction":"UP"}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartGameRequest start_game 载荷；tick_ms 可省略
type StartGameRequest struct {
	TickMs *int `json:"tick_ms,omitempty"`
}

var errBadTickMs = errors.New("tick_ms must be a whole number")

// UnmarshalJSON tick_ms 接受整数、数字字符串（"50"）和整数值的浮点数（50.0）
func (r *StartGameRequest) UnmarshalJSON(b []byte) error {
	var raw struct {
		TickMs json.RawMessage `json:"tick_ms"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.TickMs = nil
	if len(raw.TickMs) == 0 || string(raw.TickMs) == "null" {
		return nil
	}
	ms, err := parseTickMs(raw.TickMs)
	if err != nil {
		return err
	}
	r.TickMs = &ms
	return nil
}

func parseTickMs(raw json.RawMessage) (int, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadTickMs, x)
		}
		f = n
	default:
		return 0, fmt.Errorf("%w: %s", errBadTickMs, raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s", errBadTickMs, raw)
	}
	// 超大值交给 clampTick 截断
	if f > math.MaxInt32 {
		f = math.MaxInt32
	}
	if f < math.MinInt32 {
		f = math.MinInt32
	}
	return int(f), nil
}

// ChangeDirectionRequest change_direction 载荷
// Direction 保留原始 JSON，非法时原样回显
type ChangeDirectionRequest struct {
	Direction json.RawMessage `json:"direction"`
}

type ServerReadyPayload struct {
	Sid string `json:"sid"`
}

type GameStartedPayload struct {
	TickMs int64 `json:"tick_ms"`
}

type ErrorPayload struct {
	Type string `json:"type"`
	Got  any    `json:"got"`
}

// Emitter 向指定连接发送一个命名事件
type Emitter interface {
	Emit(sid, event string, payload any) error
}
