package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snakearena/game"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig()
	cfg.Game = game.Config{Width: 10, Height: 10, StartLength: 3}
	app := NewApp(ctx, cfg)
	srv := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		app.Shutdown()
	})
	return app, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: raw}))
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	for i := 0; i < 1000; i++ {
		env := readEvent(t, conn)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("never received %s", event)
	return Envelope{}
}

func TestWS_FullGameRoundTrip(t *testing.T) {
	app, srv := newTestApp(t)
	conn := dial(t, srv)

	ready := readEvent(t, conn)
	require.Equal(t, EventServerReady, ready.Event)
	var rp ServerReadyPayload
	require.NoError(t, json.Unmarshal(ready.Data, &rp))
	require.NotEmpty(t, rp.Sid)

	_, ok := app.Store.Get(rp.Sid)
	require.True(t, ok)

	sendEvent(t, conn, EventStartGame, map[string]int{"tick_ms": 20})
	started := readEvent(t, conn)
	require.Equal(t, EventGameStarted, started.Event)
	assert.JSONEq(t, `{"tick_ms":20}`, string(started.Data))

	initial := readEvent(t, conn)
	require.Equal(t, EventGameState, initial.Event)
	var st game.State
	require.NoError(t, json.Unmarshal(initial.Data, &st))
	assert.True(t, st.Running)
	assert.Equal(t, 10, st.GridWidth)

	// 一直向右，最多几个 Tick 后撞墙
	over := readUntil(t, conn, EventGameOver)
	require.NoError(t, json.Unmarshal(over.Data, &st))
	assert.False(t, st.Running)

	require.Eventually(t, func() bool {
		s, ok := app.Store.Get(rp.Sid)
		return ok && !s.LoopRunning && s.Stats.Games == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWS_InvalidInputReportsError(t *testing.T) {
	_, srv := newTestApp(t)
	conn := dial(t, srv)
	readUntil(t, conn, EventServerReady)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	env := readEvent(t, conn)
	require.Equal(t, EventError, env.Event)
	assert.Contains(t, string(env.Data), ErrTypeBadMessage)

	sendEvent(t, conn, EventStartGame, map[string]int{"tick_ms": 5000})
	readUntil(t, conn, EventGameStarted)

	sendEvent(t, conn, EventChangeDirection, map[string]string{"direction": "SIDEWAYS"})
	env = readUntil(t, conn, EventError)
	assert.JSONEq(t, `{"type":"bad_direction","got":"SIDEWAYS"}`, string(env.Data))
}

func TestWS_DisconnectRemovesSession(t *testing.T) {
	app, srv := newTestApp(t)
	conn := dial(t, srv)
	readUntil(t, conn, EventServerReady)

	sendEvent(t, conn, EventStartGame, map[string]int{"tick_ms": 10})
	readUntil(t, conn, EventGameState)
	require.Equal(t, 1, app.Store.Len())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return app.Store.Len() == 0 && app.Hub.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return app.Metrics.Snapshot()["loops_running"] == int64(0)
	}, time.Second, 10*time.Millisecond)
}

func TestWS_SessionsAreIndependent(t *testing.T) {
	app, srv := newTestApp(t)
	a := dial(t, srv)
	b := dial(t, srv)
	readUntil(t, a, EventServerReady)
	readUntil(t, b, EventServerReady)

	sendEvent(t, a, EventStartGame, map[string]int{"tick_ms": 10})
	readUntil(t, a, EventGameState)

	sendEvent(t, b, EventStopGame, nil)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "stop without a game must not emit anything")

	assert.Equal(t, 2, app.Store.Len())
}

func TestHub_EmitUnknownConnection(t *testing.T) {
	hub := NewHub(nil, 4)
	err := hub.Emit("ghost", EventGameState, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrConnNotFound)
}

func TestHub_GameOverWaitsForBufferSpace(t *testing.T) {
	m := &Metrics{}
	hub := NewHub(m, 1)
	c := NewClientConn("s1", nil, 1)
	hub.register(c)

	require.NoError(t, hub.Emit("s1", EventGameState, json.RawMessage(`{}`)))
	assert.Error(t, hub.Emit("s1", EventGameState, json.RawMessage(`{}`)), "ordinary frames are dropped when full")

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.send
	}()
	require.NoError(t, hub.Emit("s1", EventGameOver, json.RawMessage(`{}`)))

	var env Envelope
	require.NoError(t, json.Unmarshal(<-c.send, &env))
	assert.Equal(t, EventGameOver, env.Event)
	assert.EqualValues(t, 2, atomic.LoadInt64(&m.FramesSent))
	assert.EqualValues(t, 1, atomic.LoadInt64(&m.FramesDropped))
}
