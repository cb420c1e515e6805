package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anroll-controller/internal/core"
)

type memFrames struct {
	mu     sync.Mutex
	frames map[string][]byte
}

func (m *memFrames) Put(target string, _, _ int, rgba []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		m.frames = make(map[string][]byte)
	}
	m.frames[target] = rgba
	return nil
}

func (m *memFrames) Get(target string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[target]
}

// fakeBackend answers every text command with a preview frame and "finished".
func fakeBackend(t *testing.T, received chan<- map[string]interface{}) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var body map[string]interface{}
			if err := json.Unmarshal(data, &body); err != nil {
				return
			}
			received <- body

			frame, _ := EncodeFrame(map[string]interface{}{
				"command": "image", "width": 1, "height": 1, "target": "preview",
			}, []byte{1, 2, 3, 4})
			_ = conn.WriteMessage(websocket.BinaryMessage, frame)

			feedback, _ := EncodeFrame(map[string]interface{}{
				"command": "feedback", "feedback": map[string]interface{}{"SET_D_FACTOR": 0.333},
			}, nil)
			_ = conn.WriteMessage(websocket.BinaryMessage, feedback)

			finished, _ := EncodeFrame(map[string]interface{}{"command": "finished"}, nil)
			_ = conn.WriteMessage(websocket.BinaryMessage, finished)
		}
	}))
}

func TestController_Session(t *testing.T) {
	received := make(chan map[string]interface{}, 10)
	srv := fakeBackend(t, received)
	defer srv.Close()

	state := core.NewState(core.DefaultSettings(1))
	bus := core.NewEventBus()
	connected := bus.Subscribe(core.BackendConnectedEvent)
	frameEvents := bus.Subscribe(core.FrameReceivedEvent)
	frames := &memFrames{}
	outbox := NewOutbox(5, 10, nil, Hooks{})

	c := NewController(ControllerOptions{
		Address:    strings.TrimPrefix(srv.URL, "http://"),
		RetryDelay: 20 * time.Millisecond,
		Outbox:     outbox,
		State:      state,
		EventBus:   bus,
		Frames:     frames,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never connected")
	}
	assert.True(t, state.Clone().Dynamic.Connected)
	assert.NotEmpty(t, state.Clone().Dynamic.SessionID)

	tune, err := Tune(state.Settings())
	require.NoError(t, err)
	require.NoError(t, outbox.Enqueue(tune))
	require.NoError(t, outbox.Enqueue(tune))

	for i := 0; i < 2; i++ {
		select {
		case body := <-received:
			assert.Equal(t, "tune", body["command"])
		case <-time.After(2 * time.Second):
			t.Fatalf("backend did not receive command %d", i)
		}
	}

	select {
	case ev := <-frameEvents:
		assert.Equal(t, "preview", ev.Payload.(map[string]interface{})["target"])
	case <-time.After(2 * time.Second):
		t.Fatal("no frame event")
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, frames.Get("preview"))

	assert.Eventually(t, func() bool {
		return state.Settings().Model.DFactor == 0.33 && outbox.Status().CanSend
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestController_ReconnectResetsState(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var mu sync.Mutex
	connections := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connections++
		mu.Unlock()

		loaded, _ := EncodeFrame(map[string]interface{}{"command": "modelLoaded"}, nil)
		_ = conn.WriteMessage(websocket.BinaryMessage, loaded)
		time.Sleep(30 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	state := core.NewState(core.DefaultSettings(1))
	bus := core.NewEventBus()
	disconnected := bus.Subscribe(core.BackendDisconnectedEvent)
	outbox := NewOutbox(1, 10, nil, Hooks{})

	c := NewController(ControllerOptions{
		Address:    strings.TrimPrefix(srv.URL, "http://"),
		RetryDelay: 10 * time.Millisecond,
		Outbox:     outbox,
		State:      state,
		EventBus:   bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect observed")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connections >= 2
	}, 2*time.Second, 10*time.Millisecond, "controller redials after a drop")
}

func TestController_Dispatch(t *testing.T) {
	state := core.NewState(core.DefaultSettings(1))
	bus := core.NewEventBus()
	events := bus.Subscribe(core.AllEvents...)
	c := NewController(ControllerOptions{
		Address:  "localhost:1",
		Outbox:   NewOutbox(1, 1, nil, Hooks{}),
		State:    state,
		EventBus: bus,
	})

	c.Dispatch(&Message{Command: MsgModelLoaded})
	c.Dispatch(&Message{Command: MsgPlot, Data: map[string]interface{}{"target": "interp"}})
	c.Dispatch(&Message{Command: MsgPlot, Data: map[string]interface{}{"target": "nope"}})
	c.Dispatch(&Message{Command: MsgError, Text: "out of memory"})
	c.Dispatch(&Message{Command: "mystery"})

	snap := state.Clone()
	assert.True(t, snap.Dynamic.ModelLoaded)
	assert.NotNil(t, snap.Dynamic.PlotInterp)
	assert.Equal(t, "out of memory", snap.Dynamic.LastError)

	var types []core.EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []core.EventType{core.ModelLoadedEvent, core.PlotReceivedEvent, core.BackendErrorEvent}, types)
}
