package lua

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anroll-controller/internal/core"
)

type fakeHost struct {
	mu       sync.Mutex
	settings core.Settings
	sent     []float64
	skipped  int
	capacity int
}

func newFakeHost() *fakeHost {
	return &fakeHost{settings: core.DefaultSettings(1), capacity: 1}
}

func (h *fakeHost) SetParam(key string, value interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings.Set(key, value)
}

func (h *fakeHost) GetParam(key string) (interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings.Get(key)
}

func (h *fakeHost) SendTune() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, h.settings.Model.DFactor)
	return nil
}

func (h *fakeHost) Skip() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped++
	return 2
}

func (h *fakeHost) SetCapacity(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capacity = n
	return n
}

func (h *fakeHost) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func newEngine(t *testing.T, host Host) (*Engine, core.Subscriber) {
	t.Helper()
	bus := core.NewEventBus()
	events := bus.Subscribe(core.ScriptChangedEvent)
	e := NewEngine(host, t.TempDir(), bus)
	t.Cleanup(e.Close)
	return e, events
}

func waitRunning(t *testing.T, events core.Subscriber, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Payload.(map[string]interface{})["running"] == want {
				return
			}
		case <-deadline:
			t.Fatalf("script state never became %q", want)
		}
	}
}

func TestEngine_Sweep(t *testing.T) {
	host := newFakeHost()
	e, events := newEngine(t, host)

	e.ExecuteString(`sweep("d", 0, 1, 4, 0)`)
	waitRunning(t, events, "inline")
	waitRunning(t, events, "")

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, host.sent)
}

func TestEngine_Globals(t *testing.T) {
	host := newFakeHost()
	e, events := newEngine(t, host)

	e.ExecuteString(`
		set("gridx", 40)
		set("errors_active", "on")
		if get("gridx") == 40 and get("errors_active") == true then
			send()
		end
		if get("nope") == nil then
			skip()
		end
		capacity(7)
		print("done", 1)
	`)
	waitRunning(t, events, "inline")
	waitRunning(t, events, "")

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 40, host.settings.Grid.X)
	assert.True(t, host.settings.Errors.Active)
	assert.Len(t, host.sent, 1)
	assert.Equal(t, 1, host.skipped)
	assert.Equal(t, 7, host.capacity)
}

func TestEngine_StopInterruptsSleep(t *testing.T) {
	host := newFakeHost()
	e, events := newEngine(t, host)

	e.ExecuteString(`
		while not should_stop() do
			send()
			sleep(10)
		end
	`)
	waitRunning(t, events, "inline")
	require.Eventually(t, func() bool { return host.sentCount() > 0 }, time.Second, 5*time.Millisecond)

	e.StopCurrentScript()
	waitRunning(t, events, "")
	assert.Equal(t, "", e.Running())
}

func TestEngine_NewScriptReplacesRunning(t *testing.T) {
	host := newFakeHost()
	e, events := newEngine(t, host)

	require.NoError(t, e.SaveScriptCode("loop.lua", `while true do sleep(5) end`))
	require.NoError(t, e.RunScript("loop.lua"))
	waitRunning(t, events, "loop.lua")

	e.ExecuteString(`send()`)
	waitRunning(t, events, "inline")
	waitRunning(t, events, "")
	assert.Equal(t, 1, host.sentCount())
}

func TestEngine_ScriptFiles(t *testing.T) {
	e, _ := newEngine(t, newFakeHost())

	list, err := e.GetScriptList()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, e.SaveScriptCode("a.lua", "send()"))
	require.NoError(t, os.WriteFile(filepath.Join(e.scriptsDir, "notes.txt"), nil, 0644))

	list, err = e.GetScriptList()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.lua"}, list)

	code, err := e.GetScriptCode("a.lua")
	require.NoError(t, err)
	assert.Equal(t, "send()", code)

	require.NoError(t, e.DeleteScript("a.lua"))
	_, err = e.GetScriptCode("a.lua")
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	for _, bad := range []string{"x.txt", "../x.lua", "a/b.lua", ".lua", "..x.lua"} {
		_, err := sanitizeFilename(bad)
		assert.Error(t, err, bad)
	}
	name, err := sanitizeFilename("sweep_d.lua")
	require.NoError(t, err)
	assert.Equal(t, "sweep_d.lua", name)
}
