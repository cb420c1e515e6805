package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anroll-controller/internal/config"
	"anroll-controller/internal/core"
)

func TestNewClient_Disabled(t *testing.T) {
	c := NewClient(config.MQTTConfig{}, make(core.CommandChannel, 1))
	assert.Nil(t, c)
	// nil clients are safe to use
	assert.NoError(t, c.Connect())
	c.Publish("x", 1, false)
	c.Disconnect()
}

func TestRoute(t *testing.T) {
	c := &Client{prefix: "anroll"}

	tests := []struct {
		topic   string
		payload string
		want    core.Command
	}{
		{"anroll/queue/skip", "", core.Command{Type: core.CmdSkip}},
		{"anroll/queue/capacity/set", " 12 ", core.Command{Type: core.CmdSetCapacity, Payload: map[string]interface{}{"capacity": 12.0}}},
		{"anroll/script/run", "sweep.lua", core.Command{Type: core.CmdRunScript, Payload: map[string]interface{}{"name": "sweep.lua"}}},
		{"anroll/script/stop", "", core.Command{Type: core.CmdStopScript}},
		{"anroll/param/d/set", "0.5", core.Command{Type: core.CmdSetParam, Payload: map[string]interface{}{"key": "d", "value": "0.5"}}},
		{"anroll/param/errors_active/set", "on", core.Command{Type: core.CmdSetParam, Payload: map[string]interface{}{"key": "errors_active", "value": "on"}}},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, err := c.route(tt.topic, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []struct{ topic, payload string }{
		{"other/queue/skip", ""},
		{"anroll/queue/capacity/set", "many"},
		{"anroll/script/run", ""},
		{"anroll/param//set", "1"},
		{"anroll/param/d", "1"},
		{"anroll/power/set", "on"},
	} {
		_, err := c.route(bad.topic, []byte(bad.payload))
		assert.Error(t, err, bad.topic)
	}
}

func TestEventMessages(t *testing.T) {
	assert.Equal(t,
		[]message{{"backend/state", "connected", true}},
		eventMessages(core.Event{Type: core.BackendConnectedEvent}))
	assert.Equal(t,
		[]message{{"backend/state", "disconnected", true}},
		eventMessages(core.Event{Type: core.BackendDisconnectedEvent}))
	assert.Equal(t,
		[]message{{"queue/size", 3, true}},
		eventMessages(core.Event{Type: core.QueueChangedEvent, Payload: map[string]interface{}{"size": 3, "capacity": 5}}))
	assert.Equal(t,
		[]message{{"feedback/D_HIGH", 2.5, false}, {"feedback/SET_D_FACTOR", 0.4, false}},
		eventMessages(core.Event{Type: core.FeedbackReceivedEvent, Payload: map[string]interface{}{
			"feedback": map[string]interface{}{"SET_D_FACTOR": 0.4, "D_HIGH": 2.5},
		}}))
	assert.Empty(t, eventMessages(core.Event{Type: core.FrameReceivedEvent}))
}
