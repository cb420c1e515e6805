package backend

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anroll-controller/internal/core"
)

func TestDecodeFrame_Image(t *testing.T) {
	rgba := make([]byte, 2*3*4)
	for i := range rgba {
		rgba[i] = byte(i)
	}
	frame, err := EncodeFrame(map[string]interface{}{
		"command": "image", "width": 2, "height": 3, "target": "preview",
	}, rgba)
	require.NoError(t, err)

	msg, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgImage, msg.Command)
	assert.Equal(t, 2, msg.Width)
	assert.Equal(t, 3, msg.Height)
	assert.Equal(t, "preview", msg.Target)
	assert.Equal(t, rgba, msg.Raw)
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name      string
		frame     []byte
		wantShort bool
	}{
		{"empty", nil, true},
		{"three bytes", []byte{1, 0, 0}, true},
		{"length past end", []byte{10, 0, 0, 0, '{', '}'}, true},
		{"bad json", []byte{3, 0, 0, 0, '{', 'x', '}'}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.frame)
			require.Error(t, err)
			assert.Equal(t, tt.wantShort, errors.Is(err, ErrShortFrame))
		})
	}

	t.Run("image size mismatch", func(t *testing.T) {
		frame, err := EncodeFrame(map[string]interface{}{"command": "image", "width": 2, "height": 2}, []byte{1, 2, 3})
		require.NoError(t, err)
		_, err = DecodeFrame(frame)
		assert.Error(t, err)
	})

	t.Run("image size overflows", func(t *testing.T) {
		frame, err := EncodeFrame(map[string]interface{}{"command": "image", "width": 1 << 31, "height": 1 << 31, "target": "preview"}, nil)
		require.NoError(t, err)
		_, err = DecodeFrame(frame)
		assert.Error(t, err)
	})
}

func TestDecodeFrame_Messages(t *testing.T) {
	frame, err := EncodeFrame(map[string]interface{}{
		"command":  "feedback",
		"feedback": map[string]interface{}{"SET_D_FACTOR": 0.5},
	}, nil)
	require.NoError(t, err)
	msg, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, 0.5, msg.Feedback["SET_D_FACTOR"])

	frame, err = EncodeFrame(map[string]interface{}{
		"command": "plot",
		"data":    map[string]interface{}{"target": "ifcurve", "x": []float64{1, 2}},
	}, nil)
	require.NoError(t, err)
	msg, err = DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "ifcurve", msg.PlotTarget())

	frame, err = EncodeFrame(map[string]interface{}{"command": "error", "text": "boom"}, nil)
	require.NoError(t, err)
	msg, err = DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "boom", msg.Text)
	assert.Empty(t, msg.PlotTarget())
}

func TestTuneCommand(t *testing.T) {
	s := core.DefaultSettings(1)
	s.Advanced.Tilt = 0.3

	cmd, err := Tune(s)
	require.NoError(t, err)
	assert.Equal(t, "tune", cmd.Name)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(cmd.Payload, &body))
	assert.Equal(t, "tune", body["command"])
	assert.Equal(t, 0.3, body["tilt"])
	assert.Equal(t, 0.25, body["if"])
	assert.Equal(t, float64(1000), body["render_max_res"])
	assert.Len(t, body, 36)
}

func TestLoadProjectCommand(t *testing.T) {
	cmd, err := LoadProject([]byte("mask"), []byte("unroll"))
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(cmd.Payload, &body))
	assert.Equal(t, "loadProject", body["command"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("mask")), body["mask"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("unroll")), body["unrolling"])

	_, err = LoadProject(nil, []byte("x"))
	assert.Error(t, err)
}
