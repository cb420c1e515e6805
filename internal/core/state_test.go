package core

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Apply(t *testing.T) {
	s := NewState(DefaultSettings(1))

	changed, err := s.Apply("if", 0.25)
	require.NoError(t, err)
	assert.False(t, changed, "same value is not a change")

	changed, err = s.Apply("if", 0.4)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.4, s.Settings().Model.InterpolationFactor)

	_, err = s.Apply("bogus", 1)
	assert.Error(t, err)
}

func TestState_ApplyAll(t *testing.T) {
	s := NewState(DefaultSettings(1))

	changed, err := s.ApplyAll(map[string]interface{}{"gridx": 5.0, "gridy": 6.0, "tilt": 0.0})
	require.NoError(t, err)
	assert.Equal(t, []string{"gridx", "gridy"}, changed)

	snap := s.Clone()
	assert.Equal(t, 5, snap.Settings.Grid.X)
	assert.Equal(t, 6, snap.Settings.Grid.Y)

	changed, err = s.ApplyAll(map[string]interface{}{"gridx": 5.0})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestState_ApplyAll_UnknownKeyAppliesNothing(t *testing.T) {
	s := NewState(DefaultSettings(1))

	_, err := s.ApplyAll(map[string]interface{}{"gridx": 5.0, "bogus": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
	assert.Equal(t, 21, s.Settings().Grid.X)
}

func TestState_ApplyAll_CropOrderIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewState(DefaultSettings(1))
		_, err := s.ApplyAll(map[string]interface{}{"croptop": 0.6, "cropbottom": 0.6, "cropleft": 0.7, "cropright": 0.7})
		require.NoError(t, err)

		img := s.Settings().Image
		assert.InDelta(t, 0.35, img.CropTop, 1e-9)
		assert.InDelta(t, 0.6, img.CropBottom, 1e-9)
		assert.InDelta(t, 0.25, img.CropRight, 1e-9)
		assert.InDelta(t, 0.7, img.CropLeft, 1e-9)
	}
}

func TestState_ApplyAll_SplineSmoothingDisplay(t *testing.T) {
	s := NewState(DefaultSettings(1))

	changed, err := s.ApplyAll(map[string]interface{}{"spline_smoothing_display": 0.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"spline_smoothing_display"}, changed)
	assert.Equal(t, MapExponential(0.5), s.Settings().Advanced.SplineSmoothing)
}

func TestState_ApplyFeedback(t *testing.T) {
	s := NewState(DefaultSettings(1))

	changed := s.ApplyFeedback(map[string]interface{}{
		"SET_INTERPOLATION_FACTOR": 0.41789,
		"SET_D_FACTOR":             0.25,
		"D_LOW":                    -1.234,
		"D_HIGH":                   2.567,
		"UNKNOWN":                  1.0,
		"SET_RADIUS_MODIFIER":      "not a number",
	})
	sort.Strings(changed)
	assert.Equal(t, []string{"d", "if"}, changed)

	snap := s.Clone()
	assert.Equal(t, 0.42, snap.Settings.Model.InterpolationFactor)
	assert.Equal(t, 0.25, snap.Settings.Model.DFactor)
	assert.Equal(t, -1.23, snap.Dynamic.DLow)
	assert.Equal(t, 2.57, snap.Dynamic.DHigh)
}

func TestState_Reset(t *testing.T) {
	s := NewState(DefaultSettings(4))
	_, _ = s.Apply("tilt", 3.0)
	s.SetConnection(true, "abc")
	s.SetModelLoaded(true)
	s.SetQueue(2, 10, true)

	s.Reset()

	snap := s.Clone()
	assert.Equal(t, DefaultSettings(4), snap.Settings)
	assert.False(t, snap.Dynamic.Connected)
	assert.False(t, snap.Dynamic.ModelLoaded)
	assert.Equal(t, 0, snap.Dynamic.QueueSize)
	assert.Equal(t, 4, snap.Dynamic.QueueCapacity)
}

func TestState_SetPlot(t *testing.T) {
	s := NewState(DefaultSettings(1))

	assert.True(t, s.SetPlot("interp", map[string]interface{}{"x": 1}))
	assert.True(t, s.SetPlot("ifcurve", []float64{1, 2}))
	assert.False(t, s.SetPlot("other", nil))

	snap := s.Clone()
	assert.NotNil(t, snap.Dynamic.PlotInterp)
	assert.Equal(t, []float64{1, 2}, snap.Dynamic.PlotIFCurve)
}

func TestEventBus(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(QueueChangedEvent)

	eb.Emit(QueueChangedEvent, 3)
	eb.Emit(FrameReceivedEvent, "ignored")

	select {
	case ev := <-sub:
		assert.Equal(t, QueueChangedEvent, ev.Type)
		assert.Equal(t, 3, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	eb.Unsubscribe(sub, QueueChangedEvent)
	eb.Emit(QueueChangedEvent, 4)
	assert.Len(t, sub, 0)
}

func TestEventBus_FullSubscriberDropsEvents(t *testing.T) {
	eb := NewEventBus()
	sub := eb.Subscribe(BackendErrorEvent)

	for i := 0; i < eb.bufferSize+10; i++ {
		eb.Emit(BackendErrorEvent, i)
	}
	assert.Len(t, sub, eb.bufferSize)
}

func TestCommandChannel_Dispatch(t *testing.T) {
	ch := make(CommandChannel, 1)
	assert.True(t, ch.Dispatch(Command{Type: CmdSkip}))
	assert.False(t, ch.Dispatch(Command{Type: CmdResend}))
}
