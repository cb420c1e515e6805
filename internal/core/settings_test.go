package core

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings(3)

	assert.Equal(t, 0.25, s.Model.InterpolationFactor)
	assert.True(t, s.Model.DFactorRestrict)
	assert.InDelta(t, 2*math.Pi, s.Model.RadiusModifier, 1e-12)
	assert.Equal(t, 1000, s.Optimization.MaxIterations)
	assert.True(t, s.Image.Active)
	assert.Equal(t, 0.5, s.Image.PreviewScale)
	assert.Equal(t, 21, s.Grid.X)
	assert.Equal(t, 0.1, s.Errors.Quality)
	assert.Equal(t, 3, s.Advanced.CommandQueueCapacity)
	assert.Equal(t, MapExponential(0.005), s.Advanced.SplineSmoothing)
	assert.Equal(t, 1000, s.Persistent.RenderMaxResolution)
}

func TestTuneParams_AllKeys(t *testing.T) {
	s := DefaultSettings(1)
	params := s.TuneParams()

	keys := []string{
		"if", "d", "dr", "rad", "enforce_isotropy",
		"opt_active", "opt_max_iter", "opt_e0w", "opt_e1w", "opt_e2w", "opt_e3w",
		"opt_if", "opt_d", "opt_rad",
		"image_active", "ir", "iry", "croptop", "cropbottom", "cropright", "cropleft", "pif",
		"grid_active", "grid_alp", "grid_thickness", "gridx", "gridy",
		"errors_quality", "errors_active", "errors_use_gpu",
		"plot_interp", "plot_ifcurve",
		"spline_smoothing", "tilt", "render_max_res",
	}
	assert.Len(t, params, len(keys))
	for _, k := range keys {
		assert.Contains(t, params, k)
	}
	assert.Equal(t, 0.25, params["if"])
	assert.Equal(t, 21, params["gridx"])
	assert.Equal(t, true, params["dr"])
}

func TestSettingsSet(t *testing.T) {
	s := DefaultSettings(1)

	require.NoError(t, s.Set("if", 0.7))
	require.NoError(t, s.Set("gridx", 12.6))
	require.NoError(t, s.Set("errors_active", "on"))
	require.NoError(t, s.Set("tilt", "1.5"))

	assert.Equal(t, 0.7, s.Model.InterpolationFactor)
	assert.Equal(t, 13, s.Grid.X)
	assert.True(t, s.Errors.Active)
	assert.Equal(t, 1.5, s.Advanced.Tilt)

	assert.Error(t, s.Set("nope", 1))
	assert.Error(t, s.Set("if", "abc"))
	assert.Error(t, s.Set("grid_active", "maybe"))
	assert.Error(t, s.Set("if", []int{1}))
}

func TestSettingsSet_RejectsNonFinite(t *testing.T) {
	s := DefaultSettings(1)

	for _, v := range []interface{}{"NaN", "Inf", "-Inf", "+Inf", math.NaN(), math.Inf(1)} {
		assert.Error(t, s.Set("if", v), "%v", v)
		assert.Error(t, s.Set("gridx", v), "%v", v)
		assert.Error(t, s.Set("spline_smoothing_display", v), "%v", v)
	}
	assert.Equal(t, DefaultSettings(1), s)

	_, err := json.Marshal(s.TuneParams())
	assert.NoError(t, err)
}

func TestSettingsSet_CropClamp(t *testing.T) {
	s := DefaultSettings(1)

	require.NoError(t, s.Set("croptop", 2.0))
	assert.Equal(t, MaxCrop, s.Image.CropTop)
	assert.Equal(t, 0.0, s.Image.CropBottom)

	require.NoError(t, s.Set("croptop", 0.5))
	require.NoError(t, s.Set("cropbottom", 0.7))
	assert.Equal(t, 0.7, s.Image.CropBottom)
	assert.InDelta(t, 0.25, s.Image.CropTop, 1e-12)

	require.NoError(t, s.Set("cropleft", 0.3))
	require.NoError(t, s.Set("cropright", 0.6))
	assert.Equal(t, 0.3, s.Image.CropLeft)
	assert.Equal(t, 0.6, s.Image.CropRight)
}

func TestSettingsSet_RadiusSnap(t *testing.T) {
	s := DefaultSettings(1)

	require.NoError(t, s.Set("rad", -1.0))
	assert.Equal(t, -1.0, s.Model.RadiusModifier)

	// moving up from -1 through the dead zone lands on 1
	require.NoError(t, s.Set("rad", 0.2))
	assert.Equal(t, 1.0, s.Model.RadiusModifier)

	require.NoError(t, s.Set("rad", 0.5))
	assert.Equal(t, -1.0, s.Model.RadiusModifier)

	require.NoError(t, s.Set("rad", 3.0))
	assert.Equal(t, 3.0, s.Model.RadiusModifier)
}

func TestSettingsSet_SplineSmoothingDisplay(t *testing.T) {
	s := DefaultSettings(1)

	require.NoError(t, s.Set("spline_smoothing_display", 0.5))
	assert.Equal(t, 0.5, s.Advanced.SplineSmoothingDisplay)
	assert.Equal(t, MapExponential(0.5), s.Advanced.SplineSmoothing)

	v, ok := s.Get("spline_smoothing")
	require.True(t, ok)
	assert.Equal(t, MapExponential(0.5), v)
}

func TestGated(t *testing.T) {
	s := DefaultSettings(1)
	s.Optimization.OptimizeDFactor = true

	assert.False(t, s.Gated("d"), "inactive optimisation gates nothing")

	s.Optimization.Active = true
	assert.True(t, s.Gated("d"))
	assert.False(t, s.Gated("if"))
	assert.False(t, s.Gated("tilt"))
}

func TestMapExponential(t *testing.T) {
	assert.Equal(t, 0.000001, MapExponential(0))
	assert.Equal(t, 0.000001, MapExponential(-3))
	assert.Equal(t, 1.0, MapExponential(1))
	assert.Equal(t, 1.0, MapExponential(7))

	mid := MapExponential(0.5)
	assert.Greater(t, mid, MapExponential(0.25))
	assert.Less(t, mid, 0.5)
	assert.InDelta(t, 0.000001+(1-0.000001)*((math.Pow(1000, 0.5)-1)/999), mid, 1e-12)
}
