package recorder

import (
	"fmt"
	"math"

	"anroll-controller/internal/core"
)

// Transition animates from Start to End over Seconds.
type Transition struct {
	Start   core.Settings `json:"start"`
	End     core.Settings `json:"end"`
	Seconds float64       `json:"seconds"`
}

// TransitionSpec describes a transition as wire-key overrides of a base state.
type TransitionSpec struct {
	Start   map[string]interface{} `json:"start"`
	End     map[string]interface{} `json:"end"`
	Seconds float64                `json:"seconds"`
}

// Resolve applies the overrides on top of base.
func (ts TransitionSpec) Resolve(base core.Settings) (Transition, error) {
	tr := Transition{Start: base, End: base, Seconds: ts.Seconds}
	for k, v := range ts.Start {
		if err := tr.Start.Set(k, v); err != nil {
			return Transition{}, fmt.Errorf("start: %w", err)
		}
	}
	for k, v := range ts.End {
		if err := tr.End.Set(k, v); err != nil {
			return Transition{}, fmt.Errorf("end: %w", err)
		}
	}
	return tr, nil
}

// ResolveAll resolves every spec against the same base.
func ResolveAll(base core.Settings, specs []TransitionSpec) ([]Transition, error) {
	out := make([]Transition, 0, len(specs))
	for i, spec := range specs {
		tr, err := spec.Resolve(base)
		if err != nil {
			return nil, fmt.Errorf("transition %d %w", i, err)
		}
		out = append(out, tr)
	}
	return out, nil
}

// Interpolate expands transitions into one settings snapshot per video frame.
// Each transition yields round(seconds*fps)-1 blended frames followed by its
// end state. Only continuous parameters are blended; everything else is
// taken from the start state until the end frame.
func Interpolate(transitions []Transition, fps int) []core.Settings {
	var states []core.Settings
	for _, tr := range transitions {
		frames := int(math.Round(tr.Seconds * float64(fps)))
		for t := 0; t < frames-1; t++ {
			progress := float64(t) / float64(frames-1)
			states = append(states, blend(tr.Start, tr.End, progress))
		}
		states = append(states, tr.End)
	}
	return states
}

func lerp(a, b, p float64) float64 {
	return a + (b-a)*p
}

func lerpInt(a, b int, p float64) int {
	return int(math.Round(lerp(float64(a), float64(b), p)))
}

func blend(start, end core.Settings, p float64) core.Settings {
	s := start

	s.Model.InterpolationFactor = lerp(start.Model.InterpolationFactor, end.Model.InterpolationFactor, p)
	s.Model.DFactor = lerp(start.Model.DFactor, end.Model.DFactor, p)
	s.Model.RadiusModifier = lerp(start.Model.RadiusModifier, end.Model.RadiusModifier, p)

	s.Image.Rotation = lerp(start.Image.Rotation, end.Image.Rotation, p)
	s.Image.CropTop = lerp(start.Image.CropTop, end.Image.CropTop, p)
	s.Image.CropBottom = lerp(start.Image.CropBottom, end.Image.CropBottom, p)
	s.Image.CropLeft = lerp(start.Image.CropLeft, end.Image.CropLeft, p)
	s.Image.CropRight = lerp(start.Image.CropRight, end.Image.CropRight, p)
	s.Image.PreviewScale = lerp(start.Image.PreviewScale, end.Image.PreviewScale, p)

	s.Grid.Thickness = lerpInt(start.Grid.Thickness, end.Grid.Thickness, p)
	s.Grid.X = lerpInt(start.Grid.X, end.Grid.X, p)
	s.Grid.Y = lerpInt(start.Grid.Y, end.Grid.Y, p)

	s.Advanced.SplineSmoothing = lerp(start.Advanced.SplineSmoothing, end.Advanced.SplineSmoothing, p)
	s.Advanced.Tilt = lerp(start.Advanced.Tilt, end.Advanced.Tilt, p)

	s.Optimization.Error0Weight = lerp(start.Optimization.Error0Weight, end.Optimization.Error0Weight, p)
	s.Optimization.Error1Weight = lerp(start.Optimization.Error1Weight, end.Optimization.Error1Weight, p)
	s.Optimization.Error2Weight = lerp(start.Optimization.Error2Weight, end.Optimization.Error2Weight, p)
	s.Optimization.Error3Weight = lerp(start.Optimization.Error3Weight, end.Optimization.Error3Weight, p)

	return s
}
